package sync

import (
	"net/http"

	"github.com/tonimelisma/usersync/internal/api"
	"github.com/tonimelisma/usersync/internal/consistency"
	"github.com/tonimelisma/usersync/internal/model"
)

// NewPropertiesExecutor returns the executor for tags, language, timezone,
// location, session counters and purchases.
func NewPropertiesExecutor(cfg Config) (*Executor, error) {
	return newExecutor("properties", propertiesFamily{}, cfg)
}

type propertiesFamily struct{}

func (propertiesFamily) supports() []model.DeltaName {
	return []model.DeltaName{
		model.DeltaSetTag,
		model.DeltaRemoveTag,
		model.DeltaSetLanguage,
		model.DeltaSetTimezone,
		model.DeltaSetLocation,
		model.DeltaAddSessionTime,
		model.DeltaAddSessionCount,
		model.DeltaAddPurchase,
	}
}

func (propertiesFamily) queueNames() []string { return []string{QueueUpdate} }

func (propertiesFamily) retains(*Executor, *model.Delta) bool { return true }

// combine folds one identity's deltas into a single update. Scalars and tags
// are last-write-wins in arrival order; a removed tag is sent as "".
// Session counters are summed and purchases appended.
func (propertiesFamily) combine(e *Executor, identityModelID string, deltas []*model.Delta) ([]*Request, error) {
	var (
		props  api.PropertiesObject
		deltaF api.PropertiesDeltas
	)

	for _, d := range deltas {
		switch d.Name {
		case model.DeltaSetTag, model.DeltaRemoveTag:
			if props.Tags == nil {
				props.Tags = make(map[string]string)
			}

			props.Tags[d.Value.Label] = d.Value.Text
		case model.DeltaSetLanguage:
			props.Language = d.Value.Text
		case model.DeltaSetTimezone:
			props.Timezone = d.Value.Text
		case model.DeltaSetLocation:
			if loc := d.Value.Location; loc != nil {
				lat, long := loc.Latitude, loc.Longitude
				props.Latitude, props.Longitude = &lat, &long
			}
		case model.DeltaAddSessionTime:
			deltaF.SessionTime += d.Value.Number
		case model.DeltaAddSessionCount:
			deltaF.SessionCount += d.Value.Number
		case model.DeltaAddPurchase:
			if p := d.Value.Purchase; p != nil {
				deltaF.Purchases = append(deltaF.Purchases, api.PurchaseObject{SKU: p.SKU, ISO: p.ISO, Amount: p.Amount})
			}
		}
	}

	body := api.UpdateUserBody{Properties: props}
	if !deltaF.IsEmpty() {
		body.Deltas = &deltaF
	}

	r, err := newRequest(KindUpdateProperties, QueueUpdate, http.MethodPatch, pathUser, body, earliest(deltas))
	if err != nil {
		return nil, err
	}

	r.IdentityModelID = identityModelID
	r.ExternalID = e.externalID(identityModelID)

	return []*Request{r}, nil
}

// succeeded does not hydrate: later local writes may already be queued and
// would be overwritten by the echoed values.
func (propertiesFamily) succeeded(e *Executor, r *Request, body []byte) {
	e.recordConsistency(r.IdentityModelID, consistency.KindUserUpdate, body)
}

func (propertiesFamily) failed(e *Executor, r *Request, class api.Class, _ error) {
	if class == api.ClassMissing {
		e.cfg.Hooks.OnUserMissing(r.IdentityModelID)
	}
}
