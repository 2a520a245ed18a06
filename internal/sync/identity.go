package sync

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tonimelisma/usersync/internal/api"
	"github.com/tonimelisma/usersync/internal/consistency"
	"github.com/tonimelisma/usersync/internal/model"
)

// NewIdentityExecutor returns the executor for alias additions and removals.
func NewIdentityExecutor(cfg Config) (*Executor, error) {
	return newExecutor("identity", identityFamily{}, cfg)
}

type identityFamily struct{}

func (identityFamily) supports() []model.DeltaName {
	return []model.DeltaName{model.DeltaAddAlias, model.DeltaRemoveAlias}
}

func (identityFamily) queueNames() []string { return []string{QueueAdd, QueueRemove} }

func (identityFamily) retains(*Executor, *model.Delta) bool { return true }

// combine folds every add_alias into one PATCH and turns each remove_alias
// into its own DELETE. A label removed after being added in the same batch
// leaves the PATCH.
func (identityFamily) combine(e *Executor, identityModelID string, deltas []*model.Delta) ([]*Request, error) {
	var (
		adds    = make(api.IdentityObject)
		addTS   time.Time
		removes []*model.Delta
	)

	for _, d := range deltas {
		switch d.Name {
		case model.DeltaAddAlias:
			adds[d.Value.Label] = d.Value.Text
			if addTS.IsZero() || d.Timestamp.Before(addTS) {
				addTS = d.Timestamp
			}
		case model.DeltaRemoveAlias:
			delete(adds, d.Value.Label)
			removes = append(removes, d)
		}
	}

	ext := e.externalID(identityModelID)

	var out []*Request

	if len(adds) > 0 {
		r, err := newRequest(KindAddAliases, QueueAdd, http.MethodPatch, pathIdentity, api.IdentityBody{Identity: adds}, addTS)
		if err != nil {
			return nil, err
		}

		r.IdentityModelID = identityModelID
		r.ExternalID = ext
		out = append(out, r)
	}

	for _, d := range removes {
		r, err := newRequest(KindRemoveAlias, QueueRemove, http.MethodDelete, pathIdentityAlias, nil, d.Timestamp)
		if err != nil {
			return nil, err
		}

		r.IdentityModelID = identityModelID
		r.ExternalID = ext
		r.AliasLabel = d.Value.Label
		out = append(out, r)
	}

	return out, nil
}

// succeeded records consistency only. The local alias map is already
// authoritative; hydrating from the response could resurrect a label whose
// DELETE is still queued.
func (identityFamily) succeeded(e *Executor, r *Request, body []byte) {
	e.recordConsistency(r.IdentityModelID, consistency.KindUserUpdate, body)
}

func (identityFamily) failed(e *Executor, r *Request, class api.Class, _ error) {
	switch {
	case class == api.ClassMissing && r.Kind == KindAddAliases:
		e.cfg.Hooks.OnUserMissing(r.IdentityModelID)

	case class == api.ClassConflict && r.Kind == KindAddAliases:
		var b api.IdentityBody
		if err := json.Unmarshal(r.Body, &b); err != nil {
			return
		}

		for label, id := range b.Identity {
			e.cfg.Hooks.OnIdentityConflict(r.IdentityModelID, label, id)
		}
	}
}

// externalID returns the owner's external id, or "" for an anonymous or
// unregistered identity.
func (e *Executor) externalID(identityModelID string) string {
	if ident, ok := e.cfg.Registry.Identity(identityModelID); ok {
		return ident.ExternalID()
	}

	return ""
}
