package sync

import (
	"net/http"
	"time"

	"github.com/tonimelisma/usersync/internal/api"
	"github.com/tonimelisma/usersync/internal/model"
)

// NewEventsExecutor returns the executor for custom events.
func NewEventsExecutor(cfg Config) (*Executor, error) {
	return newExecutor("events", eventsFamily{}, cfg)
}

type eventsFamily struct{}

func (eventsFamily) supports() []model.DeltaName { return []model.DeltaName{model.DeltaTrackEvent} }

func (eventsFamily) queueNames() []string { return []string{QueueEvents} }

func (eventsFamily) retains(*Executor, *model.Delta) bool { return true }

// combine batches one identity's events into a single POST. The user id in
// each event is a body placeholder filled in at send time.
func (eventsFamily) combine(e *Executor, identityModelID string, deltas []*model.Delta) ([]*Request, error) {
	ext := e.externalID(identityModelID)

	body := api.EventsBody{Events: make([]api.EventObject, 0, len(deltas))}

	for _, d := range deltas {
		ev := d.Value.Event
		if ev == nil {
			continue
		}

		body.Events = append(body.Events, api.EventObject{
			Name:       ev.Name,
			UserID:     phUserID,
			ExternalID: ext,
			Timestamp:  d.Timestamp.UTC().Format(time.RFC3339Nano),
			Payload:    ev.Properties,
		})
	}

	if len(body.Events) == 0 {
		return nil, nil
	}

	r, err := newRequest(KindTrackEvents, QueueEvents, http.MethodPost, pathEvents, body, earliest(deltas))
	if err != nil {
		return nil, err
	}

	r.IdentityModelID = identityModelID
	r.ExternalID = ext

	return []*Request{r}, nil
}

func (eventsFamily) succeeded(*Executor, *Request, []byte) {}

func (eventsFamily) failed(e *Executor, r *Request, class api.Class, _ error) {
	if class == api.ClassMissing {
		e.cfg.Hooks.OnUserMissing(r.IdentityModelID)
	}
}
