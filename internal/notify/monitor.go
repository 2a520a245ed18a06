// Package notify keeps a websocket open to the user service's realtime
// endpoint and nudges the Operation Repo when it matters: on every
// (re)connect, because queued retryable requests may now go through, and on
// every server notification.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Reconnect backoff bounds.
const (
	DefaultMinBackoff = 1 * time.Second
	DefaultMaxBackoff = 2 * time.Minute
	backoffFactor     = 2.0

	// maxMessage caps an inbound notification.
	maxMessage = 64 << 10
)

// Triggerer is the part of the Operation Repo the monitor drives.
type Triggerer interface {
	Trigger(reason string)
}

// Notification is one inbound message. Type names what changed; "ping"
// messages are keepalives and do not trigger a flush.
type Notification struct {
	Type   string `json:"type"`
	UserID string `json:"onesignal_id,omitempty"`
}

// Config wires a Monitor.
type Config struct {
	URL    string
	Header http.Header

	MinBackoff time.Duration
	MaxBackoff time.Duration

	// OnNotification, when set, sees every parsed message.
	OnNotification func(Notification)
	Logger         *slog.Logger
}

// Monitor maintains the realtime connection.
type Monitor struct {
	cfg       Config
	target    Triggerer
	logger    *slog.Logger
	connected atomic.Bool

	// sleepFunc waits between reconnect attempts. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New returns a Monitor that triggers target.
func New(cfg Config, target Triggerer) (*Monitor, error) {
	if cfg.URL == "" {
		return nil, errors.New("notify: realtime url is empty")
	}

	if target == nil {
		return nil, errors.New("notify: nil trigger target")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}

	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}

	return &Monitor{
		cfg:       cfg,
		target:    target,
		logger:    cfg.Logger.With(slog.String("component", "notify")),
		sleepFunc: timeSleep,
	}, nil
}

// Connected reports whether the websocket is currently up.
func (m *Monitor) Connected() bool { return m.connected.Load() }

// Run connects and reconnects until ctx is canceled. It returns nil on
// cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	var failures int

	for {
		err := m.session(ctx)
		m.connected.Store(false)

		if ctx.Err() != nil {
			return nil
		}

		if err == nil {
			failures = 0
		} else {
			failures++
		}

		wait := m.backoff(failures)
		m.logger.Info("realtime connection lost",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", wait),
		)

		if m.sleepFunc(ctx, wait) != nil {
			return nil
		}
	}
}

// session runs one connection until it drops. A nil return means the
// connection was established and later closed.
func (m *Monitor) session(ctx context.Context) error {
	conn, resp, err := websocket.Dial(ctx, m.cfg.URL, &websocket.DialOptions{HTTPHeader: m.cfg.Header})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err != nil {
		return fmt.Errorf("notify: dialing %s: %w", m.cfg.URL, err)
	}

	defer conn.CloseNow()

	conn.SetReadLimit(maxMessage)
	m.connected.Store(true)
	m.logger.Info("realtime connected", slog.String("url", m.cfg.URL))
	m.target.Trigger("realtime connected")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "shutting down")
				return nil
			}

			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}

			return fmt.Errorf("notify: reading: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		m.handle(data)
	}
}

func (m *Monitor) handle(data []byte) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil || n.Type == "" {
		m.logger.Debug("ignoring malformed notification", slog.Int("bytes", len(data)))
		return
	}

	if m.cfg.OnNotification != nil {
		m.cfg.OnNotification(n)
	}

	if n.Type == "ping" {
		return
	}

	m.logger.Debug("notification", slog.String("type", n.Type), slog.String("user_id", n.UserID))
	m.target.Trigger("realtime " + n.Type)
}

// backoff is exponential in the number of consecutive failures, capped.
func (m *Monitor) backoff(failures int) time.Duration {
	d := float64(m.cfg.MinBackoff) * math.Pow(backoffFactor, float64(failures))
	if d > float64(m.cfg.MaxBackoff) {
		return m.cfg.MaxBackoff
	}

	return time.Duration(d)
}

func errString(err error) string {
	if err == nil {
		return "closed by server"
	}

	return err.Error()
}

func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
