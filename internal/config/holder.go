package config

import "sync"

// Holder provides thread-safe access to a mutable *Config and an immutable
// config file path. The run daemon reads through a shared Holder so a reload
// updates config in exactly one place.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial config and config file path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{
		cfg:  cfg,
		path: path,
	}
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// Reload re-reads the config file and swaps it in when it parses and
// validates; otherwise the current config stays and the error is returned.
// The previous config is returned for change detection.
func (h *Holder) Reload() (prev, next *Config, err error) {
	cfg, err := LoadOrDefault(h.path)
	if err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	prev = h.cfg

	// These need a restart; keep what the process was started with.
	if prev != nil {
		cfg.AppID = prev.AppID
		cfg.APIURL = prev.APIURL
		cfg.Store = prev.Store
	}

	h.cfg = cfg

	return prev, cfg, nil
}
