package config

import (
	"fmt"
	"io"
	"strings"
)

// redacted replaces secrets in RenderEffective output.
const redacted = "********"

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers "config show", giving users
// visibility into the effective values after all four override layers.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.Path)
	ew.printf("app_id  = %q\n", r.AppID)
	ew.printf("api_url = %q\n\n", r.APIURL)

	ew.printf("[store]\n")
	ew.printf("  backend = %q\n", r.Store.Backend)
	ew.printf("  path    = %q\n\n", r.Store.Path)

	ew.printf("[sync]\n")
	ew.printf("  flush_interval   = %q\n", r.Sync.FlushInterval)
	ew.printf("  shutdown_timeout = %q\n", r.Sync.ShutdownTimeout)
	ew.printf("  paused           = %t\n\n", r.Sync.Paused)

	renderAuthSection(ew, &r.Auth)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.Logging.LogLevel)
	ew.printf("  log_format = %q\n\n", r.Logging.LogFormat)

	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", r.Network.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", r.Network.DataTimeout)
	ew.printf("  max_retries     = %d\n", r.Network.MaxRetries)

	if r.Network.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", r.Network.UserAgent)
	}

	if r.Network.RealtimeURL != "" {
		ew.printf("  realtime_url    = %q\n", r.Network.RealtimeURL)
	}

	return ew.err
}

func renderAuthSection(ew *errWriter, a *AuthConfig) {
	ew.printf("[auth]\n")
	ew.printf("  require_identity_verification = %t\n", a.RequireIdentityVerification)

	if a.ClientID != "" {
		ew.printf("  client_id     = %q\n", a.ClientID)
		ew.printf("  client_secret = %q\n", redacted)
		ew.printf("  token_url     = %q\n", a.TokenURL)
	}

	if len(a.Scopes) > 0 {
		ew.printf("  scopes        = [%s]\n", joinQuoted(a.Scopes))
	}

	ew.printf("\n")
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}

	return strings.Join(quoted, ", ")
}
