package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/usersync/internal/session"
	"github.com/tonimelisma/usersync/internal/sync"
)

func newStatusCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current user and pending queue depths",
		Long: `Show the current user's identity, properties and subscriptions as known
locally, plus how many changes and requests are waiting in each queue.

Nothing is sent to the server unless --refresh is given: then queued changes
are flushed and the user is fetched first. The fetch waits until the server
reports this client's own writes applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), mustCLIContext(cmd.Context()), refresh)
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "fetch the user from the server before printing")

	return cmd
}

// statusReport is the JSON shape of "status --json".
type statusReport struct {
	User   session.Snapshot `json:"user"`
	Paused bool             `json:"paused"`
	Queues []sync.Stats     `json:"queues"`
}

func runStatus(ctx context.Context, cc *CLIContext, refresh bool) error {
	if err := ensureNoDaemon(dataDir(cc.Flags)); err != nil {
		return err
	}

	eng, err := openEngine(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}

	report, err := collectStatus(ctx, eng, refresh && !cc.Cfg.Sync.Paused)

	if closeErr := eng.close(context.WithoutCancel(ctx)); closeErr != nil {
		err = errors.Join(err, closeErr)
	}

	if err != nil {
		return err
	}

	report.Paused = report.Paused || cc.Cfg.Sync.Paused

	if cc.Flags.JSON {
		return printJSON(os.Stdout, report)
	}

	printStatus(os.Stdout, report)

	return nil
}

func collectStatus(ctx context.Context, eng *engine, refresh bool) (statusReport, error) {
	if err := eng.mgr.Start(ctx, session.StartOptions{}); err != nil {
		return statusReport{}, err
	}

	if refresh {
		if err := refreshUser(ctx, eng.mgr); err != nil {
			return statusReport{}, err
		}
	}

	snap, err := eng.mgr.Snapshot()
	if err != nil {
		return statusReport{}, err
	}

	stats, err := eng.mgr.Repo().Stats(ctx)
	if err != nil {
		return statusReport{}, fmt.Errorf("reading queues: %w", err)
	}

	return statusReport{User: snap, Paused: eng.mgr.Repo().Paused(), Queues: stats}, nil
}

// refreshUser flushes and, once the user has a server id, fetches it.
func refreshUser(ctx context.Context, mgr *session.Manager) error {
	if err := mgr.Flush(ctx); err != nil {
		return fmt.Errorf("flushing: %w", err)
	}

	err := mgr.Refresh(ctx)
	if errors.Is(err, session.ErrNoServerUser) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("refreshing user: %w", err)
	}

	return nil
}

func printStatus(w io.Writer, r statusReport) {
	id := r.User.Identity

	fmt.Fprintf(w, "User:        %s\n", orDash(id.UserID))
	fmt.Fprintf(w, "External ID: %s\n", orDash(id.ExternalID))

	if len(id.Aliases) > 0 {
		fmt.Fprintf(w, "Aliases:     %s\n", joinPairs(id.Aliases))
	}

	if tags := r.User.Properties.Tags; len(tags) > 0 {
		fmt.Fprintf(w, "Tags:        %s\n", joinPairs(tags))
	}

	if lang := r.User.Properties.Language; lang != "" {
		fmt.Fprintf(w, "Language:    %s\n", lang)
	}

	if tz := r.User.Properties.Timezone; tz != "" {
		fmt.Fprintf(w, "Timezone:    %s\n", tz)
	}

	if r.Paused {
		fmt.Fprintln(w, "Sync:        paused")
	}

	if len(r.User.Subscriptions) > 0 {
		fmt.Fprintln(w)

		rows := make([][]string, 0, len(r.User.Subscriptions))
		for _, s := range r.User.Subscriptions {
			state := "enabled"
			if !s.Enabled {
				state = "disabled"
			}

			push := ""
			if s.ModelID == r.User.Push {
				push = "*"
			}

			rows = append(rows, []string{string(s.Type) + push, orDash(s.SubscriptionID), orDash(s.Token), state})
		}

		printTable(w, []string{"CHANNEL", "ID", "TOKEN", "STATE"}, rows)
	}

	fmt.Fprintln(w)

	rows := make([][]string, 0, len(r.Queues))
	for _, q := range r.Queues {
		rows = append(rows, []string{
			q.Executor,
			strconv.Itoa(q.Deltas),
			strconv.Itoa(sumRequests(q.Requests)),
			strconv.Itoa(q.InFlight),
			strconv.Itoa(q.PendingAuth),
		})
	}

	printTable(w, []string{"QUEUE", "DELTAS", "REQUESTS", "IN FLIGHT", "HELD"}, rows)
}

func sumRequests(m map[string]int) int {
	total := 0
	for _, n := range m {
		total += n
	}

	return total
}

func joinPairs(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}

	return strings.Join(parts, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func newFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Send every queued change now",
		Long: `Flush the queues and wait until requests stop making progress, bounded by
sync.shutdown_timeout. Requests that keep failing with transient errors stay
queued for the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := withSession(cmd.Context(), cc, func(*session.Manager) error { return nil }); err != nil {
				return err
			}

			cc.Statusf("Flushed\n")

			return nil
		},
	}
}
