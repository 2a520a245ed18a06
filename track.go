package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/usersync/internal/model"
	"github.com/tonimelisma/usersync/internal/session"
)

func newTrackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Record sessions, purchases and custom events",
	}

	cmd.AddCommand(newTrackEventCmd())

	cmd.AddCommand(mutationCmd("session <duration>", "Add one session of the given length (e.g. 90s, 1h30m)",
		cobra.ExactArgs(1), "Session recorded",
		func(m *session.Manager, args []string) error {
			d, err := parseDuration(args[0])
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", args[0], err)
			}

			return m.TrackSession(d)
		}))

	cmd.AddCommand(mutationCmd("purchase <sku> <currency> <amount>", "Record a purchase",
		cobra.ExactArgs(3), "Purchase recorded",
		func(m *session.Manager, args []string) error {
			return m.TrackPurchase(model.Purchase{SKU: args[0], ISO: args[1], Amount: args[2]})
		}))

	return cmd
}

func newTrackEventCmd() *cobra.Command {
	cmd := mutationCmd("event <name> [key=value...]", "Record a custom event",
		cobra.MinimumNArgs(1), "Event recorded",
		func(m *session.Manager, args []string) error {
			props, err := eventProperties(args[1:])
			if err != nil {
				return err
			}

			return m.TrackEvent(args[0], props)
		})

	cmd.Long = `Record a custom event. Each key=value becomes an event property; values
that parse as JSON (numbers, booleans, objects) keep their type, anything
else is sent as a string.`

	return cmd
}

// eventProperties turns key=value arguments into a JSON-ready map.
func eventProperties(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}

	pairs, err := parsePairs(args)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(pairs))

	for k, v := range pairs {
		var typed any
		if json.Unmarshal([]byte(v), &typed) == nil {
			out[k] = typed
			continue
		}

		out[k] = v
	}

	return out, nil
}
