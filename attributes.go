package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/usersync/internal/session"
)

// mutationCmd builds a command that applies one change to the current user
// and flushes it. done is printed on success.
func mutationCmd(use, short string, args cobra.PositionalArgs, done string,
	apply func(m *session.Manager, args []string) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			err := withSession(cmd.Context(), cc, func(m *session.Manager) error {
				return apply(m, args)
			})
			if err != nil {
				return err
			}

			cc.Statusf("%s\n", done)

			return nil
		},
	}
}

// parsePairs splits key=value arguments. Values may be empty; keys may not.
func parsePairs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))

	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}

		out[k] = v
	}

	return out, nil
}

func newAliasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alias",
		Short: "Manage the current user's aliases",
	}

	cmd.AddCommand(mutationCmd("add <label>=<id>...", "Add or replace aliases",
		cobra.MinimumNArgs(1), "Aliases updated",
		func(m *session.Manager, args []string) error {
			pairs, err := parsePairs(args)
			if err != nil {
				return err
			}

			return m.AddAliases(pairs)
		}))

	cmd.AddCommand(mutationCmd("remove <label>...", "Remove aliases",
		cobra.MinimumNArgs(1), "Aliases removed",
		func(m *session.Manager, args []string) error {
			for _, label := range args {
				if err := m.RemoveAlias(label); err != nil {
					return err
				}
			}

			return nil
		}))

	return cmd
}

func newTagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage the current user's tags",
	}

	cmd.AddCommand(mutationCmd("set <key>=<value>...", "Set tags; an empty value removes the tag",
		cobra.MinimumNArgs(1), "Tags updated",
		func(m *session.Manager, args []string) error {
			pairs, err := parsePairs(args)
			if err != nil {
				return err
			}

			return m.SetTags(pairs)
		}))

	cmd.AddCommand(mutationCmd("remove <key>...", "Remove tags",
		cobra.MinimumNArgs(1), "Tags removed",
		func(m *session.Manager, args []string) error {
			for _, key := range args {
				if err := m.RemoveTag(key); err != nil {
					return err
				}
			}

			return nil
		}))

	return cmd
}

func newPropertyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "property",
		Short: "Set the current user's language, timezone or location",
	}

	cmd.AddCommand(mutationCmd("language <tag>", "Set the language (a BCP 47 tag such as en or pt-BR)",
		cobra.ExactArgs(1), "Language updated",
		func(m *session.Manager, args []string) error {
			return m.SetLanguage(args[0])
		}))

	cmd.AddCommand(mutationCmd("timezone <zone>", "Set the IANA timezone, e.g. Europe/Helsinki",
		cobra.ExactArgs(1), "Timezone updated",
		func(m *session.Manager, args []string) error {
			return m.SetTimezone(args[0])
		}))

	cmd.AddCommand(mutationCmd("location <lat> <long>", "Set the last known location",
		cobra.ExactArgs(2), "Location updated",
		func(m *session.Manager, args []string) error {
			lat, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid latitude %q: %w", args[0], err)
			}

			long, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid longitude %q: %w", args[1], err)
			}

			return m.SetLocation(lat, long)
		}))

	return cmd
}
