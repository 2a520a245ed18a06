package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/usersync/internal/session"
)

func newLoginCmd() *cobra.Command {
	var jwt string

	cmd := &cobra.Command{
		Use:   "login <external-id>",
		Short: "Identify this device's user by an external id",
		Long: `Switch the current user to the one identified by external-id.

An anonymous current user is merged into the identified one: its properties
and subscriptions carry over. An already identified user is replaced by a
fresh user for the new external id, keeping only the push subscription.

With identity verification enabled, --jwt supplies the token the server
checks for this external id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			err := withSession(cmd.Context(), cc, func(m *session.Manager) error {
				return m.Login(cmd.Context(), args[0], jwt)
			})
			if err != nil {
				return err
			}

			cc.Statusf("Logged in as %s\n", args[0])

			return nil
		},
	}

	cmd.Flags().StringVar(&jwt, "jwt", "", "identity verification token for external-id")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Start a new anonymous user",
		Long: `Forget the identified user and continue with a fresh anonymous one. The
push subscription moves to the new user. Logging out an anonymous user does
nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			err := withSession(cmd.Context(), cc, func(m *session.Manager) error {
				return m.Logout(cmd.Context())
			})
			if err != nil {
				return err
			}

			cc.Statusf("Logged out\n")

			return nil
		},
	}
}

func newJWTCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jwt",
		Short: "Manage identity verification tokens",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "update <external-id> <token>",
		Short: "Replace the token for an external id and resend held requests",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			err := withSession(cmd.Context(), cc, func(m *session.Manager) error {
				return m.UpdateJWT(args[0], args[1])
			})
			if err != nil {
				return err
			}

			cc.Statusf("Token updated for %s\n", args[0])

			return nil
		},
	})

	return cmd
}
