package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/usersync/internal/session"
)

func newEmailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "email",
		Short: "Manage email subscriptions",
	}

	cmd.AddCommand(mutationCmd("add <address>", "Subscribe an email address",
		cobra.ExactArgs(1), "Email subscription added",
		func(m *session.Manager, args []string) error {
			return m.AddEmail(args[0])
		}))

	cmd.AddCommand(mutationCmd("remove <address>", "Unsubscribe an email address",
		cobra.ExactArgs(1), "Email subscription removed",
		func(m *session.Manager, args []string) error {
			return m.RemoveEmail(args[0])
		}))

	return cmd
}

func newSMSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sms",
		Short: "Manage SMS subscriptions",
	}

	cmd.AddCommand(mutationCmd("add <number>", "Subscribe a phone number (E.164)",
		cobra.ExactArgs(1), "SMS subscription added",
		func(m *session.Manager, args []string) error {
			return m.AddSMS(args[0])
		}))

	cmd.AddCommand(mutationCmd("remove <number>", "Unsubscribe a phone number",
		cobra.ExactArgs(1), "SMS subscription removed",
		func(m *session.Manager, args []string) error {
			return m.RemoveSMS(args[0])
		}))

	return cmd
}

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Manage this device's push subscription",
	}

	cmd.AddCommand(mutationCmd("token <token>", "Set the platform push token",
		cobra.ExactArgs(1), "Push token updated",
		func(m *session.Manager, args []string) error {
			return m.SetPushToken(args[0])
		}))

	cmd.AddCommand(mutationCmd("opt-in", "Enable push delivery",
		cobra.NoArgs, "Opted in to push",
		func(m *session.Manager, _ []string) error {
			return m.OptIn()
		}))

	cmd.AddCommand(mutationCmd("opt-out", "Disable push delivery",
		cobra.NoArgs, "Opted out of push",
		func(m *session.Manager, _ []string) error {
			return m.OptOut()
		}))

	return cmd
}
