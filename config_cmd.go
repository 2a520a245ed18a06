package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/usersync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <app-id>",
		Short: "Write a commented config file for an app id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			path := configPath(cc.Flags)

			if err := config.WriteDefault(path, args[0]); err != nil {
				return err
			}

			cc.Statusf("Wrote %s\n", path)

			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			if cc.Cfg == nil {
				return fmt.Errorf("no configuration loaded")
			}

			if cc.Flags.JSON {
				shown := *cc.Cfg.Config
				if shown.Auth.ClientSecret != "" {
					shown.Auth.ClientSecret = "********"
				}

				return printJSON(os.Stdout, struct {
					Path   string         `json:"path"`
					Config *config.Config `json:"config"`
				}{cc.Cfg.Path, &shown})
			}

			return config.RenderEffective(cc.Cfg, os.Stdout)
		},
	}
}
