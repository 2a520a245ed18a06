package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/usersync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagAppID      string
	flagDataDir    string
	flagStore      string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// CLIFlags is the parsed value of the persistent flags.
type CLIFlags struct {
	ConfigPath string
	AppID      string
	DataDir    string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries what PersistentPreRunE resolved to every subcommand.
// Cfg is nil for commands in skipConfigCommands.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. Every
// subcommand runs after it, so a missing value is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("usersync: command run without CLIContext")
	}

	return cc
}

// skipConfigCommands lists commands that work on the config file itself and
// must run before it holds a valid app id.
var skipConfigCommands = map[string]bool{
	"usersync config init": true,
	"usersync pause":       true,
	"usersync resume":      true,
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "usersync",
		Short:   "Offline-first user and subscription sync client",
		Long:    "Queue user, property and subscription changes locally and sync them to the user service.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc := &CLIContext{Flags: currentFlags()}

			if !skipConfigCommands[cmd.CommandPath()] {
				resolved, err := loadConfig(cmd)
				if err != nil {
					return err
				}

				cc.Cfg = resolved
			}

			cc.Logger = buildLogger(cc.Cfg, os.Stderr)
			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagAppID, "app-id", "", "application id (overrides app_id)")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for the store and token cache")
	cmd.PersistentFlags().StringVar(&flagStore, "store", "", "store backend: bolt, sqlite or memory")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newFlushCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newJWTCmd())
	cmd.AddCommand(newAliasCmd())
	cmd.AddCommand(newTagCmd())
	cmd.AddCommand(newPropertyCmd())
	cmd.AddCommand(newEmailCmd())
	cmd.AddCommand(newSMSCmd())
	cmd.AddCommand(newPushCmd())
	cmd.AddCommand(newTrackCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newPauseCmd())
	cmd.AddCommand(newResumeCmd())

	return cmd
}

func currentFlags() CLIFlags {
	return CLIFlags{
		ConfigPath: flagConfigPath,
		AppID:      flagAppID,
		DataDir:    flagDataDir,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Quiet:      flagQuiet,
	}
}

// loadConfig resolves the effective configuration from the four-layer
// override chain.
func loadConfig(cmd *cobra.Command) (*config.Resolved, error) {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		AppID:      flagAppID,
		DataDir:    flagDataDir,
	}

	// Only pass --store to the resolver if the user explicitly set it.
	if cmd.Flags().Changed("store") {
		cli.Backend = &flagStore
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return resolved, nil
}

// configPath returns the config file the command should touch without
// resolving the rest of the chain: --config, then USERSYNC_CONFIG, then the
// platform default.
func configPath(flags CLIFlags) string {
	if flags.ConfigPath != "" {
		return flags.ConfigPath
	}

	if env := config.ReadEnvOverrides(); env.ConfigPath != "" {
		return env.ConfigPath
	}

	return config.DefaultConfigPath()
}

// dataDir mirrors configPath for the data directory.
func dataDir(flags CLIFlags) string {
	if flags.DataDir != "" {
		return flags.DataDir
	}

	if env := config.ReadEnvOverrides(); env.DataDir != "" {
		return env.DataDir
	}

	return config.DefaultDataDir()
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger(cfg *config.Resolved, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		format = cfg.Logging.LogFormat
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSONLogs(format, isTerminal(w)) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// useJSONLogs picks the handler: "auto" means text for a person at a
// terminal and JSON for a log collector.
func useJSONLogs(format string, tty bool) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	default:
		return !tty
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
