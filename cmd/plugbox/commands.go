package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/plugbox/internal/app"
	"github.com/dshills/plugbox/internal/config"
	"github.com/dshills/plugbox/internal/plugin"
	"github.com/dshills/plugbox/internal/plugin/worker"
)

type globalFlags struct {
	configFile string
	logLevel   string
}

// NewRootCommand creates the plugbox command tree.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "plugbox",
		Short:         "Sandboxed Lua plugin host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", defaultConfigFile(), "config file path")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level")

	cmd.AddCommand(
		newRunCommand(flags),
		newValidateCommand(flags),
		newInstallCommand(flags),
		newUninstallCommand(flags),
		newListCommand(flags),
		newExecCommand(flags),
		newWorkerCommand(),
		newVersionCommand(),
	)
	return cmd
}

func defaultConfigFile() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "plugbox", "plugbox.toml")
	}
	return "plugbox.toml"
}

func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// open builds a host that manages records without discovering or enabling
// anything on its own.
func (f *globalFlags) open(cmd *cobra.Command) (*app.Application, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	cfg.Plugins.AutoEnable = false
	cfg.Plugins.Watch = false
	cfg.Restart.Enabled = false

	host, err := app.New(app.Options{Config: cfg, LogOutput: cmd.ErrOrStderr()})
	if err != nil {
		return nil, err
	}
	if err := host.Manager().Restore(cmd.Context()); err != nil {
		host.Logger().Warn("some plugins were not restored", "error", err)
	}
	return host, nil
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the plugin host until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			host, err := app.New(app.Options{Config: cfg, LogOutput: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return host.Run(ctx)
		},
	}
}

func newValidateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate a plugin manifest without loading its code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			v, err := plugin.NewValidator(cfg.Engine.Version)
			if err != nil {
				return err
			}
			m, err := v.LoadManifestFromDir(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s is valid\n", m)
			fmt.Fprintf(out, "  entry point:  %s\n", m.EntryPoint)
			fmt.Fprintf(out, "  engine range: %s\n", m.EngineVersionRange)
			fmt.Fprintf(out, "  requests:     %s\n", m.Requested())
			return nil
		},
	}
}

func newInstallCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install <dir>...",
		Short: "Install plugins into the record store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer host.Shutdown()

			for _, dir := range args {
				rec, err := host.Manager().Install(cmd.Context(), dir)
				if err != nil {
					return fmt.Errorf("failed to install %s: %w", dir, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Plugin %s installed from %s\n", rec.ID, rec.InstallPath)
			}
			return nil
		},
	}
}

func newUninstallCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>...",
		Short: "Remove plugins from the record store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer host.Shutdown()

			for _, id := range args {
				if err := host.Manager().Uninstall(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Plugin %s uninstalled\n", id)
			}
			return nil
		},
	}
}

func newListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer host.Shutdown()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tSTATE\tPATH")
			for _, rec := range host.Manager().List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.ID, rec.Manifest.Version, rec.State, rec.InstallPath)
			}
			return w.Flush()
		},
	}
}

func newExecCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <dir> <method> [args...]",
		Short: "Load a plugin, call one exported function and print the result",
		Long: `Load a plugin, call one exported function and print the result.

Each argument is decoded as JSON when it parses, otherwise it is passed as a
string. Nothing is written to the record store.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			cfg.Store.Driver = config.StoreMemory
			cfg.Plugins.Paths = nil
			cfg.Plugins.Watch = false
			cfg.Plugins.AutoEnable = false
			cfg.Restart.Enabled = false

			host, err := app.New(app.Options{Config: cfg, LogOutput: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer host.Shutdown()

			ctx := cmd.Context()
			rec, err := host.Manager().Install(ctx, args[0])
			if err != nil {
				return err
			}
			if err := host.Manager().Enable(ctx, rec.ID); err != nil {
				return err
			}

			raw, err := host.Manager().Execute(ctx, rec.ID, args[1], execArgs(args[2:])...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(raw)))
			return nil
		},
	}
}

func execArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			out[i] = v
		} else {
			out[i] = s
		}
	}
	return out
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve one sandbox worker (started by the host)",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			worker.Serve(worker.ServeConfig{})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "plugbox %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}
