package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"duewatch/internal/app"
	"duewatch/internal/config"
	"duewatch/pkg/systemd"
	logx "duewatch/pkg/logx"
)

var (
	cfgPath  string
	jsonMode bool
)

var rootCmd = &cobra.Command{
	Use:           "duewatch",
	Short:         "duewatch computes compliance deadlines and dispatches reminders",
	Long:          "duewatch computes the next due date of tenant obligations and sends scheduled reminders over email and WhatsApp.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func registerCommands() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	rootCmd.PersistentFlags().BoolVar(&jsonMode, "json", false, "print JSON instead of tables")
	rootCmd.AddCommand(
		serveCmd(),
		runOnceCmd(),
		sweepCmd(),
		dueCmd(),
		occasionsCmd(),
		validateCmd(),
		versionCmd(),
	)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, ops API and config watcher until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, cfgPath)
			if err != nil {
				return err
			}
			log := a.Logger()
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			systemd.Ready(log)
			go systemd.Watchdog(ctx, log, func() bool { return a.Err() == nil })

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}
			systemd.Stopping(log)
			stopErr := a.Stop(context.Background(), reason)
			if err := a.Err(); err != nil {
				return err
			}
			return stopErr
		},
	}
}

func runOnceCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run a single dispatch pass and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := parseAt(at)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, eng *app.Engine) error {
				sum, err := eng.Dispatcher.RunOnce(ctx, now)
				if jsonMode {
					if perr := printJSON(sum); perr != nil {
						return perr
					}
				} else {
					renderSummary(sum)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate as of this RFC3339 instant (default now)")
	return cmd
}

func sweepCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Downgrade lapsed plans and deactivate obligations above the free limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := parseAt(at)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, eng *app.Engine) error {
				res, err := eng.Reconciler.Sweep(ctx, now)
				if jsonMode {
					if perr := printJSON(res); perr != nil {
						return perr
					}
				} else {
					renderSweep(res)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate as of this RFC3339 instant (default now)")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := app.NewCalculator(cfg); err != nil {
				return err
			}
			if _, err := app.NewPlanner(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfgPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), app.Version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	return config.NewManager(cfgPath).Load()
}

// withEngine builds the engine without the scheduler or ops API, runs fn
// and closes everything.
func withEngine(parent context.Context, fn func(ctx context.Context, eng *app.Engine) error) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logs, log, err := app.NewLogging(cfg)
	if err != nil {
		return err
	}
	defer logs.Close()

	eng, err := app.BuildEngine(ctx, cfg, nil, log.With(logx.String("comp", "cli")))
	if err != nil {
		return err
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Close(c); err != nil {
			log.Warn("close engine", logx.Err(err))
		}
	}()
	return fn(ctx, eng)
}

func parseAt(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at: %w", err)
	}
	return t, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
