package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"herald/cmd/internal/app"

	"github.com/spf13/cobra"
)

var envFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "herald",
		Short:         "Presence and typing-indicator server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if envFile != "" {
				return os.Setenv(app.EnvPrefix+"_ENV_FILE", envFile)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before reading HERALD_* variables")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the websocket gateway, REST API and idle sweeper",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					return a.Run(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Run one idle sweep pass and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					res, err := a.Sweep(ctx)
					fmt.Fprintf(cmd.OutOrStdout(), "away=%d offline=%d\n", len(res.Away), len(res.Offline))
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the presence (and membership) schema for the configured backend",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					return a.Migrate(ctx)
				})
			},
		},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads config, builds the App and always closes it.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	return fn(ctx, a)
}
