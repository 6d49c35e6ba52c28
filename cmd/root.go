// Package cmd defines the CLI commands for the tradestat-ingest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tradestat-ingest/internal/config"
	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// needsPipeline marks commands that scrape and therefore need the browser pool.
const needsPipeline = "pipeline"

// App is the application surface the commands use. Tests inject a fake.
type App interface {
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Config() *config.Config
	Store() ingest.WorkItemStore
	Runs() ingest.RunStore
	RunOnce(ctx context.Context) (ingest.Summary, error)
	Run(ctx context.Context) error
}

// newApp is the application factory. Store-only commands never start a browser.
var newApp = func(ctx context.Context, cfg *config.Config, pipeline bool) (App, error) {
	if pipeline {
		return server.Build(ctx, cfg)
	}
	return server.BuildStore(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "tradestat-ingest",
		Short: "Scrapes commodity trade statistics into a resumable work queue.",
		Long: `tradestat-ingest drives a pool of headless browsers through the export and
import pages of the trade statistics portal, one 8-digit commodity code at a
time, and stores raw, processed and normalized artifacts for each.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			_, pipeline := cmd.Annotations[needsPipeline]
			appInstance, err := newApp(cmd.Context(), &cfg, pipeline)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); TRADESTAT_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newRunOnceCmd(),
		newSeedCmd(),
		newStatusCmd(),
		newResetCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp runs fn with the application and closes it afterwards, also when fn
// fails.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app App) error) (err error) {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, appInstance.Close(context.WithoutCancel(cmd.Context())))
	}()
	return fn(cmd.Context(), appInstance)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
