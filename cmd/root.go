// Package cmd implements the harvester command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/app"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/coordinator"
	"github.com/JakeFAU/harvester/internal/lease"
	"github.com/JakeFAU/harvester/internal/ledger"
	"github.com/JakeFAU/harvester/internal/logging"
	"github.com/JakeFAU/harvester/internal/predicate"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what commands need from the service container. Tests can swap the
// factory for one returning a stub.
type App interface {
	Close() error
	Logger() *zap.Logger
	Config() config.Config
	Ledger() *ledger.Store
	Queue(name string) (*ledger.Store, error)
	QueueNames() []string
	Predicate(name string) (predicate.Predicate, error)
	Coordinator(ctx context.Context) (*coordinator.Coordinator, error)
	Secondary(ctx context.Context, name string) (*coordinator.Secondary, error)
	Locker() (lease.Locker, error)
	Server() (*http.Server, error)
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// root owns the App for one invocation so it can be closed whether or not
// the command succeeded.
type root struct {
	cfgFile string
	app     App
}

func (r *root) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Incrementally harvest page content into a durable ledger.",
		Long: `harvester walks a ledger of known URLs in small batches. Each batch is
sent to a bulk fetch capability, the results are stored, and the batch is
checkpointed so the next run picks up where this one stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), r.cfgFile)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			r.app = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&r.cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newMigrateCmd(),
		newImportCmd(),
		newBatchCmd(),
		newPipelineCmd(),
		newStatsCmd(),
		newCheckCmd(),
		newJobsCmd(),
		newServeCmd(),
	)
	return cmd
}

func (r *root) close() {
	if r.app == nil {
		return
	}
	logger := r.app.Logger()
	if err := r.app.Close(); err != nil {
		logger.Warn("close failed", zap.Error(err))
	}
	_ = logger.Sync()
	r.app = nil
}

func execute(ctx context.Context, args []string, out, errOut io.Writer) error {
	r := &root{}
	cmd := r.command()
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	defer r.close()
	return cmd.ExecuteContext(ctx)
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		zap.L().Error("command failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	a, ok := ctx.Value(appKey).(App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}
