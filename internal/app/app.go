// Package app builds and holds the long-lived services of a harvester
// process. Commands get everything they need from an App; nothing is a
// package-level singleton.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/api"
	"github.com/JakeFAU/harvester/internal/archive"
	"github.com/JakeFAU/harvester/internal/clock/system"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/coordinator"
	"github.com/JakeFAU/harvester/internal/fetch"
	collyfetcher "github.com/JakeFAU/harvester/internal/fetcher/colly"
	"github.com/JakeFAU/harvester/internal/fetcher/remote"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/hash/sha256"
	"github.com/JakeFAU/harvester/internal/id/uuid"
	"github.com/JakeFAU/harvester/internal/lease"
	"github.com/JakeFAU/harvester/internal/ledger"
	"github.com/JakeFAU/harvester/internal/ledger/postgres"
	"github.com/JakeFAU/harvester/internal/ledger/sqlite"
	"github.com/JakeFAU/harvester/internal/predicate"
	"github.com/JakeFAU/harvester/internal/processor"
	pubsubpublisher "github.com/JakeFAU/harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/harvester/internal/storage/gcs"
	"github.com/JakeFAU/harvester/internal/storage/local"
	"github.com/JakeFAU/harvester/internal/storage/memory"
)

// App holds the ledger connection and builds the components around it.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    harvest.Clock
	hasher   harvest.Hasher
	ids      harvest.IDGenerator
	db       ledger.DB
	primary  *ledger.Store
	registry *predicate.Registry
	closers  []func() error
}

// Option customizes an App.
type Option func(*App)

// WithClock replaces the system clock.
func WithClock(c harvest.Clock) Option {
	return func(a *App) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithDB uses an already-open ledger database instead of dialing one from
// config. The App takes ownership and closes it.
func WithDB(db ledger.DB) Option {
	return func(a *App) {
		a.db = db
	}
}

// New opens the ledger and makes sure the primary queue's tables exist.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    system.New(),
		hasher:   sha256.New(),
		ids:      uuid.New(),
		registry: registry,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.db == nil {
		db, err := openDB(ctx, cfg.Ledger)
		if err != nil {
			return nil, err
		}
		a.db = db
	}
	a.closers = append(a.closers, a.db.Close)

	primary, err := ledger.New(a.db, dialectFor(cfg.Ledger.Driver), ledger.PrimaryQueue(), a.clock, logger.Named("ledger"))
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := primary.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	a.primary = primary
	logger.Debug("ledger ready", zap.String("driver", cfg.Ledger.Driver), zap.String("location", a.db.Location()))
	return a, nil
}

func openDB(ctx context.Context, cfg config.LedgerConfig) (ledger.DB, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.Open(ctx, postgres.Config{
			DSN:      cfg.DSN,
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		return db, nil
	case "sqlite", "":
		db, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

func dialectFor(driver string) ledger.Dialect {
	if driver == "postgres" {
		return postgres.Dialect{}
	}
	return sqlite.Dialect{}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Ledger returns the primary queue store.
func (a *App) Ledger() *ledger.Store {
	return a.primary
}

// Predicate resolves a configured predicate by name.
func (a *App) Predicate(name string) (predicate.Predicate, error) {
	return a.registry.Get(name)
}

// Predicates returns the predicate registry.
func (a *App) Predicates() *predicate.Registry {
	return a.registry
}

// Queue returns the store for a configured secondary queue.
func (a *App) Queue(name string) (*ledger.Store, error) {
	if _, ok := a.cfg.Queues[name]; !ok {
		return nil, fmt.Errorf("%w: %s is not configured", harvest.ErrUnknownQueue, name)
	}
	q, err := ledger.SecondaryQueue(name)
	if err != nil {
		return nil, err
	}
	return a.primary.WithQueue(q)
}

// QueueNames lists the configured secondary queues.
func (a *App) QueueNames() []string {
	names := make([]string, 0, len(a.cfg.Queues))
	for name := range a.cfg.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Coordinator builds a coordinator for the primary queue.
func (a *App) Coordinator(ctx context.Context) (*coordinator.Coordinator, error) {
	deps, err := a.deps(ctx)
	if err != nil {
		return nil, err
	}
	deps.Ledger = a.primary
	return coordinator.New(deps, coordinator.Config{
		Queue:       ledger.PrimaryName,
		BatchSize:   a.cfg.Pipeline.BatchSize,
		Checkpoint:  a.cfg.CheckpointPolicy(),
		ExpectedMax: a.cfg.Pipeline.ExpectedMax,
	}, a.logger.Named("coordinator"))
}

// Secondary builds the pipeline for a configured secondary queue.
func (a *App) Secondary(ctx context.Context, name string) (*coordinator.Secondary, error) {
	store, err := a.Queue(name)
	if err != nil {
		return nil, err
	}
	qcfg := a.cfg.Queues[name]
	seed, err := a.registry.Get(qcfg.Predicate)
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", name, err)
	}
	deps, err := a.deps(ctx)
	if err != nil {
		return nil, err
	}
	batch := qcfg.BatchSize
	if batch <= 0 {
		batch = a.cfg.Pipeline.BatchSize
	}
	return coordinator.NewSecondary(store, seed, deps, coordinator.Config{
		Queue:      name,
		BatchSize:  batch,
		Checkpoint: a.cfg.CheckpointPolicy(),
	}, a.logger.Named("coordinator"))
}

func (a *App) deps(ctx context.Context) (coordinator.Deps, error) {
	fetcher, err := a.fetcher()
	if err != nil {
		return coordinator.Deps{}, err
	}
	deps := coordinator.Deps{
		Fetcher:  fetcher,
		Clock:    a.clock,
		IDs:      a.ids,
		Location: a.db.Location(),
	}
	archiver, err := a.archiver(ctx)
	if err != nil {
		return coordinator.Deps{}, err
	}
	if archiver != nil {
		deps.Archiver = archiver
	}
	proc, err := a.processor(ctx)
	if err != nil {
		return coordinator.Deps{}, err
	}
	if proc != nil {
		deps.Processor = proc
	}
	return deps, nil
}

func (a *App) fetcher() (*fetch.Client, error) {
	capability, err := a.capability()
	if err != nil {
		return nil, err
	}
	initial, maxDelay := a.cfg.Backoff()
	return fetch.New(capability, fetch.Config{
		MaxAttempts:    a.cfg.Fetch.MaxAttempts,
		BackoffInitial: initial,
		BackoffMax:     maxDelay,
		Jitter:         a.cfg.Fetch.Jitter,
		ExtractHTML:    a.cfg.Fetch.ExtractHTML,
		WaitHint:       a.cfg.WaitHint(),
	}, a.clock, a.logger.Named("fetch"))
}

func (a *App) capability() (harvest.Capability, error) {
	switch a.cfg.Fetch.Capability {
	case "colly":
		return collyfetcher.New(collyfetcher.Config{
			UserAgent: a.cfg.Fetch.UserAgent,
			Timeout:   a.cfg.FetchTimeout(),
		}, a.clock, a.hasher, a.ids, a.logger.Named("colly"))
	case "remote", "":
		return remote.New(remote.Config{
			Endpoint:  a.cfg.Fetch.Endpoint,
			APIKey:    a.cfg.Fetch.APIKey,
			Timeout:   a.cfg.FetchTimeout(),
			UserAgent: a.cfg.Fetch.UserAgent,
		}, nil, a.logger.Named("remote"))
	default:
		return nil, fmt.Errorf("unknown fetch capability %q", a.cfg.Fetch.Capability)
	}
}

func (a *App) archiver(ctx context.Context) (*archive.Archiver, error) {
	var store harvest.BlobStore
	switch a.cfg.Archive.Provider {
	case "none", "":
		return nil, nil
	case "memory":
		store = memory.NewBlobStore()
	case "local":
		s, err := local.New(local.Config{BaseDir: a.cfg.Archive.Path})
		if err != nil {
			return nil, fmt.Errorf("init archive: %w", err)
		}
		store = s
	case "gcs":
		s, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init archive: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		store = s
	default:
		return nil, fmt.Errorf("unknown archive provider %q", a.cfg.Archive.Provider)
	}
	return archive.New(store, a.hasher, archive.Config{
		Prefix:     a.cfg.Archive.Prefix,
		KeepInline: a.cfg.Archive.KeepInline,
	}, a.logger.Named("archive"))
}

func (a *App) processor(ctx context.Context) (harvest.Processor, error) {
	switch a.cfg.Processor.Kind {
	case "noop", "":
		return nil, nil
	case "exec":
		return processor.NewExec(processor.ExecConfig{
			Command: a.cfg.Processor.Command,
			Args:    a.cfg.Processor.Args,
			Dir:     a.cfg.Processor.Dir,
			Timeout: a.cfg.ProcessorTimeout(),
			EnvVar:  a.cfg.Processor.EnvVar,
			Markers: a.cfg.Processor.Markers,
		}, a.clock, a.logger.Named("processor"))
	case "pubsub":
		pub, err := pubsubpublisher.New(ctx, pubsubpublisher.Config{
			ProjectID: a.cfg.PubSub.ProjectID,
			Topic:     a.cfg.PubSub.TopicName,
		})
		if err != nil {
			return nil, fmt.Errorf("init processor: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		return processor.NewPublish(pub, a.cfg.PubSub.TopicName, a.clock, a.logger.Named("processor"))
	default:
		return nil, fmt.Errorf("unknown processor kind %q", a.cfg.Processor.Kind)
	}
}

// Locker returns the configured single-writer lease provider.
func (a *App) Locker() (lease.Locker, error) {
	if a.cfg.Lease.Provider != "redis" {
		return lease.Noop{}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Lease.Addr,
		Password: a.cfg.Lease.Password,
		DB:       a.cfg.Lease.DB,
	})
	a.closers = append(a.closers, client.Close)
	return lease.NewRedis(client, a.cfg.LeaseTTL(), a.ids)
}

// Server builds the status API over the primary and configured queues.
func (a *App) Server() (*http.Server, error) {
	queues := make(map[string]api.QueueReader, len(a.cfg.Queues))
	for _, name := range a.QueueNames() {
		store, err := a.Queue(name)
		if err != nil {
			return nil, err
		}
		queues[name] = store
	}
	srv := api.NewServer(api.Deps{
		Primary:    a.primary,
		Queues:     queues,
		Predicates: a.registry,
		DB:         a.db,
	}, api.Config{
		APIKey:  a.cfg.Server.APIKey,
		Timeout: time.Duration(a.cfg.Server.TimeoutSeconds) * time.Second,
	}, a.logger.Named("api"))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

// Close releases everything the App opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
		return err
	}
	return nil
}
