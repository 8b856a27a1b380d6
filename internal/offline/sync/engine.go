package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/conflict"
	"github.com/tiendapos/possync/internal/offline/connectivity"
	"github.com/tiendapos/possync/internal/offline/events"
	"github.com/tiendapos/possync/internal/offline/metrics"
	"github.com/tiendapos/possync/internal/offline/queue"
	"github.com/tiendapos/possync/internal/offline/remote"
	"github.com/tiendapos/possync/internal/offline/store"
)

// ErrSkipped is returned by Run when the server could not be reached.
var ErrSkipped = errors.New("sync skipped")

// Config holds engine settings.
type Config struct {
	// Concurrency bounds the groups of one entity type pushed at once.
	// Default: 4
	Concurrency int

	// Retention is how long synced mutations are kept. Default: 7 days
	Retention time.Duration

	// MasterDataTTL is the lifetime of the cached master-data blob.
	// Default: 24h
	MasterDataTTL time.Duration

	// PullLimit is the page size of master-data pulls. Zero uses the
	// adapter's default.
	PullLimit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:   4,
		Retention:     7 * 24 * time.Hour,
		MasterDataTTL: 24 * time.Hour,
	}
}

// Deps are the collaborators of an Engine. Store, Queues and Adapter are
// required.
type Deps struct {
	Store    *store.Store
	Queues   *queue.Set
	Adapter  remote.Adapter
	Resolver *conflict.Resolver
	Notifier *events.Notifier
	Metrics  *metrics.Recorder
	// Monitor, when set, answers IsOnline for Status.
	Monitor *connectivity.Monitor
	Clock   offline.Clock
	Logger  *logrus.Logger
}

// Engine runs sync passes.
type Engine struct {
	store    *store.Store
	queues   *queue.Set
	adapter  remote.Adapter
	resolver *conflict.Resolver
	notifier *events.Notifier
	metrics  *metrics.Recorder
	monitor  *connectivity.Monitor
	clock    offline.Clock
	logger   *logrus.Logger
	log      *logrus.Entry
	cfg      Config

	syncing  atomic.Bool
	readOnly atomic.Bool
	online   atomic.Bool
	passes   atomic.Int64

	trigger chan struct{}
}

// New creates an engine. Missing optional collaborators are filled with
// working defaults.
func New(deps Deps, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MasterDataTTL <= 0 {
		cfg.MasterDataTTL = def.MasterDataTTL
	}

	clock := deps.Clock
	if clock == nil {
		clock = offline.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Engine{
		store:    deps.Store,
		queues:   deps.Queues,
		adapter:  deps.Adapter,
		resolver: deps.Resolver,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		monitor:  deps.Monitor,
		clock:    clock,
		logger:   logger,
		log:      logging.Component(logger, "sync"),
		cfg:      cfg,
		trigger:  make(chan struct{}, 1),
	}
	if e.resolver == nil {
		e.resolver = conflict.NewResolver(deps.Store, clock, logger)
	}
	if e.notifier == nil {
		e.notifier = events.NewNotifier(clock, logger)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewRecorder(deps.Store, deps.Queues, metrics.DefaultConfig(), clock, logger)
	}
	return e
}

// Notifier returns the event notifier passes publish on.
func (e *Engine) Notifier() *events.Notifier { return e.notifier }

// Metrics returns the metrics recorder.
func (e *Engine) Metrics() *metrics.Recorder { return e.metrics }

// Queues returns the mutation queues.
func (e *Engine) Queues() *queue.Set { return e.queues }

// IsSyncing reports whether a pass is in progress.
func (e *Engine) IsSyncing() bool { return e.syncing.Load() }

// ReadOnly reports whether the last storage check failed.
func (e *Engine) ReadOnly() bool { return e.readOnly.Load() }

// Passes returns how many passes have started since the engine was
// created.
func (e *Engine) Passes() int64 { return e.passes.Load() }

// Trigger delivers a value whenever a new mutation was recorded. Runners
// use it to sync soon after a change instead of waiting for the timer.
func (e *Engine) Trigger() <-chan struct{} { return e.trigger }

func (e *Engine) nudge() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run executes one sync pass. It returns (nil, nil) when a pass is already
// in progress. The pass ignores cancellation of ctx once started.
func (e *Engine) Run(ctx context.Context) (*offline.SyncSession, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		e.log.Info("sync already in progress, ignoring request")
		return nil, nil
	}
	defer e.syncing.Store(false)

	ctx = context.WithoutCancel(ctx)
	e.passes.Add(1)
	p := e.newPass()
	entry := e.log.WithField("session_id", p.session.ID)

	if err := e.checkStorage(ctx); err != nil {
		e.readOnly.Store(true)
		entry.WithError(err).Error("storage check failed, entering read-only mode")
		return p.abort(ctx, err)
	}
	e.readOnly.Store(false)

	if err := e.adapter.Ping(ctx); err != nil {
		e.online.Store(false)
		entry.WithError(err).Info("server unreachable, skipping sync")
		e.notifier.Publish(events.SyncSkipped, events.SyncSkippedData{Reason: err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrSkipped, err)
	}
	e.online.Store(true)

	pending, err := e.queues.PendingCounts(ctx)
	if err != nil {
		return p.abort(ctx, offline.Storage("count pending", err))
	}
	total := 0
	for _, n := range pending {
		total += n
	}
	entry.WithField("pending", total).Info("sync started")
	e.notifier.Publish(events.SyncStart, events.SyncStartData{SessionID: p.session.ID, Pending: total})

	for _, rec := range e.queues.All() {
		if _, err := rec.RecoverStale(ctx); err != nil {
			entry.WithError(err).WithField("entity", string(rec.Entity())).Warn("failed to recover stale mutations")
		}
	}

	for _, entity := range offline.SyncOrder {
		p.runEntity(ctx, entity)
		if p.aborted.Load() {
			return p.abort(ctx, p.authErr)
		}
	}

	refreshErr := e.refreshMasterData(ctx, p)
	if p.aborted.Load() {
		return p.abort(ctx, p.authErr)
	}
	if refreshErr != nil {
		entry.WithError(refreshErr).Warn("master data refresh incomplete")
	}

	e.cleanup(ctx)
	return p.complete(ctx, refreshErr)
}

// checkStorage verifies every collection a pass touches. A store that was
// never initialized gets its schema created once.
func (e *Engine) checkStorage(ctx context.Context) error {
	if err := queue.EnsureSchema(ctx, e.store); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	var missing []string
	for _, name := range offline.RequiredCollections() {
		err := e.store.CheckCollection(ctx, name)
		if err == nil {
			continue
		}
		if store.IsAbsent(err) || store.IsNotInitialized(err) {
			missing = append(missing, name)
			continue
		}
		return err
	}
	if len(missing) > 0 {
		return offline.Storage("storage check", fmt.Errorf("critical collection missing: %v", missing))
	}
	return nil
}

func (e *Engine) cleanup(ctx context.Context) {
	cutoff := e.clock.Now().Add(-e.cfg.Retention)
	for _, rec := range e.queues.All() {
		n, err := rec.Cleanup(ctx, cutoff)
		if err != nil {
			e.log.WithError(err).WithField("entity", string(rec.Entity())).Warn("failed to clean up synced mutations")
			continue
		}
		if n > 0 {
			e.log.WithFields(logrus.Fields{"entity": string(rec.Entity()), "count": n}).Debug("pruned synced mutations")
		}
	}
}

// Status returns the read model of the sync subsystem.
func (e *Engine) Status(ctx context.Context) metrics.Status {
	online := e.online.Load()
	if e.monitor != nil {
		online = e.monitor.IsOnline()
	}
	return e.metrics.Status(ctx, metrics.Flags{
		Online:   online,
		Syncing:  e.IsSyncing(),
		ReadOnly: e.ReadOnly(),
	})
}

func (e *Engine) newPass() *pass {
	return &pass{
		e: e,
		session: offline.SyncSession{
			ID:              uuid.NewString(),
			StartedAt:       e.clock.Now(),
			PerEntityResult: make(map[offline.EntityType]offline.SyncResult, len(offline.SyncOrder)),
		},
		log: e.log,
	}
}
