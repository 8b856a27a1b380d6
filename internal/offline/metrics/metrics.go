// Package metrics keeps the sync session history, runs health checks and
// exposes Prometheus collectors for the sync engine.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/queue"
	"github.com/tiendapos/possync/internal/offline/store"
)

// HistoryKey is the sync_metadata key holding the session ring buffer.
const HistoryKey = "sync_history"

// Config holds recorder settings.
type Config struct {
	// HistorySize is the number of sessions retained. Default: 100
	HistorySize int

	// StorageWarnPercent raises a health issue above this usage. Default: 80
	StorageWarnPercent float64

	// QuotaBytes is the storage budget. Zero means free disk space.
	QuotaBytes int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HistorySize:        100,
		StorageWarnPercent: 80,
	}
}

// Outcome labels for the mutation outcome counter.
const (
	OutcomeSynced   = "synced"
	OutcomeFailed   = "failed"
	OutcomeDead     = "dead"
	OutcomeConflict = "conflict"
	OutcomeDeferred = "deferred"
)

// Recorder persists session history and computes health.
type Recorder struct {
	st     *store.Store
	queues *queue.Set
	cfg    Config
	clock  offline.Clock
	log    *logrus.Entry

	mu      sync.Mutex
	history []offline.SyncSession
	loaded  bool

	reg           *prometheus.Registry
	sessionsTotal *prometheus.CounterVec
	passDuration  prometheus.Histogram
	pending       *prometheus.GaugeVec
	dead          prometheus.Gauge
	outcomes      *prometheus.CounterVec
	storageUsage  prometheus.Gauge
}

type historyDoc struct {
	Sessions []offline.SyncSession `json:"sessions"`
}

// NewRecorder creates a recorder with its own Prometheus registry.
func NewRecorder(st *store.Store, queues *queue.Set, cfg Config, clock offline.Clock, logger *logrus.Logger) *Recorder {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.StorageWarnPercent <= 0 {
		cfg.StorageWarnPercent = def.StorageWarnPercent
	}
	if clock == nil {
		clock = offline.SystemClock{}
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		st:     st,
		queues: queues,
		cfg:    cfg,
		clock:  clock,
		log:    logging.Component(logger, "metrics"),
		reg:    reg,
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "possync_sessions_total",
			Help: "Sync passes by result",
		}, []string{"result"}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "possync_pass_duration_seconds",
			Help:    "Duration of sync passes",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		pending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "possync_pending_mutations",
			Help: "Mutations not yet confirmed by the server",
		}, []string{"entity"}),
		dead: factory.NewGauge(prometheus.GaugeOpts{
			Name: "possync_dead_mutations",
			Help: "Mutations that need manual resolution",
		}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "possync_mutation_outcomes_total",
			Help: "Mutation push outcomes by entity",
		}, []string{"entity", "outcome"}),
		storageUsage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "possync_storage_usage_percent",
			Help: "Estimated local storage usage",
		}),
	}
}

// Registry returns the registry holding the recorder's collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// ObserveOutcome counts one mutation outcome.
func (r *Recorder) ObserveOutcome(entity offline.EntityType, outcome string) {
	r.outcomes.WithLabelValues(string(entity), outcome).Inc()
}

// RecordSession appends s to the ring buffer and persists it.
func (r *Recorder) RecordSession(ctx context.Context, s offline.SyncSession) error {
	result := "success"
	if !s.Success {
		result = "failure"
	}
	r.sessionsTotal.WithLabelValues(result).Inc()
	r.passDuration.Observe(float64(s.DurationMs) / 1000)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(ctx); err != nil {
		r.log.WithError(err).Warn("session history unreadable, starting fresh")
		r.history = nil
		r.loaded = true
	}

	r.history = append(r.history, s)
	if n := len(r.history) - r.cfg.HistorySize; n > 0 {
		r.history = append([]offline.SyncSession(nil), r.history[n:]...)
	}

	if err := r.st.Put(ctx, offline.MetadataCollection, HistoryKey, historyDoc{Sessions: r.history}); err != nil {
		return fmt.Errorf("failed to persist sync history: %w", err)
	}
	return nil
}

// loadLocked reads the persisted history once. Callers hold r.mu.
func (r *Recorder) loadLocked(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	var doc historyDoc
	err := r.st.Get(ctx, offline.MetadataCollection, HistoryKey, &doc)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to load sync history: %w", err)
	default:
		r.history = doc.Sessions
	}
	r.loaded = true
	return nil
}

// History returns the retained sessions, oldest first.
func (r *Recorder) History(ctx context.Context) ([]offline.SyncSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(ctx); err != nil {
		return nil, err
	}
	return append([]offline.SyncSession(nil), r.history...), nil
}

// LastSession returns the most recent session, or nil when none ran.
func (r *Recorder) LastSession(ctx context.Context) (*offline.SyncSession, error) {
	h, err := r.History(ctx)
	if err != nil || len(h) == 0 {
		return nil, err
	}
	last := h[len(h)-1]
	return &last, nil
}

// SuccessRate is the fraction of retained sessions that succeeded. It is
// zero when no session has been recorded.
func (r *Recorder) SuccessRate(ctx context.Context) (float64, error) {
	h, err := r.History(ctx)
	if err != nil || len(h) == 0 {
		return 0, err
	}
	ok := 0
	for _, s := range h {
		if s.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(h)), nil
}

// HealthReport is the result of a health check.
type HealthReport struct {
	StoreAvailable      bool      `json:"storeAvailable" yaml:"storeAvailable"`
	MissingStores       []string  `json:"missingStores" yaml:"missingStores"`
	StorageUsagePercent float64   `json:"storageUsagePercent" yaml:"storageUsagePercent"`
	PendingCount        int       `json:"pendingCount" yaml:"pendingCount"`
	DeadCount           int       `json:"deadCount" yaml:"deadCount"`
	Issues              []string  `json:"issues" yaml:"issues"`
	CheckedAt           time.Time `json:"checkedAt" yaml:"checkedAt"`
}

// Healthy reports whether the check found no issues.
func (h HealthReport) Healthy() bool {
	return len(h.Issues) == 0
}

// HealthCheck verifies the required collections, estimates storage usage
// and counts the backlog. Problems become issues rather than errors.
func (r *Recorder) HealthCheck(ctx context.Context) HealthReport {
	h := HealthReport{
		MissingStores: []string{},
		Issues:        []string{},
		CheckedAt:     r.clock.Now(),
	}

	for _, name := range offline.RequiredCollections() {
		err := r.st.CheckCollection(ctx, name)
		switch {
		case err == nil:
		case store.IsNotInitialized(err):
			h.MissingStores = append(h.MissingStores, name)
		case store.IsAbsent(err):
			h.MissingStores = append(h.MissingStores, name)
			h.Issues = append(h.Issues, "critical collection missing: "+name)
		default:
			h.Issues = append(h.Issues, fmt.Sprintf("failed to inspect %s: %v", name, err))
		}
	}
	if !r.st.Initialized() {
		h.Issues = append(h.Issues, "local store not initialized")
	}
	h.StoreAvailable = len(h.MissingStores) == 0 && r.st.Initialized()

	if diag, err := r.st.Diagnostics(ctx, r.cfg.QuotaBytes); err != nil {
		h.Issues = append(h.Issues, fmt.Sprintf("storage usage unavailable: %v", err))
	} else {
		h.StorageUsagePercent = diag.UsagePercent
		r.storageUsage.Set(diag.UsagePercent)
		if diag.UsagePercent > r.cfg.StorageWarnPercent {
			h.Issues = append(h.Issues, fmt.Sprintf("storage %.0f%% full", diag.UsagePercent))
		}
	}

	if h.StoreAvailable {
		counts, err := r.RefreshPending(ctx)
		if err != nil {
			h.Issues = append(h.Issues, fmt.Sprintf("pending count unavailable: %v", err))
		}
		for _, n := range counts {
			h.PendingCount += n
		}
		if dead, err := r.queues.DeadCount(ctx); err == nil {
			h.DeadCount = dead
			r.dead.Set(float64(dead))
			if dead > 0 {
				h.Issues = append(h.Issues, fmt.Sprintf("%d dead mutations need manual resolution", dead))
			}
		}
	}
	return h
}

// RefreshPending counts the backlog per entity and updates the gauges.
func (r *Recorder) RefreshPending(ctx context.Context) (map[offline.EntityType]int, error) {
	counts, err := r.queues.PendingCounts(ctx)
	if err != nil {
		return nil, err
	}
	for entity, n := range counts {
		r.pending.WithLabelValues(string(entity)).Set(float64(n))
	}
	return counts, nil
}

// Flags carries the engine state that the store cannot know.
type Flags struct {
	Online   bool
	Syncing  bool
	ReadOnly bool
}

// Status is the read model polled by the rest of the system.
type Status struct {
	IsOnline      bool                       `json:"isOnline" yaml:"isOnline"`
	IsSyncing     bool                       `json:"isSyncing" yaml:"isSyncing"`
	ReadOnly      bool                       `json:"readOnly" yaml:"readOnly"`
	PendingCounts map[offline.EntityType]int `json:"pendingCounts" yaml:"pendingCounts"`
	Health        HealthReport               `json:"health" yaml:"health"`
	LastSync      *offline.SyncSession       `json:"lastSync,omitempty" yaml:"lastSync,omitempty"`
	SuccessRate   float64                    `json:"successRate" yaml:"successRate"`
}

// Status aggregates health, backlog and history into one read model.
func (r *Recorder) Status(ctx context.Context, flags Flags) Status {
	s := Status{
		IsOnline:      flags.Online,
		IsSyncing:     flags.Syncing,
		ReadOnly:      flags.ReadOnly,
		PendingCounts: map[offline.EntityType]int{},
		Health:        r.HealthCheck(ctx),
	}
	if s.Health.StoreAvailable {
		if counts, err := r.RefreshPending(ctx); err == nil {
			s.PendingCounts = counts
		}
	}
	if last, err := r.LastSession(ctx); err == nil {
		s.LastSync = last
	} else {
		r.log.WithError(err).Debug("last session unavailable")
	}
	if rate, err := r.SuccessRate(ctx); err == nil {
		s.SuccessRate = rate
	}
	return s
}
