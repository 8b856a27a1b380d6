package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/conflict"
	"github.com/tiendapos/possync/internal/offline/connectivity"
	"github.com/tiendapos/possync/internal/offline/events"
	"github.com/tiendapos/possync/internal/offline/metrics"
	"github.com/tiendapos/possync/internal/offline/queue"
	"github.com/tiendapos/possync/internal/offline/remote"
	"github.com/tiendapos/possync/internal/offline/store"
	offsync "github.com/tiendapos/possync/internal/offline/sync"
)

// terminal is the engine stack built from the loaded config.
type terminal struct {
	store    *store.Store
	queues   *queue.Set
	adapter  *remote.HTTPAdapter
	notifier *events.Notifier
	metrics  *metrics.Recorder
	monitor  *connectivity.Monitor
	engine   *offsync.Engine

	closeOnce sync.Once
}

func openTerminal() (*terminal, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := queue.EnsureSchema(context.Background(), st); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	httpCfg := cfg.HTTPConfig()
	httpCfg.Logger = logger
	adapter, err := remote.NewHTTPAdapter(httpCfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	clock := offline.SystemClock{}
	t := &terminal{
		store:    st,
		queues:   queue.NewSet(st, cfg.QueueConfig(), clock, logger),
		adapter:  adapter,
		notifier: events.NewNotifier(clock, logger),
	}
	t.metrics = metrics.NewRecorder(st, t.queues, cfg.MetricsConfig(), clock, logger)
	t.monitor = connectivity.New(adapter, t.notifier, cfg.MonitorConfig(), logger)
	t.engine = offsync.New(offsync.Deps{
		Store:    st,
		Queues:   t.queues,
		Adapter:  adapter,
		Resolver: conflict.NewResolver(st, clock, logger),
		Notifier: t.notifier,
		Metrics:  t.metrics,
		Monitor:  t.monitor,
		Clock:    clock,
		Logger:   logger,
	}, cfg.EngineConfig())
	return t, nil
}

func mustOpenTerminal() *terminal {
	t, err := openTerminal()
	if err != nil {
		fatalf("failed to open terminal store: %v", err)
	}
	return t
}

// Close releases the stack. Later calls are no-ops.
func (t *terminal) Close() {
	t.closeOnce.Do(func() {
		t.monitor.Stop()
		t.adapter.Close()
		if err := t.store.Close(); err != nil {
			logger.WithError(err).Warn("failed to close store")
		}
	})
}
