package metrics

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/queue"
	"github.com/tiendapos/possync/internal/offline/store"
	"github.com/tiendapos/possync/internal/testutil"
)

type fixture struct {
	st     *store.Store
	queues *queue.Set
	clock  *testutil.FakeClock
	rec    *Recorder
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Init(queue.Schema()))

	clock := testutil.NewFakeClock(testutil.Epoch)
	queues := queue.NewSet(st, queue.DefaultConfig(), clock, logging.Discard())
	return &fixture{
		st:     st,
		queues: queues,
		clock:  clock,
		rec:    NewRecorder(st, queues, cfg, clock, logging.Discard()),
	}
}

func session(id string, ok bool) offline.SyncSession {
	return offline.SyncSession{
		ID:         id,
		StartedAt:  testutil.Epoch,
		DurationMs: 250,
		Success:    ok,
		PerEntityResult: map[offline.EntityType]offline.SyncResult{
			offline.EntitySales: {Total: 1, Succeeded: 1},
		},
	}
}

func gather(t *testing.T, r *Recorder, name string) *dto.MetricFamily {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestHistoryRingBuffer(t *testing.T) {
	f := setup(t, Config{HistorySize: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.rec.RecordSession(ctx, session(fmt.Sprintf("s%d", i), i%2 == 0)))
	}

	h, err := f.rec.History(ctx)
	require.NoError(t, err)
	require.Len(t, h, 3)
	assert.Equal(t, "s2", h[0].ID)
	assert.Equal(t, "s4", h[2].ID)

	last, err := f.rec.LastSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s4", last.ID)

	rate, err := f.rec.SuccessRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, rate, 1e-9)
}

func TestHistoryPersistsAcrossRecorders(t *testing.T) {
	f := setup(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, f.rec.RecordSession(ctx, session("first", true)))

	again := NewRecorder(f.st, f.queues, DefaultConfig(), f.clock, logging.Discard())
	h, err := again.History(ctx)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "first", h[0].ID)
	assert.Equal(t, 1, h[0].Totals().Succeeded)
}

func TestSuccessRateEmpty(t *testing.T) {
	f := setup(t, DefaultConfig())
	rate, err := f.rec.SuccessRate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rate)

	last, err := f.rec.LastSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestHealthCheckHealthy(t *testing.T) {
	f := setup(t, Config{QuotaBytes: 1 << 40})
	h := f.rec.HealthCheck(context.Background())

	assert.True(t, h.StoreAvailable)
	assert.Empty(t, h.MissingStores)
	assert.Empty(t, h.Issues)
	assert.True(t, h.Healthy())
	assert.Equal(t, testutil.Epoch, h.CheckedAt)
}

func TestHealthCheckMissingCollection(t *testing.T) {
	f := setup(t, Config{QuotaBytes: 1 << 40})
	ctx := context.Background()
	missing := offline.EntityStockChanges.QueueCollection()
	require.NoError(t, f.st.DropCollection(ctx, missing))

	h := f.rec.HealthCheck(ctx)
	assert.False(t, h.StoreAvailable)
	assert.Equal(t, []string{missing}, h.MissingStores)
	assert.Contains(t, h.Issues, "critical collection missing: cambios_stock_pendientes")
}

func TestHealthCheckStorageWarning(t *testing.T) {
	f := setup(t, Config{QuotaBytes: 1024, StorageWarnPercent: 80})
	h := f.rec.HealthCheck(context.Background())

	assert.Greater(t, h.StorageUsagePercent, 80.0)
	found := false
	for _, issue := range h.Issues {
		if strings.HasPrefix(issue, "storage") {
			found = true
		}
	}
	assert.True(t, found, "issues: %v", h.Issues)
}

func TestHealthCheckCountsBacklog(t *testing.T) {
	f := setup(t, Config{QuotaBytes: 1 << 40})
	ctx := context.Background()

	sales := f.queues.For(offline.EntitySales)
	for i := 0; i < 3; i++ {
		_, err := sales.Register(ctx, queue.Registration{
			Op:        offline.OpCreate,
			RecordKey: fmt.Sprintf("v%d", i),
			Record:    []byte(fmt.Sprintf(`{"id":"v%d"}`, i)),
		})
		require.NoError(t, err)
	}
	pending, err := sales.GetPending(ctx)
	require.NoError(t, err)
	require.NoError(t, sales.MarkInFlight(ctx, pending[0].ID))
	require.NoError(t, sales.MarkDead(ctx, pending[0].ID, fmt.Errorf("rejected")))

	h := f.rec.HealthCheck(ctx)
	assert.Equal(t, 2, h.PendingCount)
	assert.Equal(t, 1, h.DeadCount)
	assert.Contains(t, h.Issues, "1 dead mutations need manual resolution")

	fam := gather(t, f.rec, "possync_pending_mutations")
	require.NotNil(t, fam)
	for _, m := range fam.GetMetric() {
		if m.GetLabel()[0].GetValue() == string(offline.EntitySales) {
			assert.Equal(t, 2.0, m.GetGauge().GetValue())
		}
	}
}

func TestStatus(t *testing.T) {
	f := setup(t, Config{QuotaBytes: 1 << 40})
	ctx := context.Background()
	require.NoError(t, f.rec.RecordSession(ctx, session("s1", true)))

	s := f.rec.Status(ctx, Flags{Online: true, Syncing: false})
	assert.True(t, s.IsOnline)
	assert.False(t, s.IsSyncing)
	assert.False(t, s.ReadOnly)
	assert.Len(t, s.PendingCounts, len(offline.SyncOrder))
	require.NotNil(t, s.LastSync)
	assert.Equal(t, "s1", s.LastSync.ID)
	assert.Equal(t, 1.0, s.SuccessRate)
	assert.True(t, s.Health.StoreAvailable)
}

func TestSessionAndOutcomeCollectors(t *testing.T) {
	f := setup(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, f.rec.RecordSession(ctx, session("ok", true)))
	require.NoError(t, f.rec.RecordSession(ctx, session("bad", false)))
	f.rec.ObserveOutcome(offline.EntitySales, OutcomeSynced)
	f.rec.ObserveOutcome(offline.EntitySales, OutcomeSynced)

	sessions := gather(t, f.rec, "possync_sessions_total")
	require.NotNil(t, sessions)
	assert.Len(t, sessions.GetMetric(), 2)

	outcomes := gather(t, f.rec, "possync_mutation_outcomes_total")
	require.NotNil(t, outcomes)
	require.Len(t, outcomes.GetMetric(), 1)
	assert.Equal(t, 2.0, outcomes.GetMetric()[0].GetCounter().GetValue())

	hist := gather(t, f.rec, "possync_pass_duration_seconds")
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetMetric()[0].GetHistogram().GetSampleCount())
}
