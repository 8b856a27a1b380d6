package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/conflict"
	"github.com/tiendapos/possync/internal/offline/events"
	"github.com/tiendapos/possync/internal/offline/metrics"
	"github.com/tiendapos/possync/internal/offline/model"
	"github.com/tiendapos/possync/internal/offline/queue"
	"github.com/tiendapos/possync/internal/offline/remote"
	"github.com/tiendapos/possync/internal/offline/remote/remotetest"
	"github.com/tiendapos/possync/internal/offline/store"
	"github.com/tiendapos/possync/internal/testutil"
)

type eventLog struct {
	mu     gosync.Mutex
	events []events.Event
}

func (l *eventLog) handle(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t events.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) last(t events.Type) (events.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == t {
			return l.events[i], true
		}
	}
	return events.Event{}, false
}

type harness struct {
	st       *store.Store
	queues   *queue.Set
	server   *remotetest.Server
	clock    *testutil.FakeClock
	resolver *conflict.Resolver
	metrics  *metrics.Recorder
	notifier *events.Notifier
	engine   *Engine
	events   *eventLog
}

// setupEngine wires an engine to an in-memory server over a fresh store.
func setupEngine(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pos.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(queue.Schema()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}

	clock := testutil.NewFakeClock(testutil.Epoch)
	logger := logging.Discard()
	qcfg := queue.DefaultConfig()
	qcfg.MaxRetries = 3
	queues := queue.NewSet(st, qcfg, clock, logger)
	notifier := events.NewNotifier(clock, logger)
	log := &eventLog{}
	notifier.Subscribe(log.handle)

	resolver := conflict.NewResolver(st, clock, logger)
	rec := metrics.NewRecorder(st, queues, metrics.Config{QuotaBytes: 1 << 40}, clock, logger)
	server := remotetest.NewServer(clock)

	engine := New(Deps{
		Store:    st,
		Queues:   queues,
		Adapter:  server,
		Resolver: resolver,
		Notifier: notifier,
		Metrics:  rec,
		Clock:    clock,
		Logger:   logger,
	}, cfg)

	return &harness{
		st:       st,
		queues:   queues,
		server:   server,
		clock:    clock,
		resolver: resolver,
		metrics:  rec,
		notifier: notifier,
		engine:   engine,
		events:   log,
	}
}

func saleJSON(id, sessionID string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"id": %q,
		"sessionId": %q,
		"items": [{"productId": "P1", "quantity": "2", "unitPrice": "5", "discount": "0"}],
		"total": "10",
		"paymentMethod": "cash",
		"createdAt": "2025-03-01T09:00:00Z"
	}`, id, sessionID))
}

func sessionJSON(id string, modified time.Time, status string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"id": %q,
		"cashierId": "u-1",
		"terminalId": "t-1",
		"openedAt": "2025-03-01T08:00:00Z",
		"openingFloat": "100",
		"status": %q,
		"lastModified": %q
	}`, id, status, modified.Format(time.RFC3339Nano)))
}

func priceChangeJSON(id, productID, oldPrice, newPrice string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"id": %q,
		"productId": %q,
		"oldPrice": %q,
		"newPrice": %q,
		"createdAt": "2025-03-01T09:00:00Z"
	}`, id, productID, oldPrice, newPrice))
}

func (h *harness) record(t *testing.T, entity offline.EntityType, op offline.Op, doc json.RawMessage) string {
	t.Helper()
	id, err := h.engine.RecordMutation(context.Background(), entity, op, doc, nil)
	if err != nil {
		t.Fatalf("RecordMutation(%s) failed: %v", entity, err)
	}
	h.clock.Advance(time.Second)
	return id
}

func (h *harness) mutation(t *testing.T, entity offline.EntityType, id string) *queue.PendingMutation {
	t.Helper()
	m, err := h.queues.For(entity).Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	return m
}

func (h *harness) meta(t *testing.T, entity offline.EntityType, key string) model.SyncMeta {
	t.Helper()
	raw, err := h.st.GetRaw(context.Background(), entity.Collection(), key)
	if err != nil {
		t.Fatalf("failed to read %s %s: %v", entity, key, err)
	}
	meta, err := model.MetaOf(raw)
	if err != nil {
		t.Fatalf("failed to parse meta: %v", err)
	}
	return meta
}

func TestRunSyncsOfflineSales(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()

	h.server.SetReachable(false)
	var ids []string
	for i := 1; i <= 3; i++ {
		ids = append(ids, h.record(t, offline.EntitySales, offline.OpCreate, saleJSON(fmt.Sprintf("v%d", i), "ses-1")))
	}

	session, err := h.engine.Run(ctx)
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("Run while offline: expected ErrSkipped, got %v", err)
	}
	if session != nil {
		t.Errorf("expected no session for a skipped pass, got %+v", session)
	}
	if got := h.events.count(events.SyncSkipped); got != 1 {
		t.Errorf("expected 1 sync_skipped, got %d", got)
	}
	for _, id := range ids {
		if m := h.mutation(t, offline.EntitySales, id); m.Status != queue.StatusPending || m.RetryCount != 0 {
			t.Errorf("skipped pass touched %s: status=%s retries=%d", id, m.Status, m.RetryCount)
		}
	}

	h.server.SetReachable(true)
	session, err = h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !session.Success {
		t.Errorf("expected successful session, got error %q", session.Error)
	}

	for i, id := range ids {
		m := h.mutation(t, offline.EntitySales, id)
		if m.Status != queue.StatusSynced {
			t.Errorf("mutation %s: expected synced, got %s", id, m.Status)
		}
		if m.ServerID == "" {
			t.Errorf("mutation %s has no server id", id)
		}
		meta := h.meta(t, offline.EntitySales, fmt.Sprintf("v%d", i+1))
		if !meta.Synced || meta.ServerID != m.ServerID {
			t.Errorf("record v%d: synced=%v serverId=%q, want true/%q", i+1, meta.Synced, meta.ServerID, m.ServerID)
		}
	}

	ev, ok := h.events.last(events.SyncComplete)
	if !ok {
		t.Fatal("expected sync_complete")
	}
	data := ev.Data.(events.SyncCompleteData)
	if data.Succeeded != 3 {
		t.Errorf("sync_complete.succeeded = %d, want 3", data.Succeeded)
	}
	if got := h.server.Count(offline.EntitySales); got != 3 {
		t.Errorf("server holds %d sales, want 3", got)
	}
}

func TestRunAppliesPriceChangesInOrder(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	if err := h.server.Seed(offline.EntityProducts, "P1", json.RawMessage(`{"name":"Cafe","price":"10"}`)); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	h.record(t, offline.EntityPriceChanges, offline.OpCreate, priceChangeJSON("pc1", "P1", "10", "12"))
	h.record(t, offline.EntityPriceChanges, offline.OpCreate, priceChangeJSON("pc2", "P1", "12", "15"))

	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	price, ok := h.server.ProductPrice("P1")
	if !ok {
		t.Fatal("product P1 missing on server")
	}
	if !price.Equal(mustDecimal(t, "15")) {
		t.Errorf("server price = %s, want 15", price)
	}
}

func TestSameGroupAppliedOldestFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Concurrency = 8
	h := setupEngine(t, cfg)
	ctx := context.Background()

	// The later change arrives in the queue first.
	h.clock.Set(testutil.Epoch.Add(time.Hour))
	later := h.record(t, offline.EntityPriceChanges, offline.OpCreate, priceChangeJSON("pc-late", "P9", "12", "15"))
	h.clock.Set(testutil.Epoch)
	earlier := h.record(t, offline.EntityPriceChanges, offline.OpCreate, priceChangeJSON("pc-early", "P9", "10", "12"))
	h.clock.Set(testutil.Epoch.Add(2 * time.Hour))

	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var order []string
	for _, p := range h.server.Pushes() {
		if p.Entity == offline.EntityPriceChanges {
			order = append(order, p.MutationID)
		}
	}
	if len(order) != 2 || order[0] != earlier || order[1] != later {
		t.Fatalf("push order = %v, want [%s %s]", order, earlier, later)
	}
	if price, _ := h.server.ProductPrice("P9"); !price.Equal(mustDecimal(t, "15")) {
		t.Errorf("server price = %s, want 15", price)
	}
}

func TestRunAbortsOnMissingCollection(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	id := h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v1", "ses-1"))

	if err := h.st.DropCollection(ctx, "cambios_stock_pendientes"); err != nil {
		t.Fatalf("DropCollection failed: %v", err)
	}

	health := h.metrics.HealthCheck(ctx)
	found := false
	for _, issue := range health.Issues {
		if issue == "critical collection missing: cambios_stock_pendientes" {
			found = true
		}
	}
	if !found {
		t.Errorf("health issues %v lack the missing collection", health.Issues)
	}

	_, err := h.engine.Run(ctx)
	if !errors.Is(err, offline.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if !h.engine.ReadOnly() {
		t.Error("expected read-only mode after storage failure")
	}
	if m := h.mutation(t, offline.EntitySales, id); m.Status != queue.StatusPending {
		t.Errorf("mutation status = %s, want pending", m.Status)
	}
	if got := h.server.Received(); got != 0 {
		t.Errorf("server received %d pushes, want 0", got)
	}
	if got := h.events.count(events.SyncError); got != 1 {
		t.Errorf("expected 1 sync_error, got %d", got)
	}
	if got := h.events.count(events.SyncStart); got != 0 {
		t.Errorf("expected no sync_start, got %d", got)
	}
}

func TestAuthErrorAbortsPass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Concurrency = 1
	h := setupEngine(t, cfg)
	ctx := context.Background()

	var ids []string
	for i := 1; i <= 5; i++ {
		ids = append(ids, h.record(t, offline.EntitySales, offline.OpCreate, saleJSON(fmt.Sprintf("v%d", i), "ses-1")))
	}
	h.server.FailPush(2, offline.Auth("push", errors.New("token expired")))

	session, err := h.engine.Run(ctx)
	if !errors.Is(err, offline.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if session == nil || session.Success {
		t.Fatalf("expected a failed session, got %+v", session)
	}

	if m := h.mutation(t, offline.EntitySales, ids[0]); m.Status != queue.StatusSynced {
		t.Errorf("mutation 1: expected synced, got %s", m.Status)
	}
	for i, id := range ids[1:] {
		m := h.mutation(t, offline.EntitySales, id)
		if m.Status != queue.StatusPending || m.RetryCount != 0 {
			t.Errorf("mutation %d: status=%s retries=%d, want pending/0", i+2, m.Status, m.RetryCount)
		}
	}
	if got := h.server.Received(); got != 2 {
		t.Errorf("server received %d pushes, want 2", got)
	}
	if got := h.events.count(events.AuthRequired); got != 1 {
		t.Errorf("expected exactly 1 auth_required, got %d", got)
	}
	if got := h.events.count(events.SyncError); got != 1 {
		t.Errorf("expected 1 sync_error, got %d", got)
	}
	if got := h.events.count(events.SyncComplete); got != 0 {
		t.Errorf("expected no sync_complete, got %d", got)
	}
}

func TestAuthErrorWithConcurrentGroupsFiresOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Concurrency = 4
	h := setupEngine(t, cfg)

	for i := 1; i <= 8; i++ {
		h.record(t, offline.EntitySales, offline.OpCreate, saleJSON(fmt.Sprintf("v%d", i), "ses-1"))
	}
	h.server.OnPush(func(int, remote.PushRequest) error {
		return offline.Auth("push", errors.New("token revoked"))
	})

	if _, err := h.engine.Run(context.Background()); !errors.Is(err, offline.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if got := h.events.count(events.AuthRequired); got != 1 {
		t.Errorf("expected exactly 1 auth_required, got %d", got)
	}
	counts, err := h.queues.For(offline.EntitySales).Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[queue.StatusPending] != 8 {
		t.Errorf("expected 8 pending mutations, got %v", counts)
	}
}

func TestAuthErrorReleasesConcurrentPushes(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	authMut := h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v1", "ses-1"))
	slowMut := h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v2", "ses-1"))

	slowStarted := make(chan struct{})
	authPublished := make(chan struct{})
	var once gosync.Once
	h.notifier.Subscribe(func(e events.Event) {
		if e.Type == events.AuthRequired {
			once.Do(func() { close(authPublished) })
		}
	})
	h.server.OnPush(func(_ int, req remote.PushRequest) error {
		switch req.RecordKey {
		case "v1":
			<-slowStarted
			return offline.Auth("push", errors.New("token expired"))
		case "v2":
			close(slowStarted)
			select {
			case <-authPublished:
			case <-time.After(3 * time.Second):
			}
			return offline.Transient("push", errors.New("502 bad gateway"))
		}
		return nil
	})

	if _, err := h.engine.Run(ctx); !errors.Is(err, offline.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	for _, id := range []string{authMut, slowMut} {
		m := h.mutation(t, offline.EntitySales, id)
		if m.Status != queue.StatusPending || m.RetryCount != 0 || m.NextAttemptAt != nil {
			t.Errorf("mutation %s: status=%s retries=%d next=%v, want pending/0/nil", id, m.Status, m.RetryCount, m.NextAttemptAt)
		}
	}
	if got := h.events.count(events.AuthRequired); got != 1 {
		t.Errorf("expected exactly 1 auth_required, got %d", got)
	}
}

func TestRunIsSingleFlight(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v1", "ses-1"))

	var (
		nested    *offline.SyncSession
		nestedErr error
		syncing   bool
	)
	h.server.OnPush(func(n int, _ remote.PushRequest) error {
		if n == 1 {
			syncing = h.engine.IsSyncing()
			nested, nestedErr = h.engine.Run(ctx)
		}
		return nil
	})

	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !syncing {
		t.Error("IsSyncing should be true during a pass")
	}
	if nested != nil || nestedErr != nil {
		t.Errorf("nested Run = (%v, %v), want (nil, nil)", nested, nestedErr)
	}
	if got := h.engine.Passes(); got != 1 {
		t.Errorf("Passes() = %d, want 1", got)
	}
	history, err := h.metrics.History(ctx)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("recorded %d sessions, want 1", len(history))
	}
	if h.engine.IsSyncing() {
		t.Error("IsSyncing should be false after the pass")
	}
}

func TestTransientFailureBacksOff(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	id := h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v1", "ses-1"))
	h.server.FailPush(1, offline.Transient("push", errors.New("502 bad gateway")))

	session, err := h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if session.Success {
		t.Error("session with a failed mutation should not be successful")
	}
	m := h.mutation(t, offline.EntitySales, id)
	if m.Status != queue.StatusPending || m.RetryCount != 1 || m.NextAttemptAt == nil {
		t.Fatalf("after transient failure: status=%s retries=%d next=%v", m.Status, m.RetryCount, m.NextAttemptAt)
	}

	// Backoff window still open.
	session, err = h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := session.PerEntityResult[offline.EntitySales].Deferred; got != 1 {
		t.Errorf("deferred = %d, want 1", got)
	}
	if got := h.server.Received(); got != 1 {
		t.Errorf("server received %d pushes, want 1", got)
	}

	h.clock.Advance(time.Hour)
	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if m := h.mutation(t, offline.EntitySales, id); m.Status != queue.StatusSynced {
		t.Errorf("expected synced after backoff, got %s", m.Status)
	}
}

func TestPermanentFailureDoesNotBlockSiblings(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	bad := h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v1", "ses-1"))
	good := h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v2", "ses-1"))
	h.server.OnPush(func(_ int, req remote.PushRequest) error {
		if req.RecordKey == "v1" {
			return offline.Permanent("push", errors.New("422 total mismatch"))
		}
		return nil
	})

	session, err := h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if m := h.mutation(t, offline.EntitySales, bad); m.Status != queue.StatusDead {
		t.Errorf("rejected mutation: expected dead, got %s", m.Status)
	}
	if m := h.mutation(t, offline.EntitySales, good); m.Status != queue.StatusSynced {
		t.Errorf("sibling mutation: expected synced, got %s", m.Status)
	}
	res := session.PerEntityResult[offline.EntitySales]
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Errorf("sales result = %+v, want 1 succeeded 1 failed", res)
	}
}

func TestFailedMutationStopsItsGroup(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	first := h.record(t, offline.EntityPriceChanges, offline.OpCreate, priceChangeJSON("pc1", "P1", "10", "12"))
	second := h.record(t, offline.EntityPriceChanges, offline.OpCreate, priceChangeJSON("pc2", "P1", "12", "15"))
	h.server.FailPush(1, offline.Transient("push", errors.New("timeout")))

	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if m := h.mutation(t, offline.EntityPriceChanges, first); m.Status != queue.StatusPending || m.RetryCount != 1 {
		t.Errorf("first: status=%s retries=%d", m.Status, m.RetryCount)
	}
	if m := h.mutation(t, offline.EntityPriceChanges, second); m.Status != queue.StatusPending || m.RetryCount != 0 {
		t.Errorf("second must wait for the first: status=%s retries=%d", m.Status, m.RetryCount)
	}
	if got := h.server.Received(); got != 1 {
		t.Errorf("server received %d pushes, want 1", got)
	}
}

func TestSaleWaitsForItsSession(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	sessionMut := h.record(t, offline.EntitySessions, offline.OpCreate, sessionJSON("ses-1", testutil.Epoch, "open"))
	saleMut := h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v1", "ses-1"))
	h.server.FailPush(1, offline.Transient("push", errors.New("connection reset")))

	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if m := h.mutation(t, offline.EntitySessions, sessionMut); m.Status != queue.StatusPending {
		t.Fatalf("session: expected pending, got %s", m.Status)
	}
	if m := h.mutation(t, offline.EntitySales, saleMut); m.Status != queue.StatusPending || m.RetryCount != 0 {
		t.Fatalf("sale should be deferred untouched: status=%s retries=%d", m.Status, m.RetryCount)
	}

	h.clock.Advance(time.Hour)
	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	sessionServerID := h.server.ServerIDFor(offline.EntitySessions, "ses-1")
	saleServerID := h.server.ServerIDFor(offline.EntitySales, "v1")
	if sessionServerID == "" || saleServerID == "" {
		t.Fatalf("expected both records on the server, got session=%q sale=%q", sessionServerID, saleServerID)
	}
	raw, _ := h.server.Record(offline.EntitySales, saleServerID)
	doc, err := model.ParseDoc(raw)
	if err != nil {
		t.Fatalf("ParseDoc failed: %v", err)
	}
	if got := doc.String("sessionServerId"); got != sessionServerID {
		t.Errorf("sale sessionServerId = %q, want %q", got, sessionServerID)
	}
}

func TestUpdateAfterCreateUsesServerID(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	h.record(t, offline.EntitySessions, offline.OpCreate, sessionJSON("ses-1", testutil.Epoch, "open"))
	h.record(t, offline.EntitySessions, offline.OpUpdate, sessionJSON("ses-1", testutil.Epoch.Add(time.Hour), "closed"))

	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	serverID := h.server.ServerIDFor(offline.EntitySessions, "ses-1")
	raw, ok := h.server.Record(offline.EntitySessions, serverID)
	if !ok {
		t.Fatalf("session %q missing on server", serverID)
	}
	doc, _ := model.ParseDoc(raw)
	if got := doc.String("status"); got != "closed" {
		t.Errorf("server session status = %q, want closed", got)
	}
	meta := h.meta(t, offline.EntitySessions, "ses-1")
	if !meta.Synced || meta.ServerID != serverID {
		t.Errorf("local meta = %+v", meta)
	}
}

func TestDeadCreateFailsDependents(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	createMut := h.record(t, offline.EntitySessions, offline.OpCreate, sessionJSON("ses-1", testutil.Epoch, "open"))
	updateMut := h.record(t, offline.EntitySessions, offline.OpUpdate, sessionJSON("ses-1", testutil.Epoch.Add(time.Hour), "closed"))
	saleMut := h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v1", "ses-1"))
	h.server.OnPush(func(_ int, req remote.PushRequest) error {
		if req.Entity == offline.EntitySessions && req.Op == offline.OpCreate {
			return offline.Permanent("push", errors.New("422 cashier unknown"))
		}
		return nil
	})

	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if m := h.mutation(t, offline.EntitySessions, createMut); m.Status != queue.StatusDead {
		t.Fatalf("create: expected dead, got %s", m.Status)
	}
	if m := h.mutation(t, offline.EntitySales, saleMut); m.Status != queue.StatusDead || !strings.Contains(m.LastError, "dependency dead") {
		t.Errorf("sale: status=%s lastError=%q, want dead on its dead session", m.Status, m.LastError)
	}

	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	m := h.mutation(t, offline.EntitySessions, updateMut)
	if m.Status != queue.StatusDead || !strings.Contains(m.LastError, "dependency dead") {
		t.Errorf("update: status=%s lastError=%q, want dead on its dead create", m.Status, m.LastError)
	}
	if got := h.server.Received(); got != 1 {
		t.Errorf("server received %d pushes, want only the failed create", got)
	}
}

func TestSaleConflictRemoteWins(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	id := h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v1", "ses-1"))
	h.server.ConflictOn(offline.EntitySales, "v1", json.RawMessage(`{"id":"srv-sale-77","total":"8","paymentMethod":"card"}`))

	session, err := h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := session.PerEntityResult[offline.EntitySales]; got.Conflicts != 1 || got.Succeeded != 1 {
		t.Errorf("sales result = %+v", got)
	}
	m := h.mutation(t, offline.EntitySales, id)
	if m.Status != queue.StatusSynced || m.ServerID != "srv-sale-77" {
		t.Errorf("mutation: status=%s serverId=%s", m.Status, m.ServerID)
	}

	raw, err := h.st.GetRaw(ctx, offline.EntitySales.Collection(), "v1")
	if err != nil {
		t.Fatalf("GetRaw failed: %v", err)
	}
	doc, _ := model.ParseDoc(raw)
	if got := doc.String("paymentMethod"); got != "card" {
		t.Errorf("local paymentMethod = %q, want the server's card", got)
	}

	log, err := h.resolver.Log(ctx, offline.EntitySales)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if len(log) != 1 || log[0].Winner != conflict.Remote {
		t.Errorf("conflict log = %+v", log)
	}
}

func TestSessionConflictLocalWinsRequeues(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	id := h.record(t, offline.EntitySessions, offline.OpCreate, sessionJSON("ses-1", testutil.Epoch.Add(time.Hour), "closed"))

	older := sessionJSON("ses-1", testutil.Epoch, "open")
	h.server.OnPush(func(n int, req remote.PushRequest) error {
		if n == 1 {
			return offline.Conflict("push", older, errors.New("stale"))
		}
		return nil
	})

	session, err := h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := session.PerEntityResult[offline.EntitySessions].Conflicts; got != 1 {
		t.Errorf("conflicts = %d, want 1", got)
	}
	m := h.mutation(t, offline.EntitySessions, id)
	if m.Status != queue.StatusPending || m.RetryCount != 1 {
		t.Fatalf("requeued mutation: status=%s retries=%d", m.Status, m.RetryCount)
	}
	meta := h.meta(t, offline.EntitySessions, "ses-1")
	if !meta.ConflictResolved || meta.Synced {
		t.Errorf("local meta after conflict = %+v", meta)
	}

	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if m := h.mutation(t, offline.EntitySessions, id); m.Status != queue.StatusSynced {
		t.Errorf("expected synced on the next pass, got %s", m.Status)
	}
}

func TestSessionConflictRemoteWinsMarksResolved(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	id := h.record(t, offline.EntitySessions, offline.OpCreate, sessionJSON("ses-1", testutil.Epoch, "open"))

	newer := json.RawMessage(fmt.Sprintf(`{
		"id": "srv-ses-9",
		"cashierId": "u-1",
		"terminalId": "t-1",
		"openedAt": "2025-03-01T08:00:00Z",
		"openingFloat": "100",
		"status": "closed",
		"lastModified": %q
	}`, testutil.Epoch.Add(time.Hour).Format(time.RFC3339Nano)))
	h.server.ConflictOn(offline.EntitySessions, "ses-1", newer)

	session, err := h.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := session.PerEntityResult[offline.EntitySessions]; got.Conflicts != 1 || got.Succeeded != 1 {
		t.Errorf("sessions result = %+v", got)
	}
	m := h.mutation(t, offline.EntitySessions, id)
	if m.Status != queue.StatusSynced || m.ServerID != "srv-ses-9" {
		t.Fatalf("mutation: status=%s serverId=%s", m.Status, m.ServerID)
	}

	meta := h.meta(t, offline.EntitySessions, "ses-1")
	if !meta.Synced || !meta.ConflictResolved || meta.ServerID != "srv-ses-9" {
		t.Errorf("local meta = %+v, want synced and conflictResolved", meta)
	}
	raw, err := h.st.GetRaw(ctx, offline.EntitySessions.Collection(), "ses-1")
	if err != nil {
		t.Fatalf("GetRaw failed: %v", err)
	}
	doc, _ := model.ParseDoc(raw)
	if got := doc.String("status"); got != "closed" {
		t.Errorf("local status = %q, want the server's closed", got)
	}
	if got := doc.String("id"); got != "ses-1" {
		t.Errorf("local id = %q, want ses-1", got)
	}
}

func TestMasterDataRefresh(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MasterDataTTL = time.Hour
	h := setupEngine(t, cfg)
	ctx := context.Background()

	if err := h.server.Seed(offline.EntityProducts, "P1", json.RawMessage(`{"name":"Cafe molido","price":"10","stock":"50"}`)); err != nil {
		t.Fatal(err)
	}
	if err := h.server.Seed(offline.EntityProducts, "P2", json.RawMessage(`{"name":"Azucar","price":"3","stock":"20"}`)); err != nil {
		t.Fatal(err)
	}
	if err := h.server.Seed(offline.EntityCategories, "C1", json.RawMessage(`{"name":"Abarrotes"}`)); err != nil {
		t.Fatal(err)
	}

	// The terminal already knows P1 with its own price and stock.
	local := json.RawMessage(`{"id":"P1","name":"Cafe","price":"12","stock":"7","syncMeta":{"synced":true,"localId":"P1","serverId":"P1"}}`)
	if err := h.st.Put(ctx, offline.EntityProducts.Collection(), "P1", local); err != nil {
		t.Fatal(err)
	}

	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var p1 model.Product
	if err := h.st.Get(ctx, offline.EntityProducts.Collection(), "P1", &p1); err != nil {
		t.Fatalf("Get P1 failed: %v", err)
	}
	if p1.Name != "Cafe molido" {
		t.Errorf("name = %q, want the server's", p1.Name)
	}
	if !p1.Price.Equal(mustDecimal(t, "12")) || !p1.Stock.Equal(mustDecimal(t, "7")) {
		t.Errorf("local price/stock overwritten: price=%s stock=%s", p1.Price, p1.Stock)
	}

	var p2 model.Product
	if err := h.st.Get(ctx, offline.EntityProducts.Collection(), "P2", &p2); err != nil {
		t.Fatalf("Get P2 failed: %v", err)
	}
	if !p2.SyncMeta.Synced || p2.SyncMeta.ServerID != "P2" {
		t.Errorf("P2 meta = %+v", p2.SyncMeta)
	}

	md, err := h.engine.CachedMasterData(ctx)
	if err != nil {
		t.Fatalf("CachedMasterData failed: %v", err)
	}
	if len(md.Products) != 2 || len(md.Categories) != 1 || len(md.Users) != 0 {
		t.Errorf("cache sizes: products=%d categories=%d users=%d", len(md.Products), len(md.Categories), len(md.Users))
	}
	since, err := h.engine.LastSync(ctx, offline.EntityProducts)
	if err != nil || since.IsZero() {
		t.Errorf("LastSync = %v, %v", since, err)
	}

	h.clock.Advance(2 * time.Hour)
	if _, err := h.engine.CachedMasterData(ctx); !errors.Is(err, ErrMasterDataExpired) {
		t.Errorf("expected ErrMasterDataExpired, got %v", err)
	}
}

func TestCachedMasterDataMissing(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	if _, err := h.engine.CachedMasterData(context.Background()); !errors.Is(err, ErrNoMasterData) {
		t.Errorf("expected ErrNoMasterData, got %v", err)
	}
}

func TestCleanupPrunesOldSyncedMutations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = 24 * time.Hour
	h := setupEngine(t, cfg)
	ctx := context.Background()
	h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v1", "ses-1"))

	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	counts, _ := h.queues.For(offline.EntitySales).Counts(ctx)
	if counts[queue.StatusSynced] != 1 {
		t.Fatalf("expected 1 synced mutation, got %v", counts)
	}

	h.clock.Advance(48 * time.Hour)
	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	counts, _ = h.queues.For(offline.EntitySales).Counts(ctx)
	if counts[queue.StatusSynced] != 0 {
		t.Errorf("expected synced mutation pruned, got %v", counts)
	}
	if _, err := h.st.GetRaw(ctx, offline.EntitySales.Collection(), "v1"); err != nil {
		t.Errorf("local record must survive cleanup: %v", err)
	}
}

func TestRecordMutationValidates(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()

	bad := json.RawMessage(`{"id":"v1","sessionId":"ses-1","items":[],"paymentMethod":"cash","createdAt":"2025-03-01T09:00:00Z"}`)
	if _, err := h.engine.RecordMutation(ctx, offline.EntitySales, offline.OpCreate, bad, nil); !errors.Is(err, offline.ErrPermanent) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.engine.RecordMutation(ctx, offline.EntitySales, offline.OpCreate, json.RawMessage(`{"sessionId":"x"}`), nil); err == nil {
		t.Fatal("expected error for a record without id")
	}
	if _, err := h.engine.RecordMutation(ctx, "refunds", offline.OpCreate, saleJSON("v1", "s"), nil); err == nil {
		t.Fatal("expected error for unknown entity")
	}

	counts, err := h.queues.PendingCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[offline.EntitySales] != 0 {
		t.Errorf("invalid records were queued: %v", counts)
	}
}

func TestRecordMutationNudgesRunner(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v1", "ses-1"))
	h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v2", "ses-1"))

	select {
	case <-h.engine.Trigger():
	default:
		t.Fatal("expected a trigger after recording")
	}
	select {
	case <-h.engine.Trigger():
		t.Fatal("triggers must coalesce")
	default:
	}
}

func TestRecordTypedRecord(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	cat := &model.Category{ID: "C9", Name: "Bebidas", Active: true}

	id, err := h.engine.Record(ctx, offline.OpCreate, cat, map[string]any{"approvedBy": "sup-1"})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	m := h.mutation(t, offline.EntityCategories, id)
	if m.RecordKey != "C9" || m.Meta["approvedBy"] != "sup-1" {
		t.Errorf("mutation = %+v", m)
	}
}

func TestStatusReadModel(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	h.record(t, offline.EntitySales, offline.OpCreate, saleJSON("v1", "ses-1"))

	before := h.engine.Status(ctx)
	if before.PendingCounts[offline.EntitySales] != 1 {
		t.Errorf("pending before = %v", before.PendingCounts)
	}
	if before.LastSync != nil {
		t.Errorf("expected no last sync, got %+v", before.LastSync)
	}

	if _, err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	after := h.engine.Status(ctx)
	if !after.IsOnline || after.IsSyncing || after.ReadOnly {
		t.Errorf("flags = online:%v syncing:%v readOnly:%v", after.IsOnline, after.IsSyncing, after.ReadOnly)
	}
	if after.PendingCounts[offline.EntitySales] != 0 {
		t.Errorf("pending after = %v", after.PendingCounts)
	}
	if after.LastSync == nil || !after.LastSync.Success {
		t.Errorf("last sync = %+v", after.LastSync)
	}
	if after.SuccessRate != 1 {
		t.Errorf("success rate = %v", after.SuccessRate)
	}
}

func TestStatusTransitionsOnlyForward(t *testing.T) {
	h := setupEngine(t, DefaultConfig())
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		h.record(t, offline.EntitySales, offline.OpCreate, saleJSON(fmt.Sprintf("v%d", i), "ses-1"))
	}
	h.server.OnPush(func(n int, _ remote.PushRequest) error {
		switch n % 3 {
		case 1:
			return offline.Transient("push", errors.New("flaky"))
		case 2:
			return offline.Permanent("push", errors.New("rejected"))
		}
		return nil
	})

	synced := map[string]bool{}
	for round := 0; round < 5; round++ {
		if _, err := h.engine.Run(ctx); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		all, err := h.queues.For(offline.EntitySales).List(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range all {
			if synced[m.ID] && m.Status != queue.StatusSynced {
				t.Fatalf("mutation %s left synced for %s", m.ID, m.Status)
			}
			if m.Status == queue.StatusSynced {
				synced[m.ID] = true
			}
		}
		h.clock.Advance(time.Hour)
	}
	if len(synced) == 0 {
		t.Error("expected some mutations to sync")
	}
}
