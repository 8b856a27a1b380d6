// Package loadtest measures how a terminal copes with a long offline
// period: how fast cashiers can record while offline, and how fast the
// backlog drains once the server is reachable again.
//
// The terminal runs against the in-memory server, either directly or over
// HTTP through the real adapter.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/queue"
	"github.com/tiendapos/possync/internal/offline/remote"
	"github.com/tiendapos/possync/internal/offline/remote/remotetest"
	"github.com/tiendapos/possync/internal/offline/store"
	offsync "github.com/tiendapos/possync/internal/offline/sync"
)

// Scenario describes the offline backlog to build.
type Scenario struct {
	// Sessions opened while offline. Default: 4
	Sessions int
	// SalesPerSession rung up in each session. Default: 50
	SalesPerSession int
	// PriceChanges made while offline.
	PriceChanges int
	// Latency added to every server call during the drain.
	Latency time.Duration
	// Concurrency of the drain. Default: the engine default
	Concurrency int
	// OverHTTP drains through the HTTP adapter instead of calling the
	// server directly.
	OverHTTP bool
	// Seed makes generated amounts reproducible. Default: 42
	Seed int64
}

func (s Scenario) withDefaults() Scenario {
	if s.Sessions <= 0 {
		s.Sessions = 4
	}
	if s.SalesPerSession <= 0 {
		s.SalesPerSession = 50
	}
	if s.PriceChanges < 0 {
		s.PriceChanges = 0
	}
	if s.Seed == 0 {
		s.Seed = 42
	}
	return s
}

// TestTerminal is a populated terminal ready to drain.
type TestTerminal struct {
	Store    *store.Store
	Queues   *queue.Set
	Server   *remotetest.Server
	Engine   *offsync.Engine
	Scenario Scenario

	SessionIDs []string
	SaleIDs    []string
	Mutations  int

	httpServer *httptest.Server
	adapter    *remote.HTTPAdapter
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	TotalCalls int
	Errors     int
	Durations  []time.Duration
}

// DrainReport summarizes a drain.
type DrainReport struct {
	Mutations  int
	Synced     int
	Failed     int
	Passes     int
	Duration   time.Duration
	Throughput float64 // mutations per second
	Remaining  int
	Pushes     int
}

// CreateTestTerminal opens a store at dbPath and records the scenario's
// backlog while the server is unreachable.
func CreateTestTerminal(dbPath string, scenario Scenario, logger *logrus.Logger) (*TestTerminal, error) {
	scenario = scenario.withDefaults()
	if logger == nil {
		logger = logging.Discard()
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := st.Init(queue.Schema()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	clock := offline.SystemClock{}
	server := remotetest.NewServer(clock)
	server.SetReachable(false)

	tt := &TestTerminal{
		Store:    st,
		Queues:   queue.NewSet(st, queue.DefaultConfig(), clock, logger),
		Server:   server,
		Scenario: scenario,
	}

	var adapter remote.Adapter = server
	if scenario.OverHTTP {
		tt.httpServer = httptest.NewServer(server.Handler())
		tt.adapter, err = remote.NewHTTPAdapter(remote.HTTPConfig{
			BaseURL: tt.httpServer.URL,
			Retry:   remote.RetryConfig{MaxAttempts: 1},
			Logger:  logger,
		})
		if err != nil {
			_ = tt.Close()
			return nil, err
		}
		adapter = tt.adapter
	}

	cfg := offsync.DefaultConfig()
	if scenario.Concurrency > 0 {
		cfg.Concurrency = scenario.Concurrency
	}
	tt.Engine = offsync.New(offsync.Deps{
		Store:   st,
		Queues:  tt.Queues,
		Adapter: adapter,
		Clock:   clock,
		Logger:  logger,
	}, cfg)

	if err := tt.populate(context.Background()); err != nil {
		_ = tt.Close()
		return nil, err
	}
	return tt, nil
}

// Close releases the store and the HTTP server.
func (tt *TestTerminal) Close() error {
	if tt.adapter != nil {
		tt.adapter.Close()
	}
	if tt.httpServer != nil {
		tt.httpServer.Close()
	}
	if tt.Store != nil {
		return tt.Store.Close()
	}
	return nil
}

func (tt *TestTerminal) populate(ctx context.Context) error {
	rng := rand.New(rand.NewSource(tt.Scenario.Seed))
	base := time.Now().Add(-8 * time.Hour)

	for i := 0; i < tt.Scenario.Sessions; i++ {
		sessionID := fmt.Sprintf("ses-%03d", i)
		if _, err := tt.Engine.RecordMutation(ctx, offline.EntitySessions, offline.OpCreate, sessionDoc(sessionID, i, base), nil); err != nil {
			return fmt.Errorf("failed to record session %s: %w", sessionID, err)
		}
		tt.SessionIDs = append(tt.SessionIDs, sessionID)
		tt.Mutations++

		for j := 0; j < tt.Scenario.SalesPerSession; j++ {
			saleID := fmt.Sprintf("sale-%03d-%05d", i, j)
			if _, err := tt.Engine.RecordMutation(ctx, offline.EntitySales, offline.OpCreate, saleDoc(rng, saleID, sessionID, base), nil); err != nil {
				return fmt.Errorf("failed to record sale %s: %w", saleID, err)
			}
			tt.SaleIDs = append(tt.SaleIDs, saleID)
			tt.Mutations++
		}
	}

	for i := 0; i < tt.Scenario.PriceChanges; i++ {
		id := fmt.Sprintf("pc-%04d", i)
		if _, err := tt.Engine.RecordMutation(ctx, offline.EntityPriceChanges, offline.OpCreate, priceChangeDoc(rng, id, i, base), nil); err != nil {
			return fmt.Errorf("failed to record price change %s: %w", id, err)
		}
		tt.Mutations++
	}
	return nil
}

// RecordConcurrently simulates cashiers ringing up sales at the same time
// while offline. Each cashier records perCashier sales into its own new
// session and every call's latency is recorded.
func (tt *TestTerminal) RecordConcurrently(cashiers, perCashier int) (*LatencyStats, error) {
	var (
		wg           conc.WaitGroup
		mu           sync.Mutex
		allDurations []time.Duration
		errorCount   int
	)
	base := time.Now()

	for c := 0; c < cashiers; c++ {
		c := c
		wg.Go(func() {
			ctx := context.Background()
			rng := rand.New(rand.NewSource(tt.Scenario.Seed + int64(c)))
			sessionID := fmt.Sprintf("ses-cashier-%03d", c)

			durations := make([]time.Duration, 0, perCashier+1)
			errs := 0
			record := func(entity offline.EntityType, doc json.RawMessage) {
				start := time.Now()
				_, err := tt.Engine.RecordMutation(ctx, entity, offline.OpCreate, doc, nil)
				durations = append(durations, time.Since(start))
				if err != nil {
					errs++
				}
			}

			record(offline.EntitySessions, sessionDoc(sessionID, c, base))
			for j := 0; j < perCashier; j++ {
				record(offline.EntitySales, saleDoc(rng, fmt.Sprintf("sale-c%03d-%05d", c, j), sessionID, base))
			}

			mu.Lock()
			allDurations = append(allDurations, durations...)
			errorCount += errs
			tt.Mutations += len(durations) - errs
			mu.Unlock()
		})
	}
	wg.Wait()

	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no mutations recorded")
	}
	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// Drain brings the server online and runs passes until the backlog is
// empty or maxPasses is reached.
func (tt *TestTerminal) Drain(ctx context.Context, maxPasses int) (*DrainReport, error) {
	if maxPasses <= 0 {
		maxPasses = 5
	}
	tt.Server.SetLatency(tt.Scenario.Latency)
	tt.Server.SetReachable(true)

	before, err := tt.pending(ctx)
	if err != nil {
		return nil, err
	}
	report := &DrainReport{Mutations: before}

	start := time.Now()
	for report.Passes < maxPasses {
		session, err := tt.Engine.Run(ctx)
		report.Passes++
		if err != nil {
			return nil, fmt.Errorf("pass %d failed: %w", report.Passes, err)
		}
		if session != nil {
			totals := session.Totals()
			report.Synced += totals.Succeeded
			report.Failed += totals.Failed
		}

		report.Remaining, err = tt.pending(ctx)
		if err != nil {
			return nil, err
		}
		if report.Remaining == 0 {
			break
		}
	}
	report.Duration = time.Since(start)
	report.Pushes = tt.Server.Received()
	if secs := report.Duration.Seconds(); secs > 0 {
		report.Throughput = float64(report.Synced) / secs
	}
	return report, nil
}

func (tt *TestTerminal) pending(ctx context.Context) (int, error) {
	counts, err := tt.Queues.PendingCounts(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// Run builds a terminal in dir, drains it and returns the report.
func Run(ctx context.Context, dir string, scenario Scenario, logger *logrus.Logger) (*DrainReport, error) {
	tt, err := CreateTestTerminal(filepath.Join(dir, "loadtest.db"), scenario, logger)
	if err != nil {
		return nil, err
	}
	defer tt.Close()
	return tt.Drain(ctx, 0)
}

func sessionDoc(id string, n int, base time.Time) json.RawMessage {
	doc, _ := json.Marshal(map[string]any{
		"id":           id,
		"cashierId":    fmt.Sprintf("u-%d", n%5),
		"terminalId":   "t-loadtest",
		"openedAt":     base.Add(time.Duration(n) * time.Minute).UTC(),
		"openingFloat": "100",
		"status":       "open",
		"lastModified": base.Add(time.Duration(n) * time.Minute).UTC(),
	})
	return doc
}

// saleDoc generates a sale of one to three lines with consistent totals.
func saleDoc(rng *rand.Rand, id, sessionID string, base time.Time) json.RawMessage {
	lines := 1 + rng.Intn(3)
	items := make([]map[string]string, 0, lines)
	total := decimal.Zero
	for i := 0; i < lines; i++ {
		qty := decimal.NewFromInt(int64(1 + rng.Intn(4)))
		price := decimal.New(int64(100+rng.Intn(4900)), -2)
		total = total.Add(qty.Mul(price))
		items = append(items, map[string]string{
			"productId": fmt.Sprintf("P%03d", rng.Intn(200)),
			"quantity":  qty.String(),
			"unitPrice": price.String(),
			"discount":  "0",
		})
	}
	methods := []string{"cash", "card", "transfer"}
	doc, _ := json.Marshal(map[string]any{
		"id":            id,
		"sessionId":     sessionID,
		"items":         items,
		"total":         total.StringFixed(2),
		"paymentMethod": methods[rng.Intn(len(methods))],
		"createdAt":     base.Add(time.Duration(rng.Intn(8*3600)) * time.Second).UTC(),
	})
	return doc
}

func priceChangeDoc(rng *rand.Rand, id string, n int, base time.Time) json.RawMessage {
	old := decimal.New(int64(100+rng.Intn(4900)), -2)
	next := old.Add(decimal.New(int64(rng.Intn(500)), -2))
	doc, _ := json.Marshal(map[string]any{
		"id":        id,
		"productId": fmt.Sprintf("P%03d", n%200),
		"oldPrice":  old.StringFixed(2),
		"newPrice":  next.StringFixed(2),
		"createdAt": base.Add(time.Duration(n) * time.Second).UTC(),
	})
	return doc
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalCalls: len(durations),
		Durations:  sorted,
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Calls:   %d\n", s.TotalCalls)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// PrintReport writes a drain report to w.
func (r *DrainReport) PrintReport(w io.Writer) {
	fmt.Fprintf(w, "Drain Report:\n")
	fmt.Fprintf(w, "  Backlog:       %d\n", r.Mutations)
	fmt.Fprintf(w, "  Synced:        %d\n", r.Synced)
	fmt.Fprintf(w, "  Failed:        %d\n", r.Failed)
	fmt.Fprintf(w, "  Remaining:     %d\n", r.Remaining)
	fmt.Fprintf(w, "  Passes:        %d\n", r.Passes)
	fmt.Fprintf(w, "  Server pushes: %d\n", r.Pushes)
	fmt.Fprintf(w, "  Duration:      %v\n", r.Duration)
	fmt.Fprintf(w, "  Throughput:    %.1f mutations/s\n", r.Throughput)
}
