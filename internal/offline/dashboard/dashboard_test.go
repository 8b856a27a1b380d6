package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/events"
	"github.com/tiendapos/possync/internal/offline/metrics"
)

type fakeStatus struct {
	status metrics.Status
}

func (f *fakeStatus) Status(context.Context) metrics.Status { return f.status }

func healthyStatus() *fakeStatus {
	return &fakeStatus{status: metrics.Status{
		IsOnline:      true,
		PendingCounts: map[offline.EntityType]int{offline.EntitySales: 2},
		Health:        metrics.HealthReport{StoreAvailable: true, PendingCount: 2},
		SuccessRate:   1,
	}}
}

func startServer(t *testing.T, source StatusSource, gatherer prometheus.Gatherer) *Server {
	t.Helper()
	server := NewServer(&Config{Port: 0, Host: "127.0.0.1", Gatherer: gatherer, Logger: logging.Discard()}, source)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("Failed to stop server: %v", err)
		}
	})
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := startServer(t, nil, nil)
	if addr := server.GetAddr(); addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("Server address not resolved: %q", addr)
	}
}

func TestWebSocketReceivesStatusFirst(t *testing.T) {
	server := startServer(t, healthyStatus(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("Expected first message type %s, got %s", MessageTypeStatus, msg.Type)
	}
	var status metrics.Status
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if !status.IsOnline || status.PendingCounts[offline.EntitySales] != 2 {
		t.Errorf("Unexpected status snapshot: %+v", status)
	}
	waitForClients(t, server, 1)
}

func TestEventsAreBroadcastToAllClients(t *testing.T) {
	server := startServer(t, healthyStatus(), nil)
	notifier := events.NewNotifier(nil, logging.Discard())
	handler := NewHandler(server)
	detach := handler.Attach(notifier)
	defer detach()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const numClients = 3
	clients := make([]*websocket.Conn, numClients)
	for i := range clients {
		clients[i] = dial(t, ctx, server)
		readMessage(t, ctx, clients[i]) // status snapshot
	}
	waitForClients(t, server, numClients)

	notifier.Publish(events.SyncComplete, events.SyncCompleteData{SessionID: "abc", Success: true, Succeeded: 3})

	for i, conn := range clients {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageType(events.SyncComplete) {
			t.Fatalf("client %d: expected %s, got %s", i, events.SyncComplete, msg.Type)
		}
		var data events.SyncCompleteData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("client %d: decode: %v", i, err)
		}
		if data.SessionID != "abc" || data.Succeeded != 3 {
			t.Errorf("client %d: unexpected data %+v", i, data)
		}

		stats := readMessage(t, ctx, conn)
		if stats.Type != MessageTypeStats {
			t.Errorf("client %d: expected stats after sync_complete, got %s", i, stats.Type)
		}
	}
}

func TestClientDisconnectIsRemoved(t *testing.T) {
	server := startServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	waitForClients(t, server, 1)

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitForClients(t, server, 0)
}

func TestHandlerStats(t *testing.T) {
	server := NewServer(&Config{Logger: logging.Discard()}, nil)
	handler := NewHandler(server)

	handler.OnEvent(events.Event{Type: events.Online, Time: time.Now(), Data: events.ConnectivityData{Reason: "probe"}})
	handler.OnEvent(events.Event{Type: events.SyncStart, Time: time.Now(), Data: events.SyncStartData{SessionID: "s1", Pending: 4}})
	handler.OnEvent(events.Event{Type: events.AuthRequired, Time: time.Now(), Data: events.AuthRequiredData{Entity: offline.EntitySales}})
	handler.OnEvent(events.Event{Type: events.SyncError, Time: time.Now(), Data: events.SyncErrorData{SessionID: "s1", Kind: "auth"}})

	stats := handler.GetStats()
	if !stats.Online {
		t.Error("Expected online after online event")
	}
	if !stats.AuthRequired {
		t.Error("Expected auth required flag")
	}
	if stats.LastSessionID != "s1" || stats.LastSuccess {
		t.Errorf("Unexpected last session: %+v", stats)
	}
	if stats.Events[events.SyncStart] != 1 || stats.Events[events.Online] != 1 {
		t.Errorf("Unexpected event counts: %v", stats.Events)
	}

	handler.OnEvent(events.Event{Type: events.SyncComplete, Time: time.Now(), Data: events.SyncCompleteData{SessionID: "s2", Success: true, Succeeded: 4}})
	handler.OnEvent(events.Event{Type: events.Offline, Time: time.Now(), Data: events.ConnectivityData{Reason: "signal"}})

	stats = handler.GetStats()
	if stats.Online || stats.AuthRequired {
		t.Errorf("Flags not reset: %+v", stats)
	}
	if stats.LastSessionID != "s2" || !stats.LastSuccess || stats.LastSyncedCount != 4 {
		t.Errorf("Unexpected last session: %+v", stats)
	}

	// Returned maps are copies.
	stats.Events[events.Online] = 100
	if handler.GetStats().Events[events.Online] != 1 {
		t.Error("GetStats leaked its internal map")
	}
}

func TestHealthEndpoint(t *testing.T) {
	source := healthyStatus()
	server := NewServer(&Config{Logger: logging.Discard()}, source)
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthy status code = %d", resp.StatusCode)
	}

	source.status.Health.Issues = []string{"critical collection missing: ventas_pendientes"}
	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("degraded status code = %d", resp.StatusCode)
	}
	var body struct {
		Status string               `json:"status"`
		Health metrics.HealthReport `json:"health"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || len(body.Health.Issues) != 1 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := NewServer(&Config{Logger: logging.Discard()}, healthyStatus())
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var status metrics.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.SuccessRate != 1 || !status.Health.StoreAvailable {
		t.Errorf("unexpected status: %+v", status)
	}

	bare := httptest.NewServer(NewServer(&Config{Logger: logging.Discard()}, nil).Routes())
	defer bare.Close()
	resp2, err := http.Get(bare.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status without source = %d", resp2.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "possync_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	server := NewServer(&Config{Gatherer: reg, Logger: logging.Discard()}, nil)
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "possync_test_total 3") {
		t.Errorf("metrics body missing counter:\n%s", body)
	}

	resp2, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d", resp2.StatusCode)
	}
}
