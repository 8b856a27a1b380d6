// Package remotetest provides an in-memory authoritative POS server.
//
// Server implements remote.Adapter directly for fast engine tests and also
// serves the same behaviour over HTTP (Handler) so the HTTP adapter can be
// exercised end to end with httptest.
package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/model"
	"github.com/tiendapos/possync/internal/offline/remote"
)

// Hook can fail a push before it is applied. n is the 1-based number of
// pushes the server has received, including this one.
type Hook func(n int, req remote.PushRequest) error

// PushLog is one push the server applied.
type PushLog struct {
	N          int
	Entity     offline.EntityType
	Op         offline.Op
	MutationID string
	RecordKey  string
	ServerID   string
	Duplicate  bool
}

// Server is an in-memory authoritative server.
type Server struct {
	mu sync.Mutex

	clock       offline.Clock
	reachable   bool
	token       string
	latency     time.Duration
	records     map[offline.EntityType]map[string]model.Doc
	updated     map[offline.EntityType]map[string]time.Time
	idempotency map[string]string // mutation id -> server id
	localIDs    map[offline.EntityType]map[string]string
	hooks       []Hook
	received    int
	applied     []PushLog
	nextID      int
}

// NewServer creates a reachable, empty server. A nil clock uses the system
// clock.
func NewServer(clock offline.Clock) *Server {
	if clock == nil {
		clock = offline.SystemClock{}
	}
	s := &Server{
		clock:       clock,
		reachable:   true,
		records:     make(map[offline.EntityType]map[string]model.Doc),
		updated:     make(map[offline.EntityType]map[string]time.Time),
		idempotency: make(map[string]string),
		localIDs:    make(map[offline.EntityType]map[string]string),
	}
	for _, e := range offline.SyncOrder {
		s.records[e] = make(map[string]model.Doc)
		s.updated[e] = make(map[string]time.Time)
		s.localIDs[e] = make(map[string]string)
	}
	return s
}

// SetReachable toggles whether the server answers at all.
func (s *Server) SetReachable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reachable = ok
}

// RequireToken makes the HTTP handler demand this bearer token.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// SetLatency delays every push, for load tests.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// OnPush installs a hook consulted before every push.
func (s *Server) OnPush(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// FailPush makes the n-th push fail with err.
func (s *Server) FailPush(n int, err error) {
	s.OnPush(func(got int, _ remote.PushRequest) error {
		if got == n {
			return err
		}
		return nil
	})
}

// ConflictOn makes pushes of the record conflict, returning remoteDoc as
// the server's version.
func (s *Server) ConflictOn(entity offline.EntityType, recordKey string, remoteDoc json.RawMessage) {
	s.OnPush(func(_ int, req remote.PushRequest) error {
		if req.Entity == entity && req.RecordKey == recordKey {
			return offline.Conflict("push", remoteDoc, errors.New("record changed on server"))
		}
		return nil
	})
}

// Seed stores a record as if it were created server-side.
func (s *Server) Seed(entity offline.EntityType, serverID string, doc json.RawMessage) error {
	d, err := model.ParseDoc(doc)
	if err != nil {
		return err
	}
	if err := d.Set("id", serverID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[entity][serverID] = d
	s.updated[entity][serverID] = s.clock.Now()
	return nil
}

// Push implements remote.Adapter.
func (s *Server) Push(ctx context.Context, req remote.PushRequest) (remote.PushResult, error) {
	s.mu.Lock()
	latency := s.latency
	s.mu.Unlock()
	if latency > 0 {
		select {
		case <-ctx.Done():
			return remote.PushResult{}, offline.Transient("push", ctx.Err())
		case <-time.After(latency):
		}
	}

	s.mu.Lock()
	if !s.reachable {
		s.mu.Unlock()
		return remote.PushResult{}, offline.Transient("push", errors.New("server unreachable"))
	}
	s.received++
	n := s.received
	hooks := append([]Hook(nil), s.hooks...)
	s.mu.Unlock()

	// Hooks run unlocked so one may block until another push completes.
	for _, h := range hooks {
		if err := h(n, req); err != nil {
			return remote.PushResult{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if serverID, ok := s.idempotency[req.MutationID]; ok && req.MutationID != "" {
		s.applied = append(s.applied, PushLog{
			N: n, Entity: req.Entity, Op: req.Op, MutationID: req.MutationID,
			RecordKey: req.RecordKey, ServerID: serverID, Duplicate: true,
		})
		data, _ := s.records[req.Entity][serverID].Bytes()
		return remote.PushResult{ServerID: serverID, Data: data}, nil
	}

	payload, err := model.ParseDoc(req.Payload)
	if err != nil {
		return remote.PushResult{}, offline.Permanent("push", err)
	}
	now := s.clock.Now()
	records := s.records[req.Entity]
	if records == nil {
		return remote.PushResult{}, offline.Permanent("push", fmt.Errorf("unknown entity %q", req.Entity))
	}

	var serverID string
	switch req.Op {
	case offline.OpCreate:
		s.nextID++
		serverID = fmt.Sprintf("srv-%s-%d", req.Entity, s.nextID)
		if err := payload.Set("id", serverID); err != nil {
			return remote.PushResult{}, offline.Permanent("push", err)
		}
		records[serverID] = payload
		s.localIDs[req.Entity][req.RecordKey] = serverID
		if err := s.applySideEffects(req.Entity, payload, now); err != nil {
			return remote.PushResult{}, err
		}
	case offline.OpUpdate:
		serverID = req.ServerID
		doc, ok := records[serverID]
		if !ok {
			return remote.PushResult{}, offline.Permanent("push", fmt.Errorf("%s %s not found", req.Entity, serverID))
		}
		doc.Merge(payload)
	case offline.OpDelete:
		serverID = req.ServerID
		if _, ok := records[serverID]; !ok {
			return remote.PushResult{}, offline.Permanent("push", fmt.Errorf("%s %s not found", req.Entity, serverID))
		}
		delete(records, serverID)
	default:
		return remote.PushResult{}, offline.Permanent("push", fmt.Errorf("unknown op %q", req.Op))
	}

	s.updated[req.Entity][serverID] = now
	if req.MutationID != "" {
		s.idempotency[req.MutationID] = serverID
	}
	s.applied = append(s.applied, PushLog{
		N: n, Entity: req.Entity, Op: req.Op, MutationID: req.MutationID,
		RecordKey: req.RecordKey, ServerID: serverID,
	})

	var data json.RawMessage
	if doc, ok := records[serverID]; ok {
		data, _ = doc.Bytes()
	}
	return remote.PushResult{ServerID: serverID, Data: data}, nil
}

// applySideEffects moves product price and stock for ledger entries.
func (s *Server) applySideEffects(entity offline.EntityType, payload model.Doc, now time.Time) error {
	if entity != offline.EntityPriceChanges && entity != offline.EntityStockChanges {
		return nil
	}
	productID := payload.String("productServerId")
	if productID == "" {
		productID = payload.String("productId")
	}
	product, ok := s.records[offline.EntityProducts][productID]
	if !ok {
		product = model.Doc{}
		_ = product.Set("id", productID)
		s.records[offline.EntityProducts][productID] = product
	}

	switch entity {
	case offline.EntityPriceChanges:
		product["price"] = payload["newPrice"]
	case offline.EntityStockChanges:
		stock := decimalField(product, "stock")
		delta := decimalField(payload, "delta")
		if err := product.Set("stock", stock.Add(delta)); err != nil {
			return offline.Permanent("push", err)
		}
	}
	s.updated[offline.EntityProducts][productID] = now
	return nil
}

func decimalField(d model.Doc, key string) decimal.Decimal {
	var v decimal.Decimal
	if raw, ok := d[key]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

// Pull implements remote.Adapter.
func (s *Server) Pull(_ context.Context, entity offline.EntityType, filter remote.PullFilter) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reachable {
		return nil, offline.Transient("pull", errors.New("server unreachable"))
	}
	records, ok := s.records[entity]
	if !ok {
		return nil, offline.Permanent("pull", fmt.Errorf("unknown entity %q", entity))
	}

	ids := make([]string, 0, len(records))
	for id := range records {
		if !filter.UpdatedSince.IsZero() && !s.updated[entity][id].After(filter.UpdatedSince) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if filter.Limit > 0 && len(ids) > filter.Limit {
		ids = ids[:filter.Limit]
	}

	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		b, err := records[id].Bytes()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Ping implements remote.Adapter.
func (s *Server) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reachable {
		return offline.Transient("ping", errors.New("server unreachable"))
	}
	return nil
}

// Record returns the server copy of a record.
func (s *Server) Record(entity offline.EntityType, serverID string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.records[entity][serverID]
	if !ok {
		return nil, false
	}
	b, _ := doc.Bytes()
	return b, true
}

// Count returns how many records of entity the server holds.
func (s *Server) Count(entity offline.EntityType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[entity])
}

// ServerIDFor returns the server id assigned to a locally created record.
func (s *Server) ServerIDFor(entity offline.EntityType, recordKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localIDs[entity][recordKey]
}

// ProductPrice returns the server price of a product.
func (s *Server) ProductPrice(productID string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.records[offline.EntityProducts][productID]
	if !ok {
		return decimal.Decimal{}, false
	}
	return decimalField(doc, "price"), true
}

// Pushes returns the pushes the server applied, in order.
func (s *Server) Pushes() []PushLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PushLog(nil), s.applied...)
}

// Received returns how many pushes reached the server, failed ones
// included.
func (s *Server) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Handler serves the server over the REST API the HTTP adapter speaks.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.Ping(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("GET /api/{resource}", s.authorized(s.handlePull))
	mux.HandleFunc("POST /api/{resource}", s.authorized(s.handlePush(offline.OpCreate)))
	mux.HandleFunc("PUT /api/{resource}/{id}", s.authorized(s.handlePush(offline.OpUpdate)))
	mux.HandleFunc("DELETE /api/{resource}/{id}", s.authorized(s.handlePush(offline.OpDelete)))
	return mux
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized", "msg": "invalid or expired token"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handlePush(op offline.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entity, ok := offline.EntityForResource(r.PathValue("resource"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "unknown resource"})
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		if len(body) == 0 {
			body = []byte("{}")
		}

		var probe model.Doc
		_ = json.Unmarshal(body, &probe)
		res, err := s.Push(r.Context(), remote.PushRequest{
			Entity:     entity,
			Op:         op,
			MutationID: r.Header.Get("Idempotency-Key"),
			RecordKey:  probe.String("id"),
			ServerID:   r.PathValue("id"),
			Payload:    body,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusOK
		if op == offline.OpCreate {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{"ok": true, "data": res.Data})
	}
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	entity, ok := offline.EntityForResource(r.PathValue("resource"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "unknown resource"})
		return
	}

	var filter remote.PullFilter
	if since := r.URL.Query().Get("updated_since"); since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "bad updated_since"})
			return
		}
		filter.UpdatedSince = t
	}

	all, err := s.Pull(r.Context(), entity, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	// Cursor is the offset into the ordered result.
	offset := 0
	if c := r.URL.Query().Get("cursor"); c != "" {
		fmt.Sscanf(c, "%d", &offset)
	}
	limit := len(all)
	if l := r.URL.Query().Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) || limit <= 0 {
		end = len(all)
	}

	resp := map[string]any{"ok": true, "data": all[offset:end]}
	if end < len(all) {
		resp["nextCursor"] = fmt.Sprint(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"ok": false, "error": strings.TrimSpace(err.Error())}
	switch offline.KindOf(err) {
	case offline.KindAuth:
		writeJSON(w, http.StatusUnauthorized, body)
	case offline.KindConflict:
		body["data"] = offline.RemoteOf(err)
		writeJSON(w, http.StatusConflict, body)
	case offline.KindPermanent:
		writeJSON(w, http.StatusUnprocessableEntity, body)
	default:
		writeJSON(w, http.StatusServiceUnavailable, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
