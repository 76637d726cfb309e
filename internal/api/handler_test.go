package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/yume/internal/memory"
	"github.com/nidhogg/yume/internal/scheduler"
	"github.com/nidhogg/yume/internal/tracker"
	"github.com/nidhogg/yume/internal/vectorstore"
	"go.uber.org/zap"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]*memory.Entry
}

func newMemStore() *memStore { return &memStore{entries: make(map[string]*memory.Entry)} }

func (s *memStore) Put(ctx context.Context, e *memory.Entry) error {
	return s.PutAll(ctx, []*memory.Entry{e})
}

func (s *memStore) PutAll(ctx context.Context, entries []*memory.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		cp := *e
		s.entries[e.ID] = &cp
	}
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) GetAll(ctx context.Context, ids []string) ([]*memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*memory.Entry
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) List(ctx context.Context) ([]*memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*memory.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	return s.DeleteMany(ctx, []string{id})
}

func (s *memStore) DeleteMany(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.entries, id)
	}
	return nil
}

func (s *memStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*memory.Entry)
	return nil
}

func (s *memStore) Scan(ctx context.Context, batchSize int, fn func(batch []*memory.Entry) error) error {
	all, _ := s.List(ctx)
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for start := 0; start < len(all); start += batchSize {
		end := start + batchSize
		if end > len(all) {
			end = len(all)
		}
		if err := fn(all[start:end]); err != nil {
			return err
		}
	}
	return nil
}

type memIndex struct {
	mu      sync.Mutex
	vectors map[string][]float32
}

func newMemIndex() *memIndex { return &memIndex{vectors: make(map[string][]float32)} }

func (x *memIndex) Upsert(ctx context.Context, id string, vector []float32) error {
	return x.UpsertBatch(ctx, []vectorstore.Point{{ID: id, Vector: vector}})
}

func (x *memIndex) UpsertBatch(ctx context.Context, points []vectorstore.Point) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, p := range points {
		x.vectors[p.ID] = p.Vector
	}
	return nil
}

func (x *memIndex) Remove(ctx context.Context, id string) error {
	return x.RemoveBatch(ctx, []string{id})
}

func (x *memIndex) RemoveBatch(ctx context.Context, ids []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		delete(x.vectors, id)
	}
	return nil
}

func (x *memIndex) Clear(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors = make(map[string][]float32)
	return nil
}

func (x *memIndex) Search(ctx context.Context, vector []float32, minScore float32, limit int) ([]vectorstore.Hit, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var hits []vectorstore.Hit
	for id, v := range x.vectors {
		var score float32
		for i := range vector {
			if i < len(v) {
				score += vector[i] * v[i]
			}
		}
		if score >= minScore {
			hits = append(hits, vectorstore.Hit{ID: id, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

type keywordEmbedder struct{}

func (keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if bytes.Contains([]byte(text), []byte("milk")) {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func (keywordEmbedder) Dimension() int { return 2 }

type fakeLedger struct {
	mu   sync.Mutex
	runs map[string]*scheduler.Run
	seq  []string
}

func newFakeLedger() *fakeLedger { return &fakeLedger{runs: make(map[string]*scheduler.Run)} }

func (l *fakeLedger) Insert(ctx context.Context, run *scheduler.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *run
	l.runs[run.ID] = &cp
	l.seq = append(l.seq, run.ID)
	return nil
}

func (l *fakeLedger) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[id]
	if !ok || r.Status != scheduler.StatusScheduled {
		return errors.New("run not in scheduled state")
	}
	r.Status = scheduler.StatusRunning
	r.StartedAt = &startedAt
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *fakeLedger) MarkSucceeded(ctx context.Context, id string, durationMs int64, response string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[id]
	if !ok || r.Status != scheduler.StatusRunning {
		return errors.New("run not in running state")
	}
	r.Status = scheduler.StatusSucceeded
	r.DurationMs = durationMs
	r.Response = response
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *fakeLedger) MarkFailed(ctx context.Context, id string, errMsg string, durationMs int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[id]
	if !ok || r.Status != scheduler.StatusRunning {
		return errors.New("run not in running state")
	}
	r.Status = scheduler.StatusFailed
	r.Error = errMsg
	r.DurationMs = durationMs
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *fakeLedger) CancelScheduled(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, r := range l.runs {
		if r.Status == scheduler.StatusScheduled {
			r.Status = scheduler.StatusCancelled
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) Get(ctx context.Context, id string) (*scheduler.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (l *fakeLedger) Recent(ctx context.Context, limit int, statuses ...scheduler.Status) ([]*scheduler.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*scheduler.Run
	for i := len(l.seq) - 1; i >= 0 && len(out) < limit; i-- {
		r := l.runs[l.seq[i]]
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				if r.Status == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (l *fakeLedger) ByTopic(ctx context.Context, topic string, limit int) ([]*scheduler.Run, error) {
	return nil, nil
}

func (l *fakeLedger) Failed(ctx context.Context, limit int) ([]*scheduler.Run, error) {
	return l.Recent(ctx, limit, scheduler.StatusFailed)
}

func (l *fakeLedger) CreatedSince(ctx context.Context, since time.Time) ([]*scheduler.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*scheduler.Run
	for _, id := range l.seq {
		r := l.runs[id]
		if r.CreatedAt.Before(since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (l *fakeLedger) LatestScheduled(ctx context.Context) (*scheduler.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var best *scheduler.Run
	for _, r := range l.runs {
		if r.Status != scheduler.StatusScheduled {
			continue
		}
		if best == nil || r.ScheduledAt.After(*best.ScheduledAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

type okExecutor struct{}

func (okExecutor) Execute(ctx context.Context, reason, topic string) (string, error) {
	return "ok", nil
}

func newTestHandler(t *testing.T) *Handler {
	h, _ := newTestHandlerWithLedger(t)
	return h
}

func newTestHandlerWithLedger(t *testing.T) (*Handler, *fakeLedger) {
	t.Helper()
	logger := zap.NewNop()
	engine := memory.NewEngine(newMemStore(), newMemIndex(), keywordEmbedder{}, logger)
	ledger := newFakeLedger()
	coord := scheduler.NewCoordinator(ledger, okExecutor{}, engine, nil, scheduler.Config{
		TickInterval:  time.Minute,
		MinLead:       15 * time.Minute,
		FallbackDelay: time.Hour,
	}, logger)
	return NewHandler(engine, ledger, coord, tracker.New(), SearchDefaults{}, logger), ledger
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	router := newTestHandler(t).Router()
	rec := doJSON(t, router, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestMemoryLifecycle(t *testing.T) {
	router := newTestHandler(t).Router()

	rec := doJSON(t, router, http.MethodPost, "/api/memories", map[string]any{
		"kind":    "preference",
		"content": "prefers oat milk",
		"place":   "home",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got status %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var created memory.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created entry missing id")
	}

	rec = doJSON(t, router, http.MethodGet, "/api/memories/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got status %d, want 200", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/memories/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: got status %d, want 200", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/memories/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got status %d, want 404", rec.Code)
	}
}

func TestCreateMemoryValidation(t *testing.T) {
	router := newTestHandler(t).Router()

	rec := doJSON(t, router, http.MethodPost, "/api/memories", map[string]any{"kind": "preference"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing content: got status %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/memories", map[string]any{
		"kind": "reminder", "content": "buy milk",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reminder without options: got status %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/memories", map[string]any{
		"kind": "hunch", "content": "x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind: got status %d, want 400", rec.Code)
	}
}

func TestSearchMemories(t *testing.T) {
	router := newTestHandler(t).Router()

	doJSON(t, router, http.MethodPost, "/api/memories", map[string]any{
		"kind": "preference", "content": "prefers oat milk",
	})
	doJSON(t, router, http.MethodPost, "/api/memories", map[string]any{
		"kind": "preference", "content": "dislikes loud bars",
	})

	rec := doJSON(t, router, http.MethodPost, "/api/memories/search", map[string]any{
		"query": "milk",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("search: got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var results []memory.SearchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Entry.Content != "prefers oat milk" {
		t.Errorf("got %q, want the milk preference", results[0].Entry.Content)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/memories/search", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty query: got status %d, want 400", rec.Code)
	}
}

func TestTriggerRun(t *testing.T) {
	router := newTestHandler(t).Router()

	rec := doJSON(t, router, http.MethodPost, "/api/trigger", map[string]any{
		"reason": "user message", "topic": "groceries",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202", rec.Code)
	}
}

func TestGeofenceWebhook(t *testing.T) {
	router := newTestHandler(t).Router()

	rec := doJSON(t, router, http.MethodPost, "/api/webhook/geofence", map[string]any{
		"place": "supermarket", "event": "enter",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/webhook/geofence", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing place: got status %d, want 400", rec.Code)
	}
}

func TestNextRunEmpty(t *testing.T) {
	router := newTestHandler(t).Router()

	rec := doJSON(t, router, http.MethodGet, "/api/runs/next", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404 when nothing scheduled", rec.Code)
	}
}

func TestListRunsSince(t *testing.T) {
	h, ledger := newTestHandlerWithLedger(t)
	router := h.Router()
	ctx := context.Background()

	old := scheduler.NewScheduledRun(time.Now().Add(time.Hour), "reminder", "stale")
	old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	fresh := scheduler.NewScheduledRun(time.Now().Add(time.Hour), "reminder", "fresh")
	for _, r := range []*scheduler.Run{old, fresh} {
		if err := ledger.Insert(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	cut := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	rec := doJSON(t, router, http.MethodGet, "/api/runs?since="+url.QueryEscape(cut), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var runs []*scheduler.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].Topic != "fresh" {
		t.Errorf("got topic %q, want %q", runs[0].Topic, "fresh")
	}

	rec = doJSON(t, router, http.MethodGet, "/api/runs?since=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed since: got status %d, want 400", rec.Code)
	}
}

func TestInteractionRoutes(t *testing.T) {
	router := newTestHandler(t).Router()

	rec := doJSON(t, router, http.MethodPost, "/api/interactions", map[string]any{
		"messages": []map[string]any{
			{"type": "user", "text": "remind me to buy milk"},
			{"type": "tool_call", "tool": "save_memory", "args": "buy milk"},
			{"type": "tool_result", "tool": "save_memory", "result": "saved"},
			{"type": "system", "text": "reminder stored"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record: got status %d, want 201: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/interactions/interaction_1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got status %d, want 200", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/interactions", map[string]any{
		"messages": []map[string]any{{"type": "telepathy", "text": "??"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown type: got status %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/interactions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: got status %d, want 200", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/interactions/interaction_1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after clear: got status %d, want 404", rec.Code)
	}
}
