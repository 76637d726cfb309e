package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/yume/internal/memory"
	"github.com/nidhogg/yume/internal/scheduler"
	"github.com/nidhogg/yume/internal/tracker"
	"go.uber.org/zap"
)

// SearchDefaults is applied to search requests that omit a threshold or
// limit. Zero values fall through to the engine's own defaults.
type SearchDefaults struct {
	MinScore   float32
	MaxResults int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine      *memory.Engine
	ledger      scheduler.Ledger
	coordinator *scheduler.Coordinator
	tracker     *tracker.Tracker
	search      SearchDefaults
	logger      *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	engine *memory.Engine,
	ledger scheduler.Ledger,
	coordinator *scheduler.Coordinator,
	tr *tracker.Tracker,
	search SearchDefaults,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		engine:      engine,
		ledger:      ledger,
		coordinator: coordinator,
		tracker:     tr,
		search:      search,
		logger:      logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Memory routes
		r.Get("/memories", h.listMemories)
		r.Post("/memories", h.createMemory)
		r.Delete("/memories", h.clearMemories)
		r.Post("/memories/search", h.searchMemories)
		r.Post("/memories/rebuild", h.rebuildIndex)
		r.Get("/memories/{id}", h.getMemory)
		r.Delete("/memories/{id}", h.deleteMemory)

		// Run ledger routes
		r.Get("/runs", h.listRuns)
		r.Get("/runs/failed", h.listFailedRuns)
		r.Get("/runs/next", h.nextRun)
		r.Get("/runs/{id}", h.getRun)
		r.Post("/trigger", h.triggerRun)
		r.Post("/webhook/geofence", h.geofenceWebhook)

		// Interaction routes
		r.Get("/interactions", h.listInteractions)
		r.Post("/interactions", h.recordInteraction)
		r.Delete("/interactions", h.clearInteractions)
		r.Get("/interactions/{id}", h.getInteraction)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createMemoryRequest struct {
	Kind       memory.Kind             `json:"kind"`
	Content    string                  `json:"content"`
	Place      string                  `json:"place"`
	ObservedAt *time.Time              `json:"observed_at,omitempty"`
	Reminder   *memory.ReminderOptions `json:"reminder,omitempty"`
}

func (h *Handler) createMemory(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}

	var entry *memory.Entry
	switch req.Kind {
	case memory.KindPreference, "":
		entry = memory.NewPreference(req.Content, req.Place)
	case memory.KindObservation:
		observedAt := time.Now().UTC()
		if req.ObservedAt != nil {
			observedAt = *req.ObservedAt
		}
		entry = memory.NewObservation(req.Content, req.Place, observedAt)
	case memory.KindReminder:
		if req.Reminder == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reminder options are required"})
			return
		}
		entry = memory.NewReminder(req.Content, req.Place, *req.Reminder)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown kind: " + string(req.Kind)})
		return
	}

	saved, err := h.engine.Save(r.Context(), entry)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.replanAsync()
	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.FindAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []*memory.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := h.engine.FindByID(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory not found"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) deleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.DeleteByID(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.replanAsync()
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) clearMemories(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Clear(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.replanAsync()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type searchRequest struct {
	Query      string  `json:"query"`
	MinScore   float32 `json:"min_score"`
	MaxResults int     `json:"max_results"`
}

func (h *Handler) searchMemories(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	if req.MinScore <= 0 {
		req.MinScore = h.search.MinScore
	}
	if req.MaxResults <= 0 {
		req.MaxResults = h.search.MaxResults
	}

	results, err := h.engine.Search(r.Context(), req.Query, req.MinScore, req.MaxResults)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) rebuildIndex(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RebuildIndex(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		runs, err := h.ledger.CreatedSince(r.Context(), since)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if runs == nil {
			runs = []*scheduler.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
		return
	}

	if topic := r.URL.Query().Get("topic"); topic != "" {
		runs, err := h.ledger.ByTopic(r.Context(), topic, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if runs == nil {
			runs = []*scheduler.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
		return
	}

	var statuses []scheduler.Status
	if s := r.URL.Query().Get("status"); s != "" {
		statuses = append(statuses, scheduler.Status(s))
	}

	runs, err := h.ledger.Recent(r.Context(), limit, statuses...)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []*scheduler.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) listFailedRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.ledger.Failed(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []*scheduler.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) nextRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.ledger.LatestScheduled(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run scheduled"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type triggerRequest struct {
	Reason string `json:"reason"`
	Topic  string `json:"topic"`
}

func (h *Handler) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual trigger"
	}

	launched := h.coordinator.TriggerRun(req.Reason, req.Topic)
	status := "launched"
	if !launched {
		status = "coalesced"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

type geofenceRequest struct {
	Place string `json:"place"`
	Event string `json:"event"` // "enter" or "exit"
}

func (h *Handler) geofenceWebhook(w http.ResponseWriter, r *http.Request) {
	var req geofenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Place == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "place is required"})
		return
	}
	event := req.Event
	if event == "" {
		event = "enter"
	}

	h.tracker.Record([]tracker.Message{
		tracker.SystemMessage{Text: "geofence " + event + ": " + req.Place},
	})
	launched := h.coordinator.TriggerRun("geofence "+event, req.Place)
	status := "launched"
	if !launched {
		status = "coalesced"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

// wireMessage is the JSON shape of one interaction turn.
type wireMessage struct {
	Type   string `json:"type"` // user, system, tool_call, tool_result
	Text   string `json:"text,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Args   string `json:"args,omitempty"`
	Result string `json:"result,omitempty"`
}

type recordInteractionRequest struct {
	Messages []wireMessage `json:"messages"`
}

func (h *Handler) recordInteraction(w http.ResponseWriter, r *http.Request) {
	var req recordInteractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages are required"})
		return
	}

	messages := make([]tracker.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Type {
		case "user":
			messages = append(messages, tracker.UserMessage{Text: m.Text})
		case "system":
			messages = append(messages, tracker.SystemMessage{Text: m.Text})
		case "tool_call":
			messages = append(messages, tracker.ToolCallMessage{Tool: m.Tool, Args: m.Args})
		case "tool_result":
			messages = append(messages, tracker.ToolResultMessage{Tool: m.Tool, Result: m.Result})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown message type: " + m.Type})
			return
		}
	}

	in := h.tracker.Record(messages)
	writeJSON(w, http.StatusCreated, in)
}

func (h *Handler) listInteractions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Recent())
}

func (h *Handler) getInteraction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	in := h.tracker.Get(id)
	if in == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "interaction not found"})
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handler) clearInteractions(w http.ResponseWriter, r *http.Request) {
	h.tracker.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// replanAsync recomputes the next scheduled run off the request path.
// Memory mutations change what the planner sees, so the schedule follows.
func (h *Handler) replanAsync() {
	if h.coordinator == nil {
		return
	}
	go func() {
		if err := h.coordinator.Replan(context.Background()); err != nil {
			h.logger.Error("replan after memory change", zap.Error(err))
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
