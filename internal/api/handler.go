package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/chainmirror/internal/contentstore"
	"github.com/nidhogg/chainmirror/internal/memory"
	"github.com/nidhogg/chainmirror/internal/metrics"
	"github.com/nidhogg/chainmirror/internal/orchestrator"
	"github.com/nidhogg/chainmirror/internal/rag"
	"github.com/nidhogg/chainmirror/internal/resurrection"
	"github.com/nidhogg/chainmirror/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 10
	maxSearchLimit  = 50
	healthTimeout   = 3 * time.Second
)

// RecordReader is the read side of the record store.
type RecordReader interface {
	Get(ctx context.Context, cid string) (*memory.Record, error)
	ListPage(ctx context.Context, agent string, page, limit int) ([]*memory.Record, int, error)
	Ping(ctx context.Context) error
}

// Syncer is the coordinator surface the API drives. It is nil on followers.
type Syncer interface {
	Lookup(ctx context.Context, cid string) (*memory.Record, error)
	Sync(ctx context.Context, agent string) (string, error)
	Status() []orchestrator.Status
}

// LineageReader answers ancestry queries.
type LineageReader interface {
	Ancestry(ctx context.Context, cid string, depth int) ([]memory.LineageNode, error)
}

// Searcher answers semantic queries over indexed records.
type Searcher interface {
	Search(ctx context.Context, agent, query string, topK int) ([]rag.Hit, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	records RecordReader
	syncer  Syncer
	live    http.Handler
	lineage LineageReader
	search  Searcher
	logger  *zap.Logger
}

// NewHandler creates a new API handler. syncer and live may be nil.
func NewHandler(records RecordReader, syncer Syncer, live http.Handler, logger *zap.Logger) *Handler {
	return &Handler{
		records: records,
		syncer:  syncer,
		live:    live,
		logger:  logger,
	}
}

// SetLineage enables the lineage route.
func (h *Handler) SetLineage(l LineageReader) { h.lineage = l }

// SetSearcher enables the search route.
func (h *Handler) SetSearcher(s Searcher) { h.search = s }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(countRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/memories", h.listMemories)
		r.Get("/memories/{cid}", h.getMemory)
		r.Get("/memories/{cid}/lineage", h.getLineage)
		r.Get("/search", h.searchMemories)

		r.Get("/sync/status", h.syncStatus)
		r.Post("/sync/{agent}", h.triggerSync)

		if h.live != nil {
			r.Handle("/ws", h.live)
		}
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// countRequests records every request under its route pattern.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	body := map[string]interface{}{"status": "ok", "leader": h.syncer != nil}
	if err := h.records.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["store"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

type listResponse struct {
	Data       []*memory.Record `json:"data"`
	Pagination pagination       `json:"pagination"`
}

func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	limit, err := intParam(q.Get("limit"), defaultPageSize)
	if err != nil || limit < 1 || limit > store.MaxPageSize {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(store.MaxPageSize))
		return
	}

	recs, total, err := h.records.ListPage(r.Context(), q.Get("agent"), page, limit)
	if err != nil {
		h.logger.Error("list memories failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list memories")
		return
	}
	if recs == nil {
		recs = []*memory.Record{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data: recs,
		Pagination: pagination{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: (total + limit - 1) / limit,
		},
	})
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	cid, ok := cidParam(w, r)
	if !ok {
		return
	}

	var (
		rec *memory.Record
		err error
	)
	if h.syncer != nil {
		rec, err = h.syncer.Lookup(r.Context(), cid)
	} else {
		rec, err = h.records.Get(r.Context(), cid)
	}

	switch {
	case err == nil && rec != nil:
		writeJSON(w, http.StatusOK, rec)
	case err == nil, contentstore.IsNotFound(err):
		writeError(w, http.StatusNotFound, "memory not found")
	case errors.Is(err, resurrection.ErrPersistence):
		h.logger.Error("persist looked-up memory failed", zap.String("cid", cid), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store memory")
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		h.logger.Warn("memory lookup failed", zap.String("cid", cid), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) getLineage(w http.ResponseWriter, r *http.Request) {
	if h.lineage == nil {
		writeError(w, http.StatusServiceUnavailable, "lineage store not configured")
		return
	}
	cid, ok := cidParam(w, r)
	if !ok {
		return
	}
	depth, err := intParam(r.URL.Query().Get("depth"), 0)
	if err != nil || depth < 0 {
		writeError(w, http.StatusBadRequest, "depth must be a non-negative integer")
		return
	}

	nodes, err := h.lineage.Ancestry(r.Context(), cid, depth)
	if err != nil {
		h.logger.Error("lineage query failed", zap.String("cid", cid), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lineage query failed")
		return
	}
	if nodes == nil {
		nodes = []memory.LineageNode{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cid": cid, "ancestors": nodes})
}

func (h *Handler) searchMemories(w http.ResponseWriter, r *http.Request) {
	if h.search == nil {
		writeError(w, http.StatusServiceUnavailable, "semantic search not configured")
		return
	}
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := intParam(q.Get("limit"), defaultPageSize)
	if err != nil || limit < 1 || limit > maxSearchLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxSearchLimit))
		return
	}

	hits, err := h.search.Search(r.Context(), q.Get("agent"), query, limit)
	if err != nil {
		h.logger.Error("search failed", zap.String("query", query), zap.Error(err))
		writeError(w, http.StatusBadGateway, "search failed")
		return
	}
	if hits == nil {
		hits = []rag.Hit{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"query": query, "data": hits})
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync runs on the leader only")
		return
	}
	writeJSON(w, http.StatusOK, h.syncer.Status())
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync runs on the leader only")
		return
	}
	agent := chi.URLParam(r, "agent")
	head, err := h.syncer.Sync(r.Context(), agent)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, orchestrator.ErrUnknownAgent) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"agent":  agent,
		"head":   head,
		"status": "sync scheduled",
	})
}

func cidParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	cid := memory.NormalizeCID(chi.URLParam(r, "cid"))
	if err := memory.ValidateCID(cid); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return cid, true
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
