package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/queryvault/queryvault/internal/buffer"
	"github.com/queryvault/queryvault/internal/ctxutil"
	"github.com/queryvault/queryvault/internal/metrics"
	"github.com/queryvault/queryvault/internal/model"
	"github.com/queryvault/queryvault/internal/queryhash"
	"github.com/queryvault/queryvault/internal/search"
	"github.com/queryvault/queryvault/internal/service/embedding"
	"github.com/queryvault/queryvault/internal/storage"
)

const (
	defaultMetricsLimit = 100
	maxMetricsLimit     = 1000
	defaultAnomalyLimit = 100
)

// HandlersDeps collects everything Handlers needs to serve requests.
type HandlersDeps struct {
	DB                  *storage.DB
	StorageRing         *buffer.Ring[model.QueryMetric]
	LiveRing            *buffer.Ring[model.QueryMetric]
	Live                *LiveChannel
	Searcher            search.Searcher
	Embedder            embedding.Provider
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// Handlers implements every HTTP route QueryVault exposes.
type Handlers struct {
	db                  *storage.DB
	storageRing         *buffer.Ring[model.QueryMetric]
	liveRing            *buffer.Ring[model.QueryMetric]
	live                *LiveChannel
	searcher            search.Searcher
	embedder            embedding.Provider
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
}

// NewHandlers builds a Handlers from its dependencies.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:                  deps.DB,
		storageRing:         deps.StorageRing,
		liveRing:            deps.LiveRing,
		live:                deps.Live,
		searcher:            deps.Searcher,
		embedder:            deps.Embedder,
		logger:              deps.Logger,
		version:             deps.Version,
		maxRequestBodyBytes: deps.MaxRequestBodyBytes,
	}
}

// ingestRequest is the POST /api/v1/metrics/ingest body.
type ingestRequest struct {
	Metrics []model.QueryMetric `json:"metrics"`
}

type ingestResponse struct {
	Ingested int `json:"ingested"`
	Dropped  int `json:"dropped"`
}

// HandleIngest accepts a batch of query metrics, stamps server-assigned
// fields, and pushes a clone of each onto both staging rings: one feeds the
// flush worker, the other the broadcast worker, so a slow or full live
// consumer can never hold up durable storage. A metric dropped from either
// ring is not retried; ingested/dropped counts reflect the storage ring,
// since durability is the stronger guarantee the response promises.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	workspaceID := ctxutil.WorkspaceIDFromContext(r.Context())

	var req ingestRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	now := time.Now().UTC()
	var ingested, dropped int
	for _, m := range req.Metrics {
		m.WorkspaceID = workspaceID
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		if m.QueryTextHash == "" {
			m.QueryTextHash = queryhash.Hash(m.QueryText)
		}
		m.IngestedAt = now

		if err := h.storageRing.TryPush(m); err != nil {
			dropped++
			continue
		}
		ingested++

		if err := h.liveRing.TryPush(m); err != nil {
			metrics.DroppedTotal.WithLabelValues("live").Inc()
		}
	}

	metrics.IngestedTotal.Add(float64(ingested))
	if dropped > 0 {
		metrics.DroppedTotal.WithLabelValues("storage").Add(float64(dropped))
		h.logger.Warn("ingest: dropped metrics, storage ring full", "dropped", dropped, "workspace_id", workspaceID)
	}

	writeJSON(w, r, http.StatusAccepted, ingestResponse{Ingested: ingested, Dropped: dropped})
}

type listMetricsResponse struct {
	WorkspaceID uuid.UUID           `json:"workspace_id"`
	Count       int                 `json:"count"`
	Metrics     []model.QueryMetric `json:"metrics"`
}

// HandleListMetrics returns the most recent metrics for a workspace.
func (h *Handlers) HandleListMetrics(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := pathWorkspaceID(w, r)
	if !ok {
		return
	}

	limit := defaultMetricsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxMetricsLimit {
		limit = maxMetricsLimit
	}

	rows, err := h.db.RecentMetrics(r.Context(), workspaceID, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list metrics", err)
		return
	}

	writeJSON(w, r, http.StatusOK, listMetricsResponse{WorkspaceID: workspaceID, Count: len(rows), Metrics: rows})
}

type aggregationsResponse struct {
	WorkspaceID uuid.UUID               `json:"workspace_id"`
	Window      model.AggregationWindow `json:"window"`
	From        time.Time               `json:"from"`
	To          time.Time               `json:"to"`
	Buckets     []model.AggregatedMetric `json:"buckets"`
}

// HandleAggregations returns continuous-aggregate buckets for a workspace
// over [from, to], defaulting to the last hour at 1-minute resolution.
func (h *Handlers) HandleAggregations(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := pathWorkspaceID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	windowRaw := q.Get("window")
	if windowRaw == "" {
		windowRaw = string(model.Window1m)
	}
	window, _, err := storage.ParseWindow(windowRaw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	from := now.Add(-1 * time.Hour)
	to := now
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		to = t
	}
	if !from.Before(to) {
		writeError(w, r, http.StatusBadRequest, "from must be before to")
		return
	}

	var serviceID *uuid.UUID
	if raw := q.Get("service_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "service_id must be a UUID")
			return
		}
		serviceID = &id
	}

	buckets, err := h.db.Aggregations(r.Context(), workspaceID, serviceID, window, from, to)
	if err != nil {
		h.writeInternalError(w, r, "failed to query aggregations", err)
		return
	}

	writeJSON(w, r, http.StatusOK, aggregationsResponse{
		WorkspaceID: workspaceID,
		Window:      window,
		From:        from,
		To:          to,
		Buckets:     buckets,
	})
}

// defaultSimilarityThreshold is applied when a search request omits
// threshold, matching the documented default of 0.85.
const defaultSimilarityThreshold = 0.85

type searchSimilarRequest struct {
	Query     string   `json:"query"`
	Limit     int      `json:"limit"`
	Threshold *float32 `json:"threshold"`
}

type similarMatch struct {
	ID         string  `json:"id"`
	SQLQuery   string  `json:"sql_query"`
	Similarity float32 `json:"similarity"`
}

type searchSimilarResponse struct {
	Query   string         `json:"query"`
	Results []similarMatch `json:"results"`
}

// HandleSearchSimilar embeds the request's query text and returns the most
// similar previously seen queries in the workspace. Requires an embedder to
// be configured; without one, semantic search cannot be served.
func (h *Handlers) HandleSearchSimilar(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := pathWorkspaceID(w, r)
	if !ok {
		return
	}

	if h.embedder == nil || h.searcher == nil {
		writeError(w, r, http.StatusInternalServerError, "similarity search is not configured")
		return
	}

	var req searchSimilarRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, "query is required")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	threshold := float32(defaultSimilarityThreshold)
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	vec, err := h.embedder.Embed(r.Context(), req.Query)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "similarity search is not configured")
		return
	}
	unit := embedding.Normalize(vec)

	results, err := h.searcher.SearchSimilar(r.Context(), workspaceID, unit, limit, threshold)
	if err != nil {
		h.writeInternalError(w, r, "failed to search similar queries", err)
		return
	}

	matches := make([]similarMatch, len(results))
	for i, res := range results {
		matches[i] = similarMatch{ID: res.QueryTextHash, SQLQuery: res.QueryText, Similarity: res.Score}
	}

	writeJSON(w, r, http.StatusOK, searchSimilarResponse{Query: req.Query, Results: matches})
}

type anomaliesResponse struct {
	WorkspaceID uuid.UUID            `json:"workspace_id"`
	Count       int                  `json:"count"`
	Anomalies   []model.QueryAnomaly `json:"anomalies"`
}

// HandleAnomalies returns the most recent detected anomalies for a workspace.
func (h *Handlers) HandleAnomalies(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := pathWorkspaceID(w, r)
	if !ok {
		return
	}

	rows, err := h.db.ListAnomalies(r.Context(), workspaceID, defaultAnomalyLimit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list anomalies", err)
		return
	}

	writeJSON(w, r, http.StatusOK, anomaliesResponse{WorkspaceID: workspaceID, Count: len(rows), Anomalies: rows})
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// HandleHealth is an unauthenticated liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok", Version: h.version})
}

type readyResponse struct {
	Status string          `json:"status"`
	Checks map[string]bool `json:"checks"`
}

// HandleReady is an unauthenticated readiness probe checking the database,
// the staging buffers, and whether an embedding service is configured.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := h.db.Ping(ctx) == nil
	bufferOK := h.storageRing != nil && h.liveRing != nil
	embeddingOK := h.embedder != nil

	checks := map[string]bool{
		"database":          dbOK,
		"buffer":            bufferOK,
		"embedding_service": embeddingOK,
	}

	status := http.StatusOK
	body := "ready"
	if !dbOK || !bufferOK {
		status = http.StatusServiceUnavailable
		body = "not ready"
	}

	writeJSON(w, r, status, readyResponse{Status: body, Checks: checks})
}

// pathWorkspaceID parses the {id} path parameter as a UUID and checks it
// against the authenticated workspace from the bearer key, writing the
// appropriate error response and returning ok=false on any failure. A key
// only ever authorizes its own workspace's data.
func pathWorkspaceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid workspace id")
		return uuid.Nil, false
	}
	if authenticated := ctxutil.WorkspaceIDFromContext(r.Context()); authenticated != id {
		writeError(w, r, http.StatusUnauthorized, "API key does not authorize this workspace")
		return uuid.Nil, false
	}
	return id, true
}
