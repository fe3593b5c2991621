package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nagare-ai/tansa/internal/engine"
	"github.com/nagare-ai/tansa/internal/index"
	"github.com/nagare-ai/tansa/internal/model"
	"github.com/nagare-ai/tansa/internal/progress"
	"github.com/nagare-ai/tansa/internal/storage"
	"github.com/nagare-ai/tansa/internal/websearch"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              *engine.Engine
	publisher           *progress.Publisher
	db                  *storage.DB
	learningIndex       *index.LearningIndex
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): DB, LearningIndex.
type HandlersDeps struct {
	Engine              *engine.Engine
	Publisher           *progress.Publisher
	DB                  *storage.DB
	LearningIndex       *index.LearningIndex
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		engine:              d.Engine,
		publisher:           d.Publisher,
		db:                  d.DB,
		learningIndex:       d.LearningIndex,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleSubmitResearch handles POST /v1/research. The response returns
// immediately with the pending run; research proceeds in the background.
func (h *Handlers) HandleSubmitResearch(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	defaultModel, defaultProvider := h.engine.DefaultParameters()
	run, err := h.engine.Submit(req.Query, req.Parameters(defaultModel, defaultProvider))
	if err != nil {
		if errors.Is(err, engine.ErrInvalidParameters) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.logger.Error("submit research failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to start research")
		return
	}

	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleGetResearch handles GET /v1/research/{id}. Live runs come from
// the engine; with persistence configured, runs from earlier process
// lifetimes are served from the database.
func (h *Handlers) HandleGetResearch(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}

	if run, found := h.engine.Snapshot(id); found {
		writeJSON(w, r, http.StatusOK, run)
		return
	}

	run, ok := h.archivedRun(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// archivedRun loads a run from the database after the engine has
// evicted it (or after a restart). Writes the error response itself;
// the caller proceeds only when ok is true.
func (h *Handlers) archivedRun(w http.ResponseWriter, r *http.Request, id uuid.UUID) (model.ResearchRun, bool) {
	if h.db == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "research run not found")
		return model.ResearchRun{}, false
	}
	run, err := h.db.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "research run not found")
		} else {
			h.logger.Error("load archived research failed", "run_id", id, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load research run")
		}
		return model.ResearchRun{}, false
	}
	return run, true
}

// HandleListResearch handles GET /v1/research.
func (h *Handlers) HandleListResearch(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	if h.db != nil {
		runs, total, err := h.db.ListRuns(r.Context(), limit, offset)
		if err != nil {
			h.logger.Error("list research failed", "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list research runs")
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{"runs": runs, "total": total})
		return
	}

	runs := h.engine.Runs()
	total := len(runs)
	if offset > len(runs) {
		offset = len(runs)
	}
	runs = runs[offset:]
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"runs": runs, "total": total})
}

// HandleCancelResearch handles DELETE /v1/research/{id}. Cancellation
// is observed at the next round boundary; cancelling a terminal run is
// a no-op.
func (h *Handlers) HandleCancelResearch(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}

	if err := h.engine.Cancel(id); err != nil {
		if errors.Is(err, engine.ErrUnknownRun) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "research run not found")
			return
		}
		h.logger.Error("cancel research failed", "run_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to cancel research run")
		return
	}

	run, _ := h.engine.Snapshot(id)
	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleResearchEvents handles GET /v1/research/{id}/events. The
// "after" query parameter is a sequence-number cursor; clients poll
// with the last sequence number they have seen. Runs no longer held in
// memory are served from the persisted event log.
func (h *Handlers) HandleResearchEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}
	after := int64(queryInt(r, "after", 0))

	if _, found := h.engine.Snapshot(id); found {
		writeJSON(w, r, http.StatusOK, map[string]any{
			"events":   h.publisher.ReadFrom(id, after),
			"finished": h.publisher.Closed(id),
		})
		return
	}

	run, ok := h.archivedRun(w, r, id)
	if !ok {
		return
	}
	events, err := h.db.EventsByRun(r.Context(), id, after, 0)
	if err != nil {
		h.logger.Error("load archived events failed", "run_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load events")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"events":   events,
		"finished": run.Status.Terminal(),
	})
}

// HandleModels handles GET /v1/models: the configured model catalog,
// keyed by provider.
func (h *Handlers) HandleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"models": h.engine.ModelCatalog()})
}

// HandleSearchProviders handles GET /v1/search-providers.
func (h *Handlers) HandleSearchProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"providers": websearch.Catalog()})
}

// HandleLearningsSearch handles GET /v1/learnings/search: semantic
// search over every learning from every indexed run.
func (h *Handlers) HandleLearningsSearch(w http.ResponseWriter, r *http.Request) {
	if h.learningIndex == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"learning index not configured")
		return
	}

	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query parameter q is required")
		return
	}
	limit := queryInt(r, "limit", 10)
	if limit > 100 {
		limit = 100
	}

	hits, err := h.learningIndex.Search(r.Context(), q, limit)
	if err != nil {
		h.logger.Error("learnings search failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "search failed")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"hits": hits})
}

// healthResponse is the GET /healthz body.
type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant"`
	Uptime   int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "disabled",
		Qdrant:   "disabled",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			resp.Postgres = "disconnected"
			resp.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			resp.Postgres = "connected"
		}
	}

	if h.learningIndex != nil {
		if err := h.learningIndex.Healthy(r.Context()); err != nil {
			resp.Qdrant = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		} else {
			resp.Qdrant = "connected"
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return uuid.UUID{}, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return defaultVal
}
