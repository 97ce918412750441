package internal

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	_defaultSearchResults = 20
	_maxSearchResults     = 40
)

// handler carries the service dependencies for the HTTP surface.
type handler struct {
	engine    *Engine
	pipelines *Pipelines
	registry  *Registry
	limiter   *RateLimiter
	limits    PipelineLimits
}

// NewHandler assembles the public router: search endpoints with request
// coalescing, pipeline submissions behind the rate limiter, job state and
// token refresh, the progress WebSocket, and health/metrics.
func NewHandler(
	engine *Engine,
	pipelines *Pipelines,
	registry *Registry,
	limiter *RateLimiter,
	promReg *prometheus.Registry,
	limits PipelineLimits,
) http.Handler {
	h := &handler{
		engine:    engine,
		pipelines: pipelines,
		registry:  registry,
		limiter:   limiter,
		limits:    limits.withDefaults(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if promReg != nil {
		r.Use(func(next http.Handler) http.Handler { return instrument(promReg, next) })
	}

	// Zero TTL: concurrent identical GETs collapse into one execution but
	// nothing is reused afterwards. Response reuse belongs to the cache
	// tiers, which know about freshness and quality. The key func must
	// include the query string, which stampede's default key omits.
	coalesced := stampede.HandlerWithKey(512, 0, func(r *http.Request) uint64 {
		return stampede.StringToHash(r.Method, strings.ToLower(r.URL.RequestURI()))
	})
	r.With(coalesced).Get("/v1/search/title", h.searchTitle)
	r.With(coalesced).Get("/v1/search/isbn", h.searchISBN)
	r.With(coalesced).Get("/v1/search/advanced", h.searchAdvanced)

	r.With(h.rateLimited).Post("/v1/enrichment/batch", h.enrichmentBatch)
	r.With(h.rateLimited).Post("/api/scan-bookshelf", h.scanBookshelf)
	r.With(h.rateLimited).Post("/api/scan-bookshelf/batch", h.scanBookshelfBatch)
	r.With(h.rateLimited).Post("/api/import/csv-gemini", h.importCSV)

	r.Post("/api/token/refresh", h.tokenRefresh)
	r.Get("/api/job-state/{jobID}", h.jobState)
	r.Get("/ws/progress", ServeProgressWS(registry))
	r.Get("/health", h.health)

	if promReg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}
	return r
}

// rateLimited gates pipeline submissions per client IP. The limiter is
// fail-open, so a decision is always available.
func (h *handler) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := h.limiter.CheckAndIncrement(clientIP(r))
		if !decision.Allowed {
			respondErr(w, r, errRateLimited(decision.RetryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (h *handler) searchTitle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query().Get("q")
	max := queryInt(r, "maxResults", _defaultSearchResults, 1, _maxSearchResults)

	resp, cached, err := h.engine.SearchByTitle(r.Context(), q, max)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, resp, searchMeta(start, resp, cached))
}

func (h *handler) searchISBN(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	resp, cached, err := h.engine.SearchByISBN(r.Context(), r.URL.Query().Get("isbn"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, resp, searchMeta(start, resp, cached))
}

func (h *handler) searchAdvanced(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := EnrichRequest{
		Title:  strings.TrimSpace(r.URL.Query().Get("title")),
		Author: strings.TrimSpace(r.URL.Query().Get("author")),
	}
	if req.Title == "" && req.Author == "" {
		respondErr(w, r, errValidation("MISSING_QUERY", "title or author is required"))
		return
	}
	max := queryInt(r, "maxResults", _defaultSearchResults, 1, _maxSearchResults)

	resp, cached, err := h.engine.EnrichMany(r.Context(), req, max)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, resp, searchMeta(start, resp, cached))
}

func (h *handler) enrichmentBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Books []EnrichRequest `json:"books"`
	}
	if err := decodeJSON(w, r, 4<<20, &body); err != nil {
		respondErr(w, r, err)
		return
	}

	ticket, err := h.pipelines.StartBatchEnrichment(r.Context(), body.Books)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, http.StatusAccepted, ticket, apiMetadata{})
}

func (h *handler) scanBookshelf(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		respondErr(w, r, errValidation("UNSUPPORTED_MEDIA_TYPE", "scan uploads must be image/*"))
		return
	}
	image, err := readBody(w, r, h.limits.MaxImageBytes+1)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	ticket, err := h.pipelines.StartShelfScan(r.Context(), image)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, http.StatusAccepted, ticket, apiMetadata{})
}

func (h *handler) scanBookshelfBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Images []BatchImage `json:"images"`
	}
	// Base64 inflates each photo by a third, so the read cap is sized for
	// a full complement of photos rather than a single image.
	maxBody := (h.limits.MaxImageBytes*4/3 + 1024) * int64(h.limits.MaxBatchPhotos)
	if err := decodeJSON(w, r, maxBody, &body); err != nil {
		respondErr(w, r, err)
		return
	}

	ticket, err := h.pipelines.StartBatchShelfScan(r.Context(), body.Images)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, http.StatusAccepted, ticket, apiMetadata{})
}

func (h *handler) importCSV(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r, h.limits.MaxCSVBytes+1)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	ticket, err := h.pipelines.StartCSVImport(r.Context(), raw)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, http.StatusAccepted, ticket, apiMetadata{})
}

func (h *handler) tokenRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID string `json:"jobId"`
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, 1<<20, &body); err != nil {
		respondErr(w, r, err)
		return
	}
	if body.JobID == "" || body.Token == "" {
		respondErr(w, r, errValidation("MISSING_FIELDS", "jobId and token are required"))
		return
	}

	coordinator, ok := h.registry.Get(body.JobID)
	if !ok {
		respondErr(w, r, errJobNotFound(body.JobID))
		return
	}
	token, expires, err := coordinator.RefreshAuthToken(r.Context(), body.Token)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expires.UTC(),
	}, apiMetadata{})
}

// jobStateDTO is the reconnect snapshot. The auth token and staged pipeline
// input never leave the server on this endpoint.
type jobStateDTO struct {
	JobID           string    `json:"jobId"`
	Pipeline        Pipeline  `json:"pipeline"`
	Status          JobStatus `json:"status"`
	Total           int       `json:"total"`
	Processed       int       `json:"processed"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Photos          []Photo   `json:"photos,omitempty"`
	TotalBooksFound int       `json:"total_books_found,omitempty"`
	Result          any       `json:"result,omitempty"`
}

func (h *handler) jobState(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	state, err := h.registry.Snapshot(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, errNotFound) {
			err = errJobNotFound(jobID)
		}
		respondErr(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, jobStateDTO{
		JobID:           state.ID,
		Pipeline:        state.Pipeline,
		Status:          state.Status,
		Total:           state.Total,
		Processed:       state.Processed,
		Version:         state.Version,
		CreatedAt:       state.CreatedAt,
		UpdatedAt:       state.UpdatedAt,
		Photos:          state.Photos,
		TotalBooksFound: state.TotalBooksFound,
		Result:          state.Result,
	}, apiMetadata{})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	respondData(w, r, http.StatusOK, map[string]any{
		"status": "ok",
		"endpoints": []string{
			"GET /v1/search/title",
			"GET /v1/search/isbn",
			"GET /v1/search/advanced",
			"POST /v1/enrichment/batch",
			"POST /api/scan-bookshelf",
			"POST /api/scan-bookshelf/batch",
			"POST /api/import/csv-gemini",
			"POST /api/token/refresh",
			"GET /api/job-state/{jobId}",
			"GET /ws/progress",
		},
	}, apiMetadata{})
}

// searchMeta builds response metadata for a search hit.
func searchMeta(start time.Time, resp *ProviderResponse, cached bool) apiMetadata {
	elapsed := time.Since(start).Milliseconds()
	return apiMetadata{
		ProcessingTime: &elapsed,
		Provider:       resp.Meta.Provider,
		Cached:         &cached,
	}
}

// readBody reads up to max bytes and maps an oversized body to 413. The
// pipeline layer re-checks its own caps; this keeps unbounded uploads from
// ever buffering in memory.
func readBody(w http.ResponseWriter, r *http.Request, max int64) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, max))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, errTooLarge("PAYLOAD_TOO_LARGE", "request body exceeds the size limit")
		}
		return nil, errValidation("UNREADABLE_BODY", "could not read request body")
	}
	return raw, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, max int64, into any) error {
	raw, err := readBody(w, r, max)
	if err != nil {
		return err
	}
	if err := sonic.ConfigStd.Unmarshal(raw, into); err != nil {
		return errValidation("MALFORMED_JSON", "request body is not valid JSON")
	}
	return nil
}

func queryInt(r *http.Request, param string, def, min, max int) int {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
