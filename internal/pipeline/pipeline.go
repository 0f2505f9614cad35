// Package pipeline implements the Pipeline Entry (spec §4.13, C13):
// request ID assignment, origin matching, option/IMQuery resolution,
// invoking the Cache Orchestrator, and building the final response
// with breadcrumbs, debug headers, and Cache-Control — the HTTP-facing
// counterpart to the teacher's internal/proxy.Handler.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vflow/videogate/internal/bgexec"
	"github.com/vflow/videogate/internal/config"
	vferrors "github.com/vflow/videogate/internal/errors"
	"github.com/vflow/videogate/internal/imquery"
	"github.com/vflow/videogate/internal/keyutil"
	"github.com/vflow/videogate/internal/kv"
	"github.com/vflow/videogate/internal/metrics"
	"github.com/vflow/videogate/internal/options"
	"github.com/vflow/videogate/internal/orchestrator"
	"github.com/vflow/videogate/internal/rangeh"
)

const maxBreadcrumbHeaderBytes = 2048

type breadcrumbKey struct{}

// requestState is the request-scoped context the Pipeline Entry
// attaches: start time, breadcrumb list, debug flag (spec §4.13 step
// 1). It is discarded at request end and never leaks across requests.
type requestState struct {
	mu          sync.Mutex
	start       time.Time
	breadcrumbs []string
	debug       bool
	requestID   string
}

func withState(ctx context.Context, s *requestState) context.Context {
	return context.WithValue(ctx, breadcrumbKey{}, s)
}

func stateFrom(ctx context.Context) *requestState {
	s, _ := ctx.Value(breadcrumbKey{}).(*requestState)
	return s
}

// Breadcrumb appends msg to the request-scoped breadcrumb trail, a
// no-op if ctx carries no requestState (e.g. in unit tests calling
// internal functions directly).
func Breadcrumb(ctx context.Context, msg string) {
	s := stateFrom(ctx)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breadcrumbs = append(s.breadcrumbs, msg)
}

// Handler is the top-level HTTP entry point.
type Handler struct {
	Config       func() *config.Config
	Orchestrator *orchestrator.Orchestrator
	IMQuery      *imquery.Resolver
	Executor     *bgexec.Executor
	Health       HealthChecker
	AdminEnabled bool
}

// HealthChecker reports reachability of the gateway's backing stores
// for the enhanced /healthz endpoint (SUPPLEMENTED FEATURES).
type HealthChecker interface {
	CheckKV(ctx context.Context) error
	CheckVersionStore(ctx context.Context) error
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/healthz":
		h.serveHealthz(w, r)
		return
	case r.URL.Path == "/metrics":
		promhttp.Handler().ServeHTTP(w, r)
		return
	case r.URL.Path == "/admin/variants" && h.AdminEnabled:
		h.serveAdminVariants(w, r)
		return
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		metrics.RequestDuration.WithLabelValues(strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	}()
	w = rec

	requestID := uuid.NewString()
	state := &requestState{start: time.Now(), requestID: requestID, debug: r.URL.Query().Has("debug")}
	ctx := withState(r.Context(), state)
	if h.Executor != nil {
		ctx = bgexec.WithExecutor(ctx, h.Executor)
	}
	log := slog.Default().With("requestId", requestID)

	cfg := h.Config()
	if cfg == nil {
		writeTypedError(w, vferrors.New(vferrors.KindKvStoreFailed, "configuration not loaded"), requestID)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	origin, captures, ok := cfg.MatchOrigin(path)
	if !ok {
		writeTypedError(w, vferrors.New(vferrors.KindNotFound, "no origin matches path"), requestID)
		return
	}
	Breadcrumb(ctx, "matched origin "+origin.Name)

	imqParams := imquery.Parse(r.URL.Query())
	imqResult := h.IMQuery.Resolve(cfg, imqParams)

	derivativeName := r.URL.Query().Get("derivative")
	if imqResult.Matched {
		derivativeName = imqResult.Derivative
	}

	opts, warnings := options.Resolve(cfg, origin, r.URL.Query(), derivativeName)
	for _, warning := range warnings {
		log.Debug("option resolution warning", "warning", warning)
	}
	if imqResult.Matched {
		opts.MappedFromIMQuery = true
		opts.RequestedWidth = imqResult.RequestedWidth
		opts.RequestedHeight = imqResult.RequestedHeight
	}
	Breadcrumb(ctx, fmt.Sprintf("resolved options mode=%s derivative=%s", opts.Mode, opts.Derivative))

	if orchestrator.ShouldBypass(r, cfg) {
		h.serveBypass(ctx, w, r, origin, captures, opts, requestID, state)
		return
	}

	resp, err := h.Orchestrator.Serve(ctx, orchestrator.FetchInput{
		Path:              path,
		Mode:              opts.Mode,
		Opts:              opts,
		ImqueryUsed:       imqParams.Present,
		Origin:            origin,
		Captures:          captures,
		StoreIndefinitely: cfg.File.Cache.StoreIndefinitely,
	})
	if err != nil {
		writeTypedError(w, errAsTyped(err), requestID)
		return
	}
	defer resp.Body.Close()

	h.writeResponse(w, r, resp, origin, cfg, state, requestID)
}

// serveBypass handles requests that skip the cache entirely (spec
// §4.11 bypass rules): fetch fresh via the Retry/Failover Coordinator,
// stream the result, and never schedule a store.
func (h *Handler) serveBypass(ctx context.Context, w http.ResponseWriter, r *http.Request, origin config.Origin, captures []string, opts options.TransformOptions, requestID string, state *requestState) {
	Breadcrumb(ctx, "bypassing cache")
	outcome, err := h.Orchestrator.Coordinator.Run(ctx, origin, captures, opts)
	if err != nil {
		writeTypedError(w, errAsTyped(err), requestID)
		return
	}
	defer outcome.Origin.Body.Close()
	defer outcome.Transform.Body.Close()

	for k, v := range outcome.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", outcome.Transform.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	attachDebugHeaders(w, state, requestID)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, outcome.Transform.Body); err != nil {
		slog.Debug("error streaming bypass response", "error", err)
	}
}

// writeResponse builds the final client response from an orchestrator
// result: full body, or a Range-negotiated slice of a chunked entry
// (spec §4.13 step 5).
func (h *Handler) writeResponse(w http.ResponseWriter, r *http.Request, resp *orchestrator.Response, origin config.Origin, cfg *config.Config, state *requestState, requestID string) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	if resp.FromCache {
		w.Header().Set("X-Cache-Source", "kv")
	}
	if resp.ETag != "" {
		w.Header().Set("ETag", resp.ETag)
	}
	w.Header().Set("Cache-Control", cacheControlFor(origin, cfg, http.StatusOK))
	attachDebugHeaders(w, state, requestID)

	if resp.Manifest != nil {
		w.Header().Set("Accept-Ranges", "bytes")
		if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
			if rng, ok := rangeh.Parse(rangeHeader, resp.Manifest.TotalSize); ok {
				w.Header().Set("Content-Range", rangeh.ContentRangeHeader(rng, resp.Manifest.TotalSize))
				w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
				w.WriteHeader(http.StatusPartialContent)
				if err := rangeh.Stream(r.Context(), w, &engineChunkFetcher{h.Orchestrator.Engine}, resp.Manifest, resp.ChunkKeyFor, rng); err != nil {
					slog.Debug("error streaming range response", "error", err)
				}
				return
			}
		}
		// No Range header, or unsatisfiable — fall back to a full 200
		// streaming every chunk in order (spec §4.12).
		w.WriteHeader(http.StatusOK)
		full := rangeh.Range{Start: 0, End: resp.Manifest.TotalSize - 1}
		if err := rangeh.Stream(r.Context(), w, &engineChunkFetcher{h.Orchestrator.Engine}, resp.Manifest, resp.ChunkKeyFor, full); err != nil {
			slog.Debug("error streaming full chunked response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("error streaming response body", "error", err)
	}
}

// statusRecorder captures the status code written by downstream
// handlers so ServeHTTP can label videogate_request_duration_seconds
// without every response path threading it back explicitly.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type engineChunkFetcher struct {
	engine *kv.Engine
}

func (f *engineChunkFetcher) GetChunk(ctx context.Context, key string) (io.ReadCloser, error) {
	return f.engine.GetChunk(ctx, key)
}

// attachDebugHeaders writes breadcrumb/debug headers under a bounded
// size budget (spec §4.13 step 5).
func attachDebugHeaders(w http.ResponseWriter, state *requestState, requestID string) {
	w.Header().Set("X-Request-Id", requestID)
	if state == nil || !state.debug {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	joined := strings.Join(state.breadcrumbs, " -> ")
	if len(joined) > maxBreadcrumbHeaderBytes {
		joined = joined[:maxBreadcrumbHeaderBytes]
	}
	w.Header().Set("X-Debug-Breadcrumbs", joined)
	w.Header().Set("X-Debug-Duration", time.Since(state.start).String())
}

// cacheControlFor derives the Cache-Control max-age from the origin's
// TTL config, falling back to the file-level default (spec §4.13 step
// 5, §3 Origin.ttl).
func cacheControlFor(origin config.Origin, cfg *config.Config, status int) string {
	ttl := cfg.File.Cache.TTL
	if origin.TTL != nil {
		ttl = *origin.TTL
	}
	var seconds int
	switch {
	case status >= 200 && status < 300:
		seconds = ttl.OK
	case status >= 300 && status < 400:
		seconds = ttl.Redirects
	case status >= 400 && status < 500:
		seconds = ttl.ClientError
	default:
		seconds = ttl.ServerError
	}
	if seconds <= 0 {
		return "no-store"
	}
	return "public, max-age=" + strconv.Itoa(seconds)
}

// errAsTyped coerces any error into the typed taxonomy, defaulting to
// an internal error so a raw Go error (and certainly never a stack
// trace) is never surfaced to the client (spec §4.13 step 6).
func errAsTyped(err error) *vferrors.Error {
	if verr, ok := vferrors.As(err); ok {
		return verr
	}
	return vferrors.Wrap(vferrors.KindKvStoreFailed, "unexpected internal error", err)
}

func writeTypedError(w http.ResponseWriter, err *vferrors.Error, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(err.Status)
	json.NewEncoder(w).Encode(err.ToBody(requestID))
}

func (h *Handler) serveHealthz(w http.ResponseWriter, r *http.Request) {
	if h.Health == nil {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
		return
	}
	ctx := r.Context()
	kvErr := h.Health.CheckKV(ctx)
	verErr := h.Health.CheckVersionStore(ctx)

	status := http.StatusOK
	if kvErr != nil || verErr != nil {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"kv": errString(kvErr), "versionStore": errString(verErr)}
	json.NewEncoder(w).Encode(body)
}

func errString(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

// serveAdminVariants exposes the KV Engine's diagnostic list (spec
// §4.4.3) over HTTP for operators; disabled by default
// (ADMIN_LIST_ENABLED) since it is operational, not business-facing.
func (h *Handler) serveAdminVariants(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimPrefix(r.URL.Query().Get("prefix"), "/")
	if prefix == "" {
		prefix = string(keyutil.ModeVideo) + ":"
	}
	variants, err := h.Orchestrator.Engine.List(r.Context(), prefix)
	if err != nil {
		writeTypedError(w, errAsTyped(err), "admin")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(variants)
}
