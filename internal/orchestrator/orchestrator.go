// Package orchestrator implements the Cache Orchestrator (spec §4.11,
// C11): KV-first lookup, single-flight coalescing of concurrent misses
// for the same cache key, and a background store with retry scheduled
// through the scoped background executor.
package orchestrator

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/vflow/videogate/internal/bgexec"
	"github.com/vflow/videogate/internal/config"
	vferrors "github.com/vflow/videogate/internal/errors"
	"github.com/vflow/videogate/internal/keyutil"
	"github.com/vflow/videogate/internal/kv"
	"github.com/vflow/videogate/internal/metrics"
	"github.com/vflow/videogate/internal/options"
	"github.com/vflow/videogate/internal/retry"
	"github.com/vflow/videogate/internal/version"
)

// defaultBypassParams is used when cfg.File.Cache.BypassQueryParameters
// is empty (spec §4.11 bypass rules).
var defaultBypassParams = []string{"nocache", "bypass", "debug"}

// ShouldBypass reports whether req must skip the cache entirely per
// spec §4.11: a bypass query parameter present, a non-GET/HEAD method,
// or a Cache-Control request header asking for no-store/no-cache.
func ShouldBypass(req *http.Request, cfg *config.Config) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return true
	}
	cc := strings.ToLower(req.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache") {
		return true
	}

	params := defaultBypassParams
	if cfg != nil && len(cfg.File.Cache.BypassQueryParameters) > 0 {
		params = cfg.File.Cache.BypassQueryParameters
	}
	q := req.URL.Query()
	for _, p := range params {
		if q.Has(p) {
			return true
		}
	}
	return false
}

// Response is what the orchestrator hands back to the Pipeline Entry.
type Response struct {
	Body        io.ReadCloser
	ContentType string
	ETag        string
	FromCache   bool
	Manifest    *kv.Manifest
	ChunkKeyFor func(int) string
	Headers     map[string]string
}

// Orchestrator wires the KV Engine, Version Store, and Retry/Failover
// Coordinator together behind single-flight coalescing.
type Orchestrator struct {
	Engine      *kv.Engine
	Versions    version.Store
	Coordinator *retry.Coordinator
	sf          singleflight.Group
}

// New builds an Orchestrator.
func New(engine *kv.Engine, versions version.Store, coordinator *retry.Coordinator) *Orchestrator {
	return &Orchestrator{Engine: engine, Versions: versions, Coordinator: coordinator}
}

// FetchInput bundles the resolved request identity the orchestrator
// needs for cache-key derivation, upstream fetch, and storage.
type FetchInput struct {
	Path              string
	Mode              keyutil.Mode
	Opts              options.TransformOptions
	ImqueryUsed       bool
	Origin            config.Origin
	Captures          []string
	StoreIndefinitely bool
}

// Serve implements spec §4.11 steps 1-4: KV lookup, single-flight
// coalesced miss handling, and scheduling the background store. ctx
// must carry a bgexec.Executor via bgexec.WithExecutor for the
// background write to outlive the response; if absent it runs
// synchronously before Serve returns (spec §5).
func (o *Orchestrator) Serve(ctx context.Context, in FetchInput) (*Response, error) {
	baseKey := keyutil.BaseKey(in.Mode, in.Path, in.Opts.ToKeyutilOptions())

	res, hit, err := o.Engine.Retrieve(ctx, baseKey)
	if err != nil {
		// A KV read failure is treated as a miss (spec §7).
		slog.Warn("kv read failed, treating as miss", "baseKey", baseKey, "error", err)
		hit = false
	}
	if hit {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return &Response{
			Body:        res.Body,
			ContentType: res.Meta.ContentType,
			ETag:        res.Meta.ETag,
			FromCache:   true,
			Manifest:    res.Manifest,
			ChunkKeyFor: res.ChunkKeyFor,
		}, nil
	}

	shared, err, coalesced := o.sf.Do(baseKey, func() (interface{}, error) {
		return o.fetchAndScheduleStore(ctx, baseKey, in)
	})
	if coalesced {
		metrics.SingleFlightCoalesced.Inc()
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	if err != nil {
		return nil, err
	}

	result := shared.(*fetchResult)
	return &Response{
		Body:        io.NopCloser(bytes.NewReader(result.body)),
		ContentType: result.contentType,
		FromCache:   false,
		Headers:     result.headers,
	}, nil
}

// fetchResult is the singleflight-shared outcome: the fully-buffered
// upstream body (so every waiting requester gets an independent
// reader) plus descriptive fields.
type fetchResult struct {
	body        []byte
	contentType string
	headers     map[string]string
}

func (o *Orchestrator) fetchAndScheduleStore(ctx context.Context, baseKey string, in FetchInput) (*fetchResult, error) {
	ver, err := o.Versions.Get(ctx, baseKey)
	if err != nil {
		return nil, vferrors.Wrap(vferrors.KindKvStoreFailed, "reading version", err)
	}
	opts := in.Opts
	opts.Version = ver

	outcome, err := o.Coordinator.Run(ctx, in.Origin, in.Captures, opts)
	if err != nil {
		return nil, err
	}
	defer outcome.Origin.Body.Close()
	defer outcome.Transform.Body.Close()

	// Buffered in full so every single-flight waiter gets its own
	// independent reader (spec §4.11 step 3e, "a clone of the response
	// body"). The KV Engine's own FallbackStoreSkipLimit guard (spec
	// §4.4.1 step 1) still applies when the background store runs —
	// bodies over that limit are simply not written to KV, even though
	// they were buffered here to serve the client and any coalesced
	// waiters.
	body, err := io.ReadAll(outcome.Transform.Body)
	if err != nil {
		return nil, vferrors.Wrap(vferrors.KindUpstreamFailed, "reading transform body", err)
	}

	sourceInfo := outcome.Origin.Source.Type

	bgexec.Schedule(ctx, func(bgCtx context.Context) error {
		if _, err := o.Versions.Increment(bgCtx, baseKey); err != nil {
			return err
		}
		storeIn := kv.StoreInput{
			BaseKey:      baseKey,
			Path:         in.Path,
			Mode:         in.Mode,
			Opts:         opts,
			ImqueryUsed:  in.ImqueryUsed,
			ContentType:  outcome.Transform.ContentType,
			CacheVersion: ver,
			SourceInfo:   sourceInfo,
		}
		return o.Engine.Store(bgCtx, storeIn, body, in.StoreIndefinitely)
	})

	return &fetchResult{
		body:        body,
		contentType: outcome.Transform.ContentType,
		headers:     outcome.Headers,
	}, nil
}
