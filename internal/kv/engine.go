package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/vflow/videogate/internal/digest"
	vferrors "github.com/vflow/videogate/internal/errors"
	"github.com/vflow/videogate/internal/keyutil"
	"github.com/vflow/videogate/internal/lock"
	"github.com/vflow/videogate/internal/metrics"
	"github.com/vflow/videogate/internal/options"
	"github.com/vflow/videogate/internal/tags"
)

// Size and timing constants from spec §4.4.
const (
	SingleEntryLimit       = 20 * 1024 * 1024
	StandardChunkSize      = 5 * 1024 * 1024
	FallbackStoreSkipLimit = 128 * 1024 * 1024
	ReadEdgeTTL            = 3600 * time.Second
	ChunkFetchTimeout      = 10 * time.Second

	maxStoreRetries = 3
)

// Manifest is the value of the base key when an entry is chunked
// (spec §3 Manifest). Invariant: sum(ActualChunkSizes) == TotalSize and
// len(ActualChunkSizes) == ChunkCount.
type Manifest struct {
	TotalSize           int64   `json:"totalSize"`
	ChunkCount          int     `json:"chunkCount"`
	StandardChunkSize   int64   `json:"standardChunkSize"`
	ActualChunkSizes    []int64 `json:"actualChunkSizes"`
	OriginalContentType string  `json:"originalContentType"`
}

// VariantMetadata is associated with every KV entry, base and chunk
// alike (spec §3 VariantMetadata).
type VariantMetadata struct {
	ContentType     string    `json:"contentType"`
	ContentLength   int64     `json:"contentLength"`
	CacheVersion    int       `json:"cacheVersion"`
	CacheTags       []string  `json:"cacheTags"`
	CreatedAt       time.Time `json:"createdAt"`
	IsChunked       bool      `json:"isChunked"`
	ChunkIndex      int       `json:"chunkIndex"`
	SourceInfo      string    `json:"sourceInfo"`
	Derivative      string    `json:"derivative,omitempty"`
	RequestedWidth  int       `json:"requestedWidth,omitempty"`
	RequestedHeight int       `json:"requestedHeight,omitempty"`
	ETag            string    `json:"etag,omitempty"`
}

// StoreInput carries everything the KV Engine needs to write a variant:
// the resolved identity (for cache-tag generation, spec §4.5) plus the
// bytes and descriptive fields captured from the upstream fetch.
type StoreInput struct {
	BaseKey     string
	Path        string
	Mode        keyutil.Mode
	Opts        options.TransformOptions
	ImqueryUsed bool

	ContentType  string
	CacheVersion int
	SourceInfo   string
}

// RetrieveResult is what Retrieve returns on a hit.
type RetrieveResult struct {
	Body        io.ReadCloser
	Meta        VariantMetadata
	IsChunked   bool
	Manifest    *Manifest
	ChunkKeyFor func(n int) string
}

// Engine implements the KV Storage Engine (spec §4.4, C4): it decides
// single-vs-chunked layout, serializes chunked writes per base key via
// the Chunk Lock Manager, derives cache tags once per variant, and
// retries failed writes with a fresh body clone each attempt.
type Engine struct {
	store RawStore
	locks *lock.Manager
	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// NewEngine constructs a KV Engine backed by store.
func NewEngine(store RawStore, locks *lock.Manager) *Engine {
	return &Engine{store: store, locks: locks, now: time.Now}
}

// Store writes a variant, deciding between a single entry and a
// chunked layout by size (spec §4.4.1). body is the complete,
// already-buffered upstream response. Bodies over FallbackStoreSkipLimit
// are not written; the Cache Orchestrator (§4.11) does not check the
// limit itself, so this is the only place it is enforced.
func (e *Engine) Store(ctx context.Context, in StoreInput, body []byte, storeIndefinitely bool) error {
	if len(body) > FallbackStoreSkipLimit {
		slog.Warn("kv store skipped: body exceeds fallback skip limit", "baseKey", in.BaseKey, "size", len(body))
		return nil
	}

	cacheTags := tags.Generate(in.Path, in.Mode, in.Opts, in.ImqueryUsed)
	createdAt := e.now()

	base := VariantMetadata{
		ContentType:   in.ContentType,
		ContentLength: int64(len(body)),
		CacheVersion:  in.CacheVersion,
		CacheTags:     cacheTags,
		CreatedAt:     createdAt,
		SourceInfo:    in.SourceInfo,
		Derivative:    in.Opts.Derivative,
	}
	if in.Opts.MappedFromIMQuery {
		base.RequestedWidth = in.Opts.RequestedWidth
		base.RequestedHeight = in.Opts.RequestedHeight
	}

	putOpts := PutOptions{Indefinite: storeIndefinitely, TTL: ReadEdgeTTL}

	if int64(len(body)) <= SingleEntryLimit {
		base.IsChunked = false
		base.ETag = digest.ETag(digest.Sum(body))
		start := e.now()
		err := e.retryingPut(ctx, in.BaseKey, body, metaFields(base), cacheTags, putOpts)
		metrics.KVStoreDuration.WithLabelValues("single").Observe(e.now().Sub(start).Seconds())
		return err
	}

	start := e.now()
	err := e.storeChunked(ctx, in, body, base, putOpts)
	metrics.KVStoreDuration.WithLabelValues("chunked").Observe(e.now().Sub(start).Seconds())
	return err
}

func (e *Engine) storeChunked(ctx context.Context, in StoreInput, body []byte, base VariantMetadata, putOpts PutOptions) error {
	totalSize := int64(len(body))
	chunkCount := int((totalSize + StandardChunkSize - 1) / StandardChunkSize)

	var writtenChunks []string
	err := e.locks.WithLock(in.BaseKey, func() error {
		sizes := make([]int64, 0, chunkCount)
		for n := 0; n < chunkCount; n++ {
			start := int64(n) * StandardChunkSize
			end := start + StandardChunkSize
			if end > totalSize {
				end = totalSize
			}
			slice := body[start:end]
			sizes = append(sizes, int64(len(slice)))

			chunkMeta := base
			chunkMeta.ChunkIndex = n
			chunkMeta.IsChunked = false
			chunkMeta.ContentLength = int64(len(slice))
			chunkMeta.ETag = digest.ETag(digest.Sum(slice))

			chunkKey := keyutil.ChunkKey(in.BaseKey, n)
			if err := e.retryingPut(ctx, chunkKey, slice, metaFields(chunkMeta), base.CacheTags, putOpts); err != nil {
				e.cleanupChunks(ctx, writtenChunks)
				return vferrors.Wrap(vferrors.KindKvStoreFailed, "writing chunk", err)
			}
			writtenChunks = append(writtenChunks, chunkKey)
		}

		var sum int64
		for _, s := range sizes {
			sum += s
		}
		if sum != totalSize || len(sizes) != chunkCount {
			e.cleanupChunks(ctx, writtenChunks)
			return vferrors.New(vferrors.KindKvStoreFailed, "chunk size validation failed")
		}

		manifest := Manifest{
			TotalSize:           totalSize,
			ChunkCount:          chunkCount,
			StandardChunkSize:   StandardChunkSize,
			ActualChunkSizes:    sizes,
			OriginalContentType: base.ContentType,
		}
		manifestJSON, err := json.Marshal(manifest)
		if err != nil {
			e.cleanupChunks(ctx, writtenChunks)
			return vferrors.Wrap(vferrors.KindKvStoreFailed, "marshalling manifest", err)
		}

		base.IsChunked = true
		base.ETag = digest.ETag(digest.Sum(body))
		fields := metaFields(base)

		if err := e.retryingPut(ctx, in.BaseKey, manifestJSON, fields, base.CacheTags, putOpts); err != nil {
			e.cleanupChunks(ctx, writtenChunks)
			return vferrors.Wrap(vferrors.KindKvStoreFailed, "writing manifest", err)
		}
		return nil
	})
	return err
}

// cleanupChunks deletes orphan chunks left behind by an aborted store
// (spec §4.4.1 rule 6: "abort and delete any chunks written so far").
func (e *Engine) cleanupChunks(ctx context.Context, keys []string) {
	for _, k := range keys {
		if err := e.store.Delete(ctx, k); err != nil {
			slog.Warn("failed to clean up orphan chunk", "key", k, "error", err)
		}
	}
}

// retryingPut writes once, retrying up to maxStoreRetries times with
// exponential backoff and a fresh reader each attempt (spec §4.4.1
// rule 7). A failure after all retries logs a structured warning and
// returns the error to the caller — the caller decides whether that's
// fatal (it never is for the client, since stores run in the
// background after the response has already been sent).
func (e *Engine) retryingPut(ctx context.Context, key string, data []byte, fields map[string]string, tags []string, opts PutOptions) error {
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= maxStoreRetries; attempt++ {
		if attempt > 0 {
			metrics.KVStoreRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := e.store.Put(ctx, key, bytes.NewReader(data), RawMeta{Fields: fields, Tags: tags}, opts)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("kv put attempt failed", "key", key, "attempt", attempt+1, "error", err, "etag", fields["etag"])
	}
	slog.Warn("kv put exhausted retries; client already responded, continuing", "key", key, "error", lastErr, "etag", fields["etag"])
	return lastErr
}

// Retrieve reads the base key with the edge-TTL read hint (spec
// §4.4.2). A miss (ErrNotFound from the store) returns ok=false with a
// nil error; callers treat that as a cache miss, never a hard error.
func (e *Engine) Retrieve(ctx context.Context, baseKey string) (*RetrieveResult, bool, error) {
	body, meta, err := e.store.Get(ctx, baseKey, GetOptions{CacheTTL: ReadEdgeTTL})
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, vferrors.Wrap(vferrors.KindKvStoreFailed, "reading base key", err)
	}

	vm := variantMetaFromFields(meta.Fields)
	vm.CacheTags = meta.Tags

	if !vm.IsChunked {
		return &RetrieveResult{Body: body, Meta: vm, IsChunked: false}, true, nil
	}

	defer body.Close()
	manifestJSON, err := io.ReadAll(body)
	if err != nil {
		return nil, false, vferrors.Wrap(vferrors.KindKvStoreFailed, "reading manifest", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, false, vferrors.Wrap(vferrors.KindKvStoreFailed, "parsing manifest", err)
	}

	return &RetrieveResult{
		Meta:      vm,
		IsChunked: true,
		Manifest:  &manifest,
		ChunkKeyFor: func(n int) string {
			return keyutil.ChunkKey(baseKey, n)
		},
	}, true, nil
}

// GetChunk fetches a single chunk body by key, honoring the
// per-chunk fetch timeout (spec §4.4 "chunk-fetch timeout = 10 s").
func (e *Engine) GetChunk(ctx context.Context, chunkKey string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, ChunkFetchTimeout)
	defer cancel()
	body, _, err := e.store.Get(ctx, chunkKey, GetOptions{})
	if err == ErrNotFound {
		return nil, vferrors.New(vferrors.KindNotFound, "chunk not found")
	}
	if err != nil {
		return nil, vferrors.Wrap(vferrors.KindKvStoreFailed, "reading chunk", err)
	}
	return body, nil
}

// List enumerates VariantMetadata for entries sharing basePath, for
// diagnostic/admin use only (spec §4.4.3); never on the hot path.
func (e *Engine) List(ctx context.Context, basePath string) ([]VariantMetadata, error) {
	keys, err := e.store.List(ctx, basePath)
	if err != nil {
		return nil, vferrors.Wrap(vferrors.KindKvStoreFailed, "listing variants", err)
	}
	out := make([]VariantMetadata, 0, len(keys))
	for _, k := range keys {
		_, meta, err := e.store.Get(ctx, k, GetOptions{})
		if err != nil {
			continue
		}
		vm := variantMetaFromFields(meta.Fields)
		vm.CacheTags = meta.Tags
		out = append(out, vm)
	}
	return out, nil
}

func metaFields(vm VariantMetadata) map[string]string {
	f := map[string]string{
		"contentType":     vm.ContentType,
		"contentLength":   strconv.FormatInt(vm.ContentLength, 10),
		"cacheVersion":    strconv.Itoa(vm.CacheVersion),
		"createdAt":       vm.CreatedAt.Format(time.RFC3339Nano),
		"isChunked":       strconv.FormatBool(vm.IsChunked),
		"chunkIndex":      strconv.Itoa(vm.ChunkIndex),
		"sourceInfo":      vm.SourceInfo,
		"derivative":      vm.Derivative,
		"requestedWidth":  strconv.Itoa(vm.RequestedWidth),
		"requestedHeight": strconv.Itoa(vm.RequestedHeight),
		"etag":            vm.ETag,
	}
	return f
}

func variantMetaFromFields(f map[string]string) VariantMetadata {
	vm := VariantMetadata{
		ContentType: f["contentType"],
		SourceInfo:  f["sourceInfo"],
		Derivative:  f["derivative"],
		ETag:        f["etag"],
	}
	vm.ContentLength, _ = strconv.ParseInt(f["contentLength"], 10, 64)
	vm.CacheVersion, _ = strconv.Atoi(f["cacheVersion"])
	vm.IsChunked, _ = strconv.ParseBool(f["isChunked"])
	vm.ChunkIndex, _ = strconv.Atoi(f["chunkIndex"])
	vm.RequestedWidth, _ = strconv.Atoi(f["requestedWidth"])
	vm.RequestedHeight, _ = strconv.Atoi(f["requestedHeight"])
	if ca, err := time.Parse(time.RFC3339Nano, f["createdAt"]); err == nil {
		vm.CreatedAt = ca
	}
	return vm
}
