// Package kv implements the KV Storage Engine (spec §4.4, C4): storing
// and retrieving single or chunked variants with manifests, streaming
// byte ranges, chunk write locks, and cache-tag application. It is the
// largest component in the system and the one most directly adapted
// from the teacher's internal/cache package (single/chunked store
// backed by pluggable FS/S3 backends).
package kv

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by RawStore.Get when the key is absent — the
// KV Engine treats this as a cache miss, never as a hard error (spec §7
// "KV read failures: treated as a miss").
var ErrNotFound = errors.New("kv: not found")

// RawMeta is the backend-agnostic metadata persisted alongside a raw
// KV value: a small string map (content type, length, etc.) plus the
// cache tags used for tag-based purge. KV values are capped at 20 MiB,
// metadata at ~1 KiB total (spec §6).
type RawMeta struct {
	Fields map[string]string
	Tags   []string
}

// GetOptions configures a raw Get call.
type GetOptions struct {
	// CacheTTL is an edge-read TTL hint (spec §4.4 KV_READ_EDGE_TTL).
	CacheTTL time.Duration
}

// PutOptions configures a raw Put call. Indefinite=true means "omit
// TTL entirely" per spec §6 cache.storeIndefinitely, whatever TTL holds.
type PutOptions struct {
	TTL        time.Duration
	Indefinite bool
}

// RawStore is the minimal backend contract the KV Engine drives: init,
// get, put, delete, and prefix-list (spec §6 "Required KV operations").
// FSStore and S3Store both implement it.
type RawStore interface {
	Init(ctx context.Context) error
	Get(ctx context.Context, key string, opts GetOptions) (io.ReadCloser, RawMeta, error)
	Put(ctx context.Context, key string, body io.Reader, meta RawMeta, opts PutOptions) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
