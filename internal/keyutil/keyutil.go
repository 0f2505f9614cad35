// Package keyutil derives deterministic cache keys and chunk keys from
// a (mode, path, options) triple (spec §4.1, C1). It is pure: no I/O,
// no shared state, and its output never depends on struct field
// insertion order.
package keyutil

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode is the transformation mode (spec §3 TransformOptions.mode).
type Mode string

const (
	ModeVideo       Mode = "video"
	ModeFrame       Mode = "frame"
	ModeSpritesheet Mode = "spritesheet"
	ModeAudio       Mode = "audio"
)

// Options is the subset of TransformOptions the key derivation cares
// about. All fields are optional except Mode; a zero value for a
// numeric field means "not present."
type Options struct {
	Derivative  string
	Width       int
	Height      int
	Quality     string
	Compression string
	Format      string
	Time        string
	Duration    string
	Cols        int
	Rows        int
	Interval    string
}

// allowed reports membership in the sanitization whitelist from spec §3: letters,
// digits, ':' '/' '.' '_' '=' '*' '-'.
func allowed(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case strings.ContainsRune(":/._=*-", r):
		return true
	}
	return false
}

// sanitize applies the character-substitution policy: anything outside
// the allowed set becomes '-'.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if allowed(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// normalizePath removes leading separators and collapses repeats to a
// single '/' (spec §4.1 rule 1).
func normalizePath(path string) string {
	path = strings.TrimLeft(path, "/")
	var b strings.Builder
	b.Grow(len(path))
	prevSlash := false
	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// BaseKey derives the stable cache key for (mode, path, options).
// Cache keys never carry version — version lives only in metadata and
// the upstream transform URL (spec §3 CacheKey invariant).
func BaseKey(mode Mode, path string, opts Options) string {
	p := normalizePath(path)

	if opts.Derivative != "" {
		return sanitize(fmt.Sprintf("%s:%s:derivative=%s", mode, p, opts.Derivative))
	}

	var parts []string
	if opts.Width > 0 {
		parts = append(parts, "w="+strconv.Itoa(opts.Width))
	}
	if opts.Height > 0 {
		parts = append(parts, "h="+strconv.Itoa(opts.Height))
	}
	if opts.Format != "" {
		parts = append(parts, "f="+opts.Format)
	}
	if opts.Quality != "" {
		parts = append(parts, "q="+opts.Quality)
	}
	if opts.Compression != "" {
		parts = append(parts, "c="+opts.Compression)
	}

	switch mode {
	case ModeFrame:
		if opts.Time != "" {
			parts = append(parts, "t="+opts.Time)
		}
	case ModeSpritesheet:
		if opts.Time != "" {
			parts = append(parts, "t="+opts.Time)
		}
		if opts.Duration != "" {
			parts = append(parts, "d="+opts.Duration)
		}
		if opts.Cols > 0 {
			parts = append(parts, "cols="+strconv.Itoa(opts.Cols))
		}
		if opts.Rows > 0 {
			parts = append(parts, "rows="+strconv.Itoa(opts.Rows))
		}
		if opts.Interval != "" {
			parts = append(parts, "interval="+opts.Interval)
		}
	case ModeAudio:
		if opts.Duration != "" {
			parts = append(parts, "d="+opts.Duration)
		}
	}

	key := fmt.Sprintf("%s:%s", mode, p)
	if len(parts) > 0 {
		key += ":" + strings.Join(parts, ":")
	}
	return sanitize(key)
}

// ChunkKey derives the Nth chunk key for base (spec §3 ChunkKey,
// §4.1 chunkKey).
func ChunkKey(base string, n int) string {
	return base + "_chunk_" + strconv.Itoa(n)
}
