// Package rangeh implements the Range Handler (spec §4.12, C12):
// parsing an RFC 7233 Range header against a chunked manifest's total
// size and streaming the intersecting chunk slices as a 206 response.
package rangeh

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vflow/videogate/internal/kv"
)

// writeSegment bounds a single write to the client so a slow reader
// cannot hold an entire chunk's buffer in flight (spec §4.12
// "bounded write segments ~512 KiB-1 MiB").
const writeSegment = 512 * 1024

// Range is a parsed, validated [start, end] closed byte interval.
type Range struct {
	Start, End int64 // inclusive
}

// Parse parses a Range: bytes=... header against totalSize. Multi-range
// requests and unsatisfiable offsets (start >= totalSize) are reported
// via ok=false — spec §4.12 treats both as "fall back to a full 200."
func Parse(header string, totalSize int64) (Range, bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return Range{}, false
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return Range{}, false // multi-range: unsatisfiable by design
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return Range{}, false
	}

	startStr, endStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

	var start, end int64
	var err error
	switch {
	case startStr == "" && endStr != "":
		// Suffix range: last N bytes.
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || n <= 0 {
			return Range{}, false
		}
		start = totalSize - n
		if start < 0 {
			start = 0
		}
		end = totalSize - 1
	case startStr != "":
		start, err = strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return Range{}, false
		}
		if endStr == "" {
			end = totalSize - 1
		} else {
			end, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil {
				return Range{}, false
			}
		}
	default:
		return Range{}, false
	}

	if start >= totalSize || start < 0 {
		return Range{}, false
	}
	if end >= totalSize {
		end = totalSize - 1
	}
	if end < start {
		return Range{}, false
	}
	return Range{Start: start, End: end}, true
}

// ContentRangeHeader formats the outgoing Content-Range header value.
func ContentRangeHeader(r Range, totalSize int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, totalSize)
}

// Length returns the number of bytes the range covers.
func (r Range) Length() int64 { return r.End - r.Start + 1 }

// ChunkFetcher is the subset of the KV Engine the Range Handler needs:
// fetching one chunk body by key.
type ChunkFetcher interface {
	GetChunk(ctx context.Context, chunkKey string) (io.ReadCloser, error)
}

// Stream writes the bytes of r to w, fetching and slicing only the
// chunks that intersect the range, in order, each under its own fetch
// timeout (spec §4.12). ctx cancellation (client disconnect) aborts
// any outstanding chunk fetch promptly.
func Stream(ctx context.Context, w io.Writer, fetcher ChunkFetcher, manifest *kv.Manifest, chunkKeyFor func(int) string, r Range) error {
	var offset int64
	for n := 0; n < manifest.ChunkCount; n++ {
		chunkSize := manifest.ActualChunkSizes[n]
		chunkStart := offset
		chunkEnd := offset + chunkSize - 1
		offset += chunkSize

		if chunkEnd < r.Start || chunkStart > r.End {
			continue // chunk doesn't intersect the requested range
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		body, err := fetcher.GetChunk(ctx, chunkKeyFor(n))
		if err != nil {
			return err
		}

		sliceStart := int64(0)
		if r.Start > chunkStart {
			sliceStart = r.Start - chunkStart
		}
		sliceEnd := chunkSize - 1
		if r.End < chunkEnd {
			sliceEnd = r.End - chunkStart
		}

		err = copySlice(ctx, w, body, sliceStart, sliceEnd)
		body.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// copySlice writes body[start:end] (inclusive) to w in writeSegment-
// sized chunks, checking ctx between writes so a client disconnect
// stops the copy promptly rather than buffering the whole slice.
func copySlice(ctx context.Context, w io.Writer, body io.Reader, start, end int64) error {
	if start > 0 {
		if _, err := io.CopyN(io.Discard, body, start); err != nil {
			return err
		}
	}
	remaining := end - start + 1
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int64(writeSegment)
		if remaining < n {
			n = remaining
		}
		written, err := io.CopyN(w, body, n)
		remaining -= written
		if err != nil {
			return err
		}
	}
	return nil
}
