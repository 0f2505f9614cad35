package rangeh

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/vflow/videogate/internal/kv"
)

func TestParseSimpleRange(t *testing.T) {
	r, ok := Parse("bytes=0-99", 1000)
	if !ok || r.Start != 0 || r.End != 99 {
		t.Fatalf("got %+v, ok=%v", r, ok)
	}
}

func TestParseOpenEndedRange(t *testing.T) {
	r, ok := Parse("bytes=900-", 1000)
	if !ok || r.Start != 900 || r.End != 999 {
		t.Fatalf("got %+v, ok=%v", r, ok)
	}
}

func TestParseSuffixRange(t *testing.T) {
	r, ok := Parse("bytes=-100", 1000)
	if !ok || r.Start != 900 || r.End != 999 {
		t.Fatalf("got %+v, ok=%v", r, ok)
	}
}

func TestParseUnsatisfiableOffsetFallsBack(t *testing.T) {
	_, ok := Parse("bytes=2000-3000", 1000)
	if ok {
		t.Fatalf("expected unsatisfiable range to report ok=false")
	}
}

func TestParseMultiRangeFallsBack(t *testing.T) {
	_, ok := Parse("bytes=0-10,20-30", 1000)
	if ok {
		t.Fatalf("expected multi-range to report ok=false")
	}
}

func TestParseEndClampedToTotalSize(t *testing.T) {
	r, ok := Parse("bytes=0-5000", 1000)
	if !ok || r.End != 999 {
		t.Fatalf("expected end clamped to 999, got %+v", r)
	}
}

type fakeChunkFetcher struct {
	chunks map[string][]byte
}

func (f *fakeChunkFetcher) GetChunk(_ context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.chunks[key])), nil
}

func TestStreamSpansMultipleChunks(t *testing.T) {
	chunk0 := bytes.Repeat([]byte("a"), 100)
	chunk1 := bytes.Repeat([]byte("b"), 100)
	chunk2 := bytes.Repeat([]byte("c"), 50)

	fetcher := &fakeChunkFetcher{chunks: map[string][]byte{
		"base_chunk_0": chunk0,
		"base_chunk_1": chunk1,
		"base_chunk_2": chunk2,
	}}
	manifest := &kv.Manifest{
		TotalSize:        250,
		ChunkCount:        3,
		ActualChunkSizes: []int64{100, 100, 50},
	}

	// Range spans the tail of chunk0 through the head of chunk2.
	r := Range{Start: 90, End: 210}
	var buf bytes.Buffer
	err := Stream(context.Background(), &buf, fetcher, manifest, func(n int) string {
		return []string{"base_chunk_0", "base_chunk_1", "base_chunk_2"}[n]
	}, r)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	want := strings.Repeat("a", 10) + strings.Repeat("b", 100) + strings.Repeat("c", 11)
	if buf.String() != want {
		t.Fatalf("got %d bytes, want %d bytes; mismatch", buf.Len(), len(want))
	}
}

func TestStreamSkipsNonIntersectingChunks(t *testing.T) {
	chunk0 := bytes.Repeat([]byte("a"), 100)
	chunk1 := bytes.Repeat([]byte("b"), 100)

	fetcher := &fakeChunkFetcher{chunks: map[string][]byte{
		"base_chunk_0": chunk0,
		"base_chunk_1": chunk1,
	}}
	manifest := &kv.Manifest{TotalSize: 200, ChunkCount: 2, ActualChunkSizes: []int64{100, 100}}

	r := Range{Start: 100, End: 149}
	var buf bytes.Buffer
	err := Stream(context.Background(), &buf, fetcher, manifest, func(n int) string {
		return []string{"base_chunk_0", "base_chunk_1"}[n]
	}, r)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if buf.String() != strings.Repeat("b", 50) {
		t.Fatalf("got %q", buf.String())
	}
}
