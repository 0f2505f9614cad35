package retry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vflow/videogate/internal/config"
	"github.com/vflow/videogate/internal/options"
	"github.com/vflow/videogate/internal/origin"
	"github.com/vflow/videogate/internal/transform"
)

func TestRunSucceedsWithoutRetry(t *testing.T) {
	originSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("raw"))
	}))
	defer originSrv.Close()
	txSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("transformed"))
	}))
	defer txSrv.Close()

	coord := NewCoordinator(origin.NewFetcher(&origin.DefaultSigner{}), transform.NewClient(txSrv.URL, nil))
	o := config.Origin{
		Name: "test",
		Sources: []config.Source{
			{Type: "r2", Priority: 0, BaseURL: originSrv.URL, PathTemplate: "/{0}"},
		},
	}

	out, err := coord.Run(context.Background(), o, []string{"clip.mp4"}, options.TransformOptions{Mode: "video"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Headers != nil {
		t.Fatalf("expected no retry headers on a clean success, got %v", out.Headers)
	}
	out.Transform.Body.Close()
	out.Origin.Body.Close()
}

func TestRunRetriesOnMissingSourceError(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("raw-from-primary"))
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("raw-from-secondary"))
	}))
	defer secondary.Close()

	var callCount int
	txSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		if callCount == 1 {
			w.Header().Set(transform.ErrorCodeHeader, "404")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("transformed-from-retry"))
	}))
	defer txSrv.Close()

	coord := NewCoordinator(origin.NewFetcher(&origin.DefaultSigner{}), transform.NewClient(txSrv.URL, nil))
	o := config.Origin{
		Name: "test",
		Sources: []config.Source{
			{Type: "r2", Priority: 0, BaseURL: primary.URL, PathTemplate: "/{0}"},
			{Type: "remote", Priority: 1, BaseURL: secondary.URL, PathTemplate: "/{0}"},
		},
	}

	out, err := coord.Run(context.Background(), o, []string{"clip.mp4"}, options.TransformOptions{Mode: "video"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Headers[HeaderRetryApplied] != "true" {
		t.Fatalf("expected retry-applied header, got %v", out.Headers)
	}
	if out.Headers[HeaderFailedSource] != "r2" || out.Headers[HeaderAlternativeSource] != "remote" {
		t.Fatalf("unexpected retry headers: %v", out.Headers)
	}
	out.Transform.Body.Close()
	out.Origin.Body.Close()
}

// TestRunAttachesHeadersWhenOriginFetchSilentlySkipsASource covers seed
// scenario 5: the primary source 404s at the Origin Fetcher level, so
// Fetch itself resolves to the secondary source in a single call and
// the transform succeeds on the first attempt. The failover headers
// must still be attached even though Run never needed its own second
// round-trip (spec §4.8 step 4).
func TestRunAttachesHeadersWhenOriginFetchSilentlySkipsASource(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("raw-from-secondary"))
	}))
	defer secondary.Close()

	txSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("transformed"))
	}))
	defer txSrv.Close()

	coord := NewCoordinator(origin.NewFetcher(&origin.DefaultSigner{}), transform.NewClient(txSrv.URL, nil))
	o := config.Origin{
		Name: "test",
		Sources: []config.Source{
			{Type: "r2", Priority: 0, BaseURL: primary.URL, PathTemplate: "/{0}"},
			{Type: "remote", Priority: 1, BaseURL: secondary.URL, PathTemplate: "/{0}"},
		},
	}

	out, err := coord.Run(context.Background(), o, []string{"clip.mp4"}, options.TransformOptions{Mode: "video"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Headers[HeaderRetryApplied] != "true" {
		t.Fatalf("expected retry-applied header, got %v", out.Headers)
	}
	if out.Headers[HeaderFailedSource] != "r2" || out.Headers[HeaderAlternativeSource] != "remote" {
		t.Fatalf("unexpected retry headers: %v", out.Headers)
	}
	out.Transform.Body.Close()
	out.Origin.Body.Close()
}
