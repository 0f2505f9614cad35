package transform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vflow/videogate/internal/options"
)

func TestBuildURLOmitsVersionWhenOne(t *testing.T) {
	w := 640
	u := BuildURL("https://tx.example", "https://origin/clip.mp4", options.TransformOptions{Mode: "video", Width: &w, Version: 1})
	if strings.Contains(u, "?v=") {
		t.Fatalf("version=1 must not appear on the URL: %s", u)
	}
}

func TestBuildURLIncludesVersionWhenGreaterThanOne(t *testing.T) {
	u := BuildURL("https://tx.example", "https://origin/clip.mp4", options.TransformOptions{Mode: "video", Version: 3})
	if !strings.HasSuffix(u, "?v=3") {
		t.Fatalf("expected trailing ?v=3, got %s", u)
	}
}

func TestFetchSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("transformed"))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, nil)
	res, err := c.Fetch(context.Background(), "https://origin/clip.mp4", options.TransformOptions{Mode: "video"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer res.Body.Close()
	if res.ContentType != "video/mp4" {
		t.Fatalf("unexpected content type: %s", res.ContentType)
	}
}

func TestFetchKnownRetryableCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ErrorCodeHeader, "9429")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, nil)
	_, err := c.Fetch(context.Background(), "https://origin/clip.mp4", options.TransformOptions{Mode: "video"})
	terr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *transform.Error, got %T: %v", err, err)
	}
	if terr.Code != 9429 || !terr.Retryable {
		t.Fatalf("expected retryable code 9429, got %+v", terr)
	}
}

func TestFetchUnknownCodeFallsBackToHTTPStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, nil)
	_, err := c.Fetch(context.Background(), "https://origin/clip.mp4", options.TransformOptions{Mode: "video"})
	terr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *transform.Error, got %T: %v", err, err)
	}
	if terr.Status != http.StatusTeapot {
		t.Fatalf("expected fallback status %d, got %d", http.StatusTeapot, terr.Status)
	}
}
