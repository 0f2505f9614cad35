// Package origin implements the Origin Fetcher (spec §4.6, C6):
// iterating an origin's ordered source list, applying pluggable auth,
// and returning the first 2xx body, or a typed NotFound/OriginUnavailable
// error once every source has been tried.
package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vflow/videogate/internal/config"
	vferrors "github.com/vflow/videogate/internal/errors"
	"github.com/vflow/videogate/internal/metrics"
)

// perSourceTimeout bounds a single source fetch attempt independent of
// the overall request deadline, so one slow source cannot starve the
// remaining sources in the list (spec §4.6 step 3, §5 "minimum to
// complete even if the client is slow").
const perSourceTimeout = 10 * time.Second

// Descriptor identifies which source produced a result — the
// (origin.name, source.type, source.priority) triple spec §3 calls
// out as uniquely identifying a source, used by the Retry/Failover
// Coordinator (C8) to exclude it on the next attempt.
type Descriptor struct {
	OriginName string
	Type       string
	Priority   int
}

// Signer applies a Source's configured auth strategy to an outgoing
// request. The actual signing/presigning logic is an external
// collaborator per spec §1; Fetcher only needs the contract: "produces
// a URL/request valid for at least 60s" (spec §4.6 step 2).
type Signer interface {
	Apply(ctx context.Context, req *http.Request, auth config.AuthConfig) error
}

// Fetcher iterates a matched Origin's sources in priority order.
type Fetcher struct {
	Client *http.Client
	Signer Signer
}

// NewFetcher builds a Fetcher with sensible HTTP client defaults,
// mirroring the teacher's UpstreamClient dial/TLS/idle timeout shape.
func NewFetcher(signer Signer) *Fetcher {
	return &Fetcher{
		Client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Signer: signer,
	}
}

// Result is a successful fetch outcome. SkippedSources records any
// higher-priority sources that were tried and skipped (404) before
// Source produced the returned body, so callers can surface failover
// information even though Fetch itself resolved the request in a
// single pass (spec §4.8 step 4).
type Result struct {
	Body           io.ReadCloser
	Source         Descriptor
	OriginalURL    string
	StatusCode     int
	SkippedSources []Descriptor
}

// Fetch iterates origin.SortedSources(exclude), trying each in turn
// (spec §4.6). It returns the first 2xx body and descriptor, or a
// typed NotFound (no 2xx seen, only 404s) / OriginUnavailable (at
// least one non-404 failure) error.
func (f *Fetcher) Fetch(ctx context.Context, origin config.Origin, captures []string, exclude map[string]bool) (*Result, error) {
	sources := origin.SortedSources(exclude)
	if len(sources) == 0 {
		return nil, vferrors.New(vferrors.KindNotFound, "no sources available for origin "+origin.Name)
	}

	sawOnly404 := true
	var skipped []Descriptor

	for _, src := range sources {
		desc := Descriptor{OriginName: origin.Name, Type: src.Type, Priority: src.Priority}

		rawURL, err := expandTemplate(src.PathTemplate, captures)
		if err != nil {
			sawOnly404 = false
			continue
		}
		if src.BaseURL != "" {
			rawURL = strings.TrimSuffix(src.BaseURL, "/") + "/" + strings.TrimPrefix(rawURL, "/")
		}

		res, status, err := f.tryOne(ctx, rawURL, src)
		if err != nil {
			sawOnly404 = false
			metrics.OriginFetchOutcomes.WithLabelValues(src.Type, "unavailable").Inc()
			continue
		}
		if status == http.StatusNotFound {
			skipped = append(skipped, desc)
			metrics.OriginFetchOutcomes.WithLabelValues(src.Type, "not_found").Inc()
			continue
		}
		if status < 200 || status >= 300 {
			sawOnly404 = false
			metrics.OriginFetchOutcomes.WithLabelValues(src.Type, "unavailable").Inc()
			continue
		}

		metrics.OriginFetchOutcomes.WithLabelValues(src.Type, "success").Inc()
		return &Result{
			Body:           res,
			Source:         desc,
			OriginalURL:    rawURL,
			StatusCode:     status,
			SkippedSources: skipped,
		}, nil
	}

	if sawOnly404 {
		return nil, vferrors.New(vferrors.KindNotFound, "all sources returned 404 for origin "+origin.Name)
	}
	return nil, vferrors.New(vferrors.KindOriginUnavailable, "all sources failed for origin "+origin.Name)
}

// tryOne performs a single source fetch under perSourceTimeout,
// returning the body (on success) alongside the observed HTTP status.
func (f *Fetcher) tryOne(ctx context.Context, rawURL string, src config.Source) (io.ReadCloser, int, error) {
	ctx, cancel := context.WithTimeout(ctx, perSourceTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, 0, err
	}

	if f.Signer != nil {
		if err := f.Signer.Apply(ctx, req, src.Auth); err != nil {
			cancel()
			return nil, 0, err
		}
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		cancel()
		return nil, 0, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, resp.StatusCode, nil
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, resp.StatusCode, nil
}

// cancelOnClose releases the per-source timeout context once the
// caller is done reading the body, instead of leaking it until the
// outer request context expires.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// expandTemplate replaces {0}, {1}, ... placeholders in tmpl with the
// corresponding regex capture group from captures (spec §3 Source.pathTemplate).
func expandTemplate(tmpl string, captures []string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		if tmpl[i] == '{' {
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated placeholder in path template %q", tmpl)
			}
			idxStr := tmpl[i+1 : i+end]
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return "", fmt.Errorf("invalid placeholder %q in path template %q", idxStr, tmpl)
			}
			if idx < 0 || idx >= len(captures) {
				return "", fmt.Errorf("capture group {%d} out of range (have %d) in %q", idx, len(captures), tmpl)
			}
			b.WriteString(captures[idx])
			i += end + 1
			continue
		}
		b.WriteByte(tmpl[i])
		i++
	}
	return b.String(), nil
}
