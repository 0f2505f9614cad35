// Package transform implements the Transform Client (spec §4.7, C7):
// it builds the upstream media-transformation URL, performs the fetch,
// and interprets the numeric error code the upstream endpoint reports
// in a known header.
package transform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vflow/videogate/internal/options"
	vferrors "github.com/vflow/videogate/internal/errors"
)

// ErrorCodeHeader is the response header the upstream transformation
// endpoint uses to report a numeric error code on non-2xx responses
// (spec §4.7, generalized from the teacher's "Cf-Resized or equivalent").
const ErrorCodeHeader = "Cf-Resized"

// ResponseErrorCodeHeader is the name of the outgoing header for the
// numeric upstream code (spec §4.7). Neither Client nor the pipeline
// sets it; the code is carried on Error.Code.
const ResponseErrorCodeHeader = "X-CF-Error-Code"

// codeEntry is one row of the static error-code table (spec §4.7
// "Required error codes").
type codeEntry struct {
	status    int
	retryable bool
	message   string
}

var codeTable = map[int]codeEntry{
	9401: {http.StatusRequestEntityTooLarge, false, "input too large"},
	9402: {http.StatusRequestTimeout, false, "duration too long"},
	9403: {http.StatusBadRequest, false, "invalid input"},
	9408: {http.StatusGatewayTimeout, true, "request timeout"},
	9429: {http.StatusTooManyRequests, true, "rate limited"},
	9500: {http.StatusInternalServerError, true, "internal error"},
	9502: {http.StatusBadGateway, true, "origin unreachable"},
}

// Client builds and performs upstream transform fetches. It holds a
// golang.org/x/time/rate limiter that callers can block on through
// Wait; Fetch itself makes a single attempt, does not retry retryable
// codes, and does not consult the limiter.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Limiter    *rate.Limiter
}

// NewClient builds a transform Client against baseURL with a
// conservative default rate limit (10 req/s, burst 20) on its Limiter.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{
		HTTPClient: httpClient,
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Limiter:    rate.NewLimiter(rate.Limit(10), 20),
	}
}

// BuildURL constructs {basePath}/{param=value,...}/{encodedOriginUrl}[?v=N]
// (spec §4.7). Parameters are emitted in fixed order and only when
// non-default; version is appended only when > 1 — the sole mechanism
// for upstream cache invalidation.
func BuildURL(baseURL, originURL string, opts options.TransformOptions) string {
	var params []string
	add := func(k, v string) {
		if v != "" {
			params = append(params, k+"="+v)
		}
	}
	add("mode", string(opts.Mode))
	if opts.Width != nil {
		add("width", strconv.Itoa(*opts.Width))
	}
	if opts.Height != nil {
		add("height", strconv.Itoa(*opts.Height))
	}
	add("quality", opts.Quality)
	add("compression", opts.Compression)
	add("format", opts.Format)
	add("time", opts.Time)
	add("duration", opts.Duration)
	if opts.Cols != nil {
		add("cols", strconv.Itoa(*opts.Cols))
	}
	if opts.Rows != nil {
		add("rows", strconv.Itoa(*opts.Rows))
	}
	add("interval", opts.Interval)

	encodedOrigin := url.QueryEscape(originURL)
	u := strings.TrimSuffix(baseURL, "/") + "/" + strings.Join(params, ",") + "/" + encodedOrigin
	if opts.Version > 1 {
		u += "?v=" + strconv.Itoa(opts.Version)
	}
	return u
}

// typedError aliases the taxonomy error so Error can embed it without
// its field name hiding the promoted Error() method.
type typedError = vferrors.Error

// Error is the typed error a failed transform fetch returns, carrying
// the upstream numeric code alongside the standard error taxonomy.
type Error struct {
	*typedError
	Code int
}

// Unwrap exposes the embedded taxonomy error to errors.As.
func (e *Error) Unwrap() error { return e.typedError }

// Result is a successful transform fetch.
type Result struct {
	Body        io.ReadCloser
	ContentType string
}

// Fetch builds the upstream URL and performs the transform fetch.
func (c *Client) Fetch(ctx context.Context, originURL string, opts options.TransformOptions) (*Result, error) {
	u := BuildURL(c.BaseURL, originURL, opts)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, vferrors.Wrap(vferrors.KindBadRequest, "building transform request", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, vferrors.Wrap(vferrors.KindUpstreamRetryable, "transform fetch failed", err).WithRetryable(true)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Result{Body: resp.Body, ContentType: resp.Header.Get("Content-Type")}, nil
	}
	defer resp.Body.Close()

	codeStr := resp.Header.Get(ErrorCodeHeader)
	code, _ := strconv.Atoi(codeStr)
	entry, known := codeTable[code]
	if !known {
		entry = codeEntry{resp.StatusCode, false, fmt.Sprintf("unrecognized upstream error code %q", codeStr)}
	}

	kind := vferrors.KindUpstreamFailed
	if entry.retryable {
		kind = vferrors.KindUpstreamRetryable
	}

	return nil, &Error{
		typedError: vferrors.New(kind, entry.message).WithStatus(entry.status).WithRetryable(entry.retryable),
		Code:  code,
	}
}

// Wait blocks until the rate limiter admits a retry attempt, honoring
// ctx cancellation (spec §4.4.1 "exponential backoff honoring upstream
// rate limits").
func (c *Client) Wait(ctx context.Context) error {
	return c.Limiter.Wait(ctx)
}
