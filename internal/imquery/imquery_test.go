package imquery

import (
	"net/url"
	"testing"

	"github.com/vflow/videogate/internal/config"
)

func testConfig() *config.Config {
	zero := 0
	mobileMax := 640
	desktopMax := 1920
	return &config.Config{
		File: config.FileConfig{
			Derivatives: map[string]config.Derivative{
				"mobile":  {Width: 640, Height: 360},
				"tablet":  {Width: 1024, Height: 576},
				"desktop": {Width: 1920, Height: 1080},
			},
		},
		SortedBreakpoints: []config.Breakpoint{
			{Name: "mobile", Min: &zero, Max: &mobileMax, Derivative: "mobile"},
			{Name: "tablet", Min: &mobileMax, Max: &desktopMax, Derivative: "tablet"},
			{Name: "desktop", Min: &desktopMax, Derivative: "desktop"},
		},
	}
}

func TestResolveWidthOnlyBucket(t *testing.T) {
	r := NewResolver(100)
	cfg := testConfig()

	q := url.Values{"imwidth": {"1920"}}
	res := r.Resolve(cfg, Parse(q))
	if !res.Matched || res.Derivative != "tablet" {
		t.Fatalf("expected tablet at exact breakpoint upper-bound boundary, got %+v", res)
	}
}

func TestResolveWidthHeightClosest(t *testing.T) {
	r := NewResolver(100)
	cfg := testConfig()

	q := url.Values{"imwidth": {"1000"}, "imheight": {"560"}}
	res := r.Resolve(cfg, Parse(q))
	if !res.Matched || res.Derivative != "tablet" {
		t.Fatalf("expected tablet as closest match, got %+v", res)
	}
}

func TestResolveWidthHeightOutsideThreshold(t *testing.T) {
	r := NewResolver(100)
	cfg := testConfig()

	q := url.Values{"imwidth": {"5000"}, "imheight": {"5000"}}
	res := r.Resolve(cfg, Parse(q))
	if res.Matched {
		t.Fatalf("expected no match beyond 25%% threshold, got %+v", res)
	}
}

func TestResolveMemoizationIdempotent(t *testing.T) {
	r := NewResolver(100)
	cfg := testConfig()

	q := url.Values{"imwidth": {"1921"}}
	first := r.Resolve(cfg, Parse(q))
	second := r.Resolve(cfg, Parse(q))
	if first != second {
		t.Fatalf("IMQuery resolution not idempotent: %+v != %+v", first, second)
	}
}

func TestResolveBucketsToNearest10(t *testing.T) {
	r := NewResolver(100)
	cfg := testConfig()

	a := r.Resolve(cfg, Parse(url.Values{"imwidth": {"643"}}))
	b := r.Resolve(cfg, Parse(url.Values{"imwidth": {"644"}}))
	if a.Derivative != b.Derivative {
		t.Fatalf("expected bucketing to collapse 643 and 644 to the same derivative, got %q vs %q", a.Derivative, b.Derivative)
	}
}

func TestParseImref(t *testing.T) {
	q := url.Values{"imref": {"width=800, height=450"}}
	p := Parse(q)
	if p.Width != 800 || p.Height != 450 {
		t.Fatalf("imref not parsed: %+v", p)
	}
}
