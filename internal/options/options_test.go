package options

import (
	"net/url"
	"testing"

	"github.com/vflow/videogate/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		File: config.FileConfig{
			VideoDefaults: config.Derivative{Quality: "medium", Format: "mp4"},
			Derivatives: map[string]config.Derivative{
				"mobile": {Width: 640, Height: 360, Quality: "low", Format: "mp4"},
			},
		},
	}
}

func TestResolveModeDefaultsOnly(t *testing.T) {
	opts, warnings := Resolve(testConfig(), config.Origin{}, url.Values{}, "")
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if opts.Quality != "medium" || opts.Format != "mp4" {
		t.Fatalf("expected mode defaults, got %+v", opts)
	}
}

func TestResolveDerivativeOverridesModeDefaults(t *testing.T) {
	opts, _ := Resolve(testConfig(), config.Origin{}, url.Values{}, "mobile")
	if opts.Derivative != "mobile" || *opts.Width != 640 || opts.Quality != "low" {
		t.Fatalf("expected mobile derivative canonical values, got %+v", opts)
	}
}

func TestResolveQueryParamsOverrideDerivativeUnlessReapplied(t *testing.T) {
	q := url.Values{"derivative": {"mobile"}, "width": {"9999"}}
	opts, _ := Resolve(testConfig(), config.Origin{}, q, "")
	if opts.Derivative != "mobile" {
		t.Fatalf("expected derivative to be set from query param, got %q", opts.Derivative)
	}
	if *opts.Width != 640 {
		t.Fatalf("derivative invariant violated: width should be re-pinned to 640, got %d", *opts.Width)
	}
}

func TestResolveInvalidEnumFallsBackWithWarning(t *testing.T) {
	q := url.Values{"quality": {"ultra-mega"}}
	opts, warnings := Resolve(testConfig(), config.Origin{}, q, "")
	if opts.Quality != "medium" {
		t.Fatalf("expected fallback to mode default quality, got %q", opts.Quality)
	}
	if len(warnings) == 0 {
		t.Fatalf("expected a warning for invalid quality")
	}
}

func TestResolvePathPatternOverridesBeatModeDefaults(t *testing.T) {
	origin := config.Origin{TransformationOverrides: map[string]string{"quality": "high"}}
	opts, _ := Resolve(testConfig(), origin, url.Values{}, "")
	if opts.Quality != "high" {
		t.Fatalf("expected path-pattern override to win over mode defaults, got %q", opts.Quality)
	}
}

func TestResolveQueryParamsBeatPathPatternOverrides(t *testing.T) {
	origin := config.Origin{TransformationOverrides: map[string]string{"quality": "high"}}
	q := url.Values{"quality": {"low"}}
	opts, _ := Resolve(testConfig(), origin, q, "")
	if opts.Quality != "low" {
		t.Fatalf("expected query param to win over path-pattern override, got %q", opts.Quality)
	}
}
