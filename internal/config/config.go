// Package config loads and validates the gateway's configuration
// (spec §6 "Configuration shape"). Process-level settings (listen
// address, log level, storage backend, Redis/S3 connection info) come
// from the environment, matching the teacher's flat env-var loading;
// the structurally richer shape — derivatives, responsive breakpoints,
// and the ordered origin list with regex matchers — loads from a YAML
// file via github.com/ghodss/yaml (YAML→JSON→struct, the same approach
// knative.dev/serving uses for its own config maps).
//
// Configuration is read-only after initialization (spec §5): callers
// obtain the current value through an atomic.Pointer published once at
// startup, never mutated in place.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ghodss/yaml"
)

// TTLConfig is cache.ttl.{ok,clientError,serverError,redirects} (spec §6).
type TTLConfig struct {
	OK          int `json:"ok"`
	ClientError int `json:"clientError"`
	ServerError int `json:"serverError"`
	Redirects   int `json:"redirects"`
}

// CacheConfig is the cache.* block of the configuration shape.
type CacheConfig struct {
	TTL                  TTLConfig `json:"ttl"`
	EnableVersioning     bool      `json:"enableVersioning"`
	EnableCacheTags      bool      `json:"enableCacheTags"`
	StoreIndefinitely    bool      `json:"storeIndefinitely"`
	BypassQueryParameters []string `json:"bypassQueryParameters"`
}

// Derivative is one named transformation preset (spec §GLOSSARY).
type Derivative struct {
	Name        string `json:"-"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Quality     string `json:"quality"`
	Compression string `json:"compression"`
	Format      string `json:"format"`
	Mode        string `json:"mode"`
}

// Breakpoint is one width range mapped to a derivative (spec §4.9.1,
// §GLOSSARY). Min and Max are both inclusive; a nil Max means
// "open-ended," which only the last breakpoint in the sorted list may be.
type Breakpoint struct {
	Name       string `json:"-"`
	Min        *int   `json:"min,omitempty"`
	Max        *int   `json:"max,omitempty"`
	Derivative string `json:"derivative"`
}

// AuthConfig describes how a Source authenticates against its origin
// (spec §3 Source.auth). Kind selects the pluggable strategy; the
// remaining fields are interpreted according to Kind.
type AuthConfig struct {
	Kind       string `json:"kind"` // "none" | "query-token" | "header-token" | "presigned"
	HeaderName string `json:"headerName,omitempty"`
	TokenEnv   string `json:"tokenEnv,omitempty"`
	Region     string `json:"region,omitempty"`
}

// Source is one concrete origin endpoint (spec §3 Source).
type Source struct {
	Type         string     `json:"type"` // "r2" | "bucket" | "remote" | "fallback"
	Priority     int        `json:"priority"`
	PathTemplate string     `json:"pathTemplate"`
	BaseURL      string     `json:"baseUrl,omitempty"`
	Bucket       string     `json:"bucket,omitempty"`
	Auth         AuthConfig `json:"auth"`
}

// Origin is a declarative routing rule (spec §3 Origin).
type Origin struct {
	Name                    string            `json:"name"`
	MatcherPattern          string            `json:"matcher"`
	Matcher                 *regexp.Regexp    `json:"-"`
	Sources                 []Source          `json:"sources"`
	TTL                     *TTLConfig        `json:"ttl,omitempty"`
	TransformationOverrides map[string]string `json:"transformationOverrides,omitempty"`
}

// SortedSources returns Sources ordered ascending by Priority,
// excluding any whose Type is in exclude.
func (o Origin) SortedSources(exclude map[string]bool) []Source {
	out := make([]Source, 0, len(o.Sources))
	for _, s := range o.Sources {
		if exclude[s.Type] {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// FileConfig is the shape parsed from the YAML configuration file:
// derivatives, breakpoints, origins, video defaults, and the cache
// policy block. Kept separate from process-level Config so the two
// sources of truth (file vs env) stay explicit.
type FileConfig struct {
	Cache                 CacheConfig           `json:"cache"`
	VideoDefaults         Derivative            `json:"videoDefaults"`
	Derivatives           map[string]Derivative `json:"derivatives"`
	ResponsiveBreakpoints map[string]Breakpoint `json:"responsiveBreakpoints"`
	Origins               []Origin              `json:"origins"`
	StoragePriority       []string              `json:"storagePriority"`
}

// Config is the fully resolved, immutable configuration handle
// injected into components (Design Note: "explicit, read-only
// configuration handle").
type Config struct {
	// Process-level (env)
	ListenAddr        string
	LogLevel          slog.Level
	StorageBackend    string // "s3" | "fs"
	FSRoot            string
	S3Bucket          string
	S3Prefix          string
	S3ForcePathStyle  bool
	RedisAddr         string
	RedisDB           int
	UpstreamBaseURL   string
	DebugUIEnabled    bool
	AdminListEnabled  bool
	RequestTimeout    time.Duration

	// File-derived
	File FileConfig

	// Breakpoints sorted ascending by Min for first-match-wins lookup
	// (spec §4.9.1 "first match wins; ranges must be non-overlapping
	// and cover [0, ∞)").
	SortedBreakpoints []Breakpoint
}

// current holds the published, read-only configuration. Swaps happen
// through atomic pointer publication (spec §5), never in-place mutation.
var current atomic.Pointer[Config]

// Current returns the most recently published configuration.
func Current() *Config { return current.Load() }

// Publish atomically installs cfg as the current configuration.
func Publish(cfg *Config) { current.Store(cfg) }

// Load builds a Config from environment variables and, if
// CONFIG_FILE is set, a YAML file. It validates origin matchers and
// breakpoint coverage once, at startup, per spec §6's "Configuration
// is read-only after initialization."
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		LogLevel:         parseLogLevel(envOr("LOG_LEVEL", "info")),
		StorageBackend:   envOr("STORAGE_BACKEND", "s3"),
		FSRoot:           envOr("FS_ROOT", "/data/videogate-cache"),
		S3Bucket:         envOr("S3_BUCKET", "videogate-cache"),
		S3Prefix:         os.Getenv("S3_PREFIX"),
		S3ForcePathStyle: envOr("S3_FORCE_PATH_STYLE", "true") == "true",
		RedisAddr:        envOr("REDIS_ADDR", "localhost:6379"),
		RedisDB:          envInt("REDIS_DB", 0),
		UpstreamBaseURL:  os.Getenv("UPSTREAM_TRANSFORM_URL"),
		DebugUIEnabled:   envOr("DEBUG_UI_ENABLED", "false") == "true",
		AdminListEnabled: envOr("ADMIN_LIST_ENABLED", "false") == "true",
		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 30*time.Second),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		var fc FileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		for name, d := range fc.Derivatives {
			d.Name = name
			fc.Derivatives[name] = d
		}
		for i := range fc.Origins {
			re, err := regexp.Compile(fc.Origins[i].MatcherPattern)
			if err != nil {
				return nil, fmt.Errorf("origin %q: compiling matcher: %w", fc.Origins[i].Name, err)
			}
			fc.Origins[i].Matcher = re
		}
		cfg.File = fc
		cfg.SortedBreakpoints, err = sortedAndValidatedBreakpoints(fc.ResponsiveBreakpoints)
		if err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// sortedAndValidatedBreakpoints sorts breakpoints ascending by Min and
// verifies they are non-overlapping and cover [0, ∞) (spec §4.9.1).
func sortedAndValidatedBreakpoints(m map[string]Breakpoint) ([]Breakpoint, error) {
	out := make([]Breakpoint, 0, len(m))
	for name, bp := range m {
		bp.Name = name
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool {
		return minOf(out[i]) < minOf(out[j])
	})

	if len(out) == 0 {
		return out, nil
	}
	if minOf(out[0]) != 0 {
		return nil, fmt.Errorf("responsive breakpoints must start at 0, first breakpoint %q starts at %d", out[0].Name, minOf(out[0]))
	}
	for i := 0; i < len(out)-1; i++ {
		curMax := maxOf(out[i])
		nextMin := minOf(out[i+1])
		if curMax != nextMin {
			return nil, fmt.Errorf("responsive breakpoints %q and %q are not contiguous: %d != %d", out[i].Name, out[i+1].Name, curMax, nextMin)
		}
	}
	if out[len(out)-1].Max != nil {
		return nil, fmt.Errorf("the last responsive breakpoint %q must be open-ended (no max)", out[len(out)-1].Name)
	}
	return out, nil
}

func minOf(bp Breakpoint) int {
	if bp.Min == nil {
		return 0
	}
	return *bp.Min
}

func maxOf(bp Breakpoint) int {
	if bp.Max == nil {
		return int(^uint(0) >> 1)
	}
	return *bp.Max
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MatchOrigin finds the first Origin whose matcher matches path,
// returning the origin and the regex capture groups (spec §4.13 step 2,
// "first regex match wins; capture groups recorded").
func (c *Config) MatchOrigin(path string) (Origin, []string, bool) {
	for _, o := range c.File.Origins {
		if o.Matcher == nil {
			continue
		}
		m := o.Matcher.FindStringSubmatch(path)
		if m != nil {
			return o, m, true
		}
	}
	return Origin{}, nil, false
}
