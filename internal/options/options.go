// Package options implements the Option Resolver (spec §4.10, C10):
// merging mode defaults, derivative defaults, path-pattern overrides,
// and parsed URL query parameters into the final TransformOptions used
// for key derivation, upstream URL construction, cache tagging, and
// metadata. The resolver is pure and holds no state of its own.
package options

import (
	"net/url"
	"strconv"

	"github.com/vflow/videogate/internal/config"
	"github.com/vflow/videogate/internal/keyutil"
)

// TransformOptions is the canonical request intent (spec §3). Pointer
// fields model "positive integer or null"; a nil field means absent.
type TransformOptions struct {
	Mode        keyutil.Mode
	Derivative  string
	Width       *int
	Height      *int
	Quality     string
	Compression string
	Format      string
	Time        string
	Duration    string
	Cols        *int
	Rows        *int
	Interval    string
	Version     int

	// RequestedWidth/RequestedHeight preserve the client's raw
	// dimensions when IMQuery substitutes a derivative's canonical
	// size (spec §4.9.4); zero means "no substitution happened."
	RequestedWidth  int
	RequestedHeight int
	MappedFromIMQuery bool
}

// ToKeyutilOptions projects TransformOptions onto the pure, minimal
// shape keyutil.BaseKey consumes.
func (o TransformOptions) ToKeyutilOptions() keyutil.Options {
	return keyutil.Options{
		Derivative:  o.Derivative,
		Width:       intOr(o.Width),
		Height:      intOr(o.Height),
		Quality:     o.Quality,
		Compression: o.Compression,
		Format:      o.Format,
		Time:        o.Time,
		Duration:    o.Duration,
		Cols:        intOr(o.Cols),
		Rows:        intOr(o.Rows),
		Interval:    o.Interval,
	}
}

func intOr(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// validModes enumerates the mode tagged union (Design Note: "Runtime
// reflection on option objects maps to exhaustive enumeration").
var validModes = map[string]keyutil.Mode{
	"video":       keyutil.ModeVideo,
	"frame":       keyutil.ModeFrame,
	"spritesheet": keyutil.ModeSpritesheet,
	"audio":       keyutil.ModeAudio,
}

var validQuality = map[string]bool{"low": true, "medium": true, "high": true, "auto": true}
var validCompression = map[string]bool{"low": true, "medium": true, "high": true, "auto": true, "lossless": true}

// Resolve merges, in strict precedence (later wins): mode defaults,
// derivative defaults, path-pattern overrides, then parsed query
// parameters. Invalid enumerated values fall back to defaults; the
// caller is expected to log the structured warning (spec §4.10).
func Resolve(cfg *config.Config, origin config.Origin, query url.Values, derivativeName string) (TransformOptions, []string) {
	var warnings []string
	opts := TransformOptions{Version: 1}

	// 1. Mode defaults.
	vd := cfg.File.VideoDefaults
	opts.Mode = keyutil.ModeVideo
	opts.Quality = vd.Quality
	opts.Compression = vd.Compression
	opts.Format = vd.Format
	if vd.Width > 0 {
		opts.Width = ptr(vd.Width)
	}
	if vd.Height > 0 {
		opts.Height = ptr(vd.Height)
	}

	// 2. Derivative defaults.
	if derivativeName != "" {
		if d, ok := cfg.File.Derivatives[derivativeName]; ok {
			opts.Derivative = derivativeName
			opts.Width = ptr(d.Width)
			opts.Height = ptr(d.Height)
			opts.Quality = d.Quality
			opts.Compression = d.Compression
			opts.Format = d.Format
			if d.Mode != "" {
				if m, ok := validModes[d.Mode]; ok {
					opts.Mode = m
				}
			}
		} else {
			warnings = append(warnings, "unknown derivative: "+derivativeName)
		}
	}

	// 3. Path-pattern transformation overrides.
	for k, v := range origin.TransformationOverrides {
		applyField(&opts, k, v, &warnings)
	}

	// 4. Parsed URL query parameters (validated; invalid falls back).
	for _, k := range []string{"mode", "width", "height", "quality", "compression", "format", "time", "duration", "cols", "rows", "interval", "derivative"} {
		if v := query.Get(k); v != "" {
			applyField(&opts, k, v, &warnings)
		}
	}

	// Derivative invariant: if a derivative ended up set via override
	// or query param after step 2, re-apply its canonical dimensions
	// so width/height/quality/compression/format always reflect the
	// derivative, never the client's raw request (spec §3 invariant).
	if opts.Derivative != "" {
		if d, ok := cfg.File.Derivatives[opts.Derivative]; ok {
			opts.Width = ptr(d.Width)
			opts.Height = ptr(d.Height)
			opts.Quality = d.Quality
			opts.Compression = d.Compression
			opts.Format = d.Format
		}
	}

	return opts, warnings
}

func applyField(opts *TransformOptions, key, value string, warnings *[]string) {
	switch key {
	case "mode":
		if m, ok := validModes[value]; ok {
			opts.Mode = m
		} else {
			*warnings = append(*warnings, "invalid mode: "+value)
		}
	case "width":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			opts.Width = ptr(n)
		} else {
			*warnings = append(*warnings, "invalid width: "+value)
		}
	case "height":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			opts.Height = ptr(n)
		} else {
			*warnings = append(*warnings, "invalid height: "+value)
		}
	case "quality":
		if validQuality[value] {
			opts.Quality = value
		} else {
			*warnings = append(*warnings, "invalid quality: "+value)
		}
	case "compression":
		if validCompression[value] {
			opts.Compression = value
		} else {
			*warnings = append(*warnings, "invalid compression: "+value)
		}
	case "format":
		opts.Format = value
	case "time":
		opts.Time = value
	case "duration":
		opts.Duration = value
	case "cols":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			opts.Cols = ptr(n)
		} else {
			*warnings = append(*warnings, "invalid cols: "+value)
		}
	case "rows":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			opts.Rows = ptr(n)
		} else {
			*warnings = append(*warnings, "invalid rows: "+value)
		}
	case "interval":
		opts.Interval = value
	case "derivative":
		opts.Derivative = value
	}
}

func ptr(n int) *int { return &n }
