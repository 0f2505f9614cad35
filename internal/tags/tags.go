// Package tags generates the short vp-* cache-tag set for a variant
// (spec §4.5, C5), used for tag-based purge.
package tags

import (
	"strconv"
	"strings"

	"github.com/vflow/videogate/internal/keyutil"
	"github.com/vflow/videogate/internal/options"
)

const maxTagsPerEntry = 8

// shortPath returns the last two path segments joined by '-' with
// separators replaced by '-' (spec §4.5).
func shortPath(path string) string {
	path = strings.Trim(path, "/")
	segs := strings.Split(path, "/")
	if len(segs) > 2 {
		segs = segs[len(segs)-2:]
	}
	return strings.Join(segs, "-")
}

// Generate produces the deduplicated tag array for path and opts,
// with imqueryUsed set if the originating request carried IMQuery
// parameters (spec §4.5 "vp-imq").
func Generate(path string, mode keyutil.Mode, opts options.TransformOptions, imqueryUsed bool) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tag string) {
		if len(tag) > 128 {
			tag = tag[:128]
		}
		tag = strings.ToLower(tag)
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}

	sp := shortPath(path)
	add("vp-p-" + sp)
	if opts.Derivative != "" {
		add("vp-p-" + sp + "-" + opts.Derivative)
		add("vp-d-" + opts.Derivative)
	}
	if opts.Format != "" {
		add("vp-f-" + opts.Format)
	}
	if mode != keyutil.ModeVideo {
		add("vp-m-" + string(mode))
	}
	switch mode {
	case keyutil.ModeFrame:
		if opts.Time != "" {
			add("vp-t-" + opts.Time)
		}
	case keyutil.ModeSpritesheet:
		if opts.Time != "" {
			add("vp-t-" + opts.Time)
		}
		if opts.Cols != nil {
			add("vp-c-" + strconv.Itoa(*opts.Cols))
		}
		if opts.Rows != nil {
			add("vp-r-" + strconv.Itoa(*opts.Rows))
		}
		if opts.Interval != "" {
			add("vp-i-" + opts.Interval)
		}
	}
	if imqueryUsed {
		add("vp-imq")
	}

	if opts.MappedFromIMQuery && opts.RequestedWidth > 0 {
		// Secondary diagnostic tag (spec §4.9.4); only added if there's
		// still budget left in the practical 8-tag-per-entry cap.
		if len(out) < maxTagsPerEntry {
			add("vp-requested-width-" + strconv.Itoa(opts.RequestedWidth))
		}
	}

	if len(out) > maxTagsPerEntry {
		out = out[:maxTagsPerEntry]
	}
	return out
}

