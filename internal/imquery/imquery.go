// Package imquery implements the IMQuery Resolver (spec §4.9, C9):
// mapping responsive-sizing query parameters to a named derivative and
// its canonical dimensions.
package imquery

import (
	"math"
	"net/url"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vflow/videogate/internal/config"
)

// Params holds the recognized IMQuery query parameters (spec §6).
type Params struct {
	Width    int // imwidth
	Height   int // imheight
	ViewW    int // im-viewwidth
	ViewH    int // im-viewheight
	Density  float64
	Present  bool
}

// Parse extracts IMQuery parameters from a query string, including the
// compound `imref` reference parameter (a comma-separated k=v list).
func Parse(q url.Values) Params {
	var p Params
	if v := q.Get("imwidth"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Width = n
			p.Present = true
		}
	}
	if v := q.Get("imheight"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Height = n
			p.Present = true
		}
	}
	if v := q.Get("im-viewwidth"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.ViewW = n
			p.Present = true
		}
	}
	if v := q.Get("im-viewheight"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.ViewH = n
			p.Present = true
		}
	}
	if v := q.Get("im-density"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			p.Density = n
			p.Present = true
		}
	}
	if v := q.Get("imref"); v != "" {
		p.Present = true
		for _, kv := range strings.Split(v, ",") {
			k, val, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			switch strings.TrimSpace(k) {
			case "width":
				if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
					p.Width = n
				}
			case "height":
				if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
					p.Height = n
				}
			}
		}
	}

	// Fall back to viewport width when no explicit width hint was given.
	if p.Width == 0 && p.ViewW > 0 {
		p.Width = p.ViewW
	}
	return p
}

// Result is what the resolver decided for a request.
type Result struct {
	Derivative      string
	RequestedWidth  int
	RequestedHeight int
	Matched         bool
}

type normKey struct {
	w, h int
}

// Resolver holds the memoization cache from spec §4.9.5 ("mapping
// results are memoized by the normalized (width, height) pair for the
// lifetime of the process"). A bounded LRU rather than an unbounded
// map, since canonical (w, h) cardinality is unbounded in theory.
type Resolver struct {
	cache *lru.Cache[normKey, Result]
}

// NewResolver builds a Resolver with a memoization cache sized to hold
// capacity distinct (width, height) pairs.
func NewResolver(capacity int) *Resolver {
	c, _ := lru.New[normKey, Result](capacity)
	return &Resolver{cache: c}
}

// closestThreshold is the 25% relative-dimension-error cutoff above
// which no derivative is chosen (spec §4.9.2).
const closestThreshold = 0.25

// Resolve maps p to a derivative per spec §4.9:
//  1. width-only → breakpoint bucket (bucketed to the nearest 10px first)
//  2. width+height → closest-derivative by relative Euclidean error
func (r *Resolver) Resolve(cfg *config.Config, p Params) Result {
	if !p.Present || p.Width == 0 {
		return Result{}
	}

	w := bucketTo10(p.Width)
	h := p.Height

	key := normKey{w: w, h: h}
	if cached, ok := r.cache.Get(key); ok {
		return cached
	}

	var result Result
	if h > 0 {
		result = closestDerivative(cfg, w, h)
	} else {
		result = bucketBreakpoint(cfg, w)
	}
	result.RequestedWidth = p.Width
	result.RequestedHeight = p.Height

	r.cache.Add(key, result)
	return result
}

// bucketTo10 rounds width to the nearest 10px to reduce cache
// cardinality (spec §4.9.3).
func bucketTo10(w int) int {
	return int(math.Round(float64(w)/10.0) * 10)
}

// bucketBreakpoint implements width-only breakpoint-based mapping
// (spec §4.9.1): first match wins over a sorted, non-overlapping,
// [0, ∞)-covering list. An exact match on a breakpoint's upper bound
// maps to that breakpoint (spec §8 boundary behavior), so the comparison
// is inclusive on both ends of each [min, max] range as configured; a
// nil Max is open-ended.
func bucketBreakpoint(cfg *config.Config, w int) Result {
	for _, bp := range cfg.SortedBreakpoints {
		min := 0
		if bp.Min != nil {
			min = *bp.Min
		}
		if w < min {
			continue
		}
		if bp.Max == nil || w <= *bp.Max {
			return Result{Derivative: bp.Derivative, Matched: true}
		}
	}
	return Result{}
}

// closestDerivative implements closest-derivative selection by
// relative-dimension Euclidean error (spec §4.9.2).
func closestDerivative(cfg *config.Config, w, h int) Result {
	var best string
	bestErr := math.MaxFloat64
	for name, d := range cfg.File.Derivatives {
		if d.Width == 0 || d.Height == 0 {
			continue
		}
		ew := float64(w-d.Width) / float64(d.Width)
		eh := float64(h-d.Height) / float64(d.Height)
		e := math.Sqrt(ew*ew + eh*eh)
		if e < bestErr {
			bestErr = e
			best = name
		}
	}
	if best == "" || bestErr > closestThreshold {
		return Result{}
	}
	return Result{Derivative: best, Matched: true}
}
