// Package temporal scores how soon a candidate transaction followed an
// anchor transaction (trait 3).
package temporal

import (
	"math"
	"strconv"
	"strings"
)

// Default decay parameters.
const (
	DefaultTMin = 120   // 2 minutes
	DefaultTMax = 21600 // 6 hours
	DefaultK    = 3
)

// Evidence error tags.
const (
	ErrMissingTimestamp = "missing_timestamp"
	ErrInvalidTimestamp = "invalid_timestamp"
)

// Params configures the decay curve. TMin and TMax are seconds.
type Params struct {
	TMin float64 `json:"t_min"`
	TMax float64 `json:"t_max"`
	K    float64 `json:"k"`
}

// Evidence explains a trait-3 evaluation. Error is set when the timestamps
// could not be compared; the numeric fields are nil when unavailable.
type Evidence struct {
	Error        string   `json:"error,omitempty"`
	TAnchor      *float64 `json:"t_anchor"`
	TCandidate   *float64 `json:"t_candidate"`
	DeltaSeconds *float64 `json:"deltaT_seconds"`
	TMin         float64  `json:"t_min,omitempty"`
	TMax         float64  `json:"t_max,omitempty"`
	K            float64  `json:"k,omitempty"`
	R            *float64 `json:"r"`
	Strength     float64  `json:"strength"`
}

// Result is the outcome of one anchor/candidate comparison.
type Result struct {
	Hit      bool
	Strength float64
	Evidence *Evidence
}

// Score compares the anchor and candidate Unix-second timestamps.
// Only a candidate that follows the anchor counts as evidence.
func Score(anchorTS, candidateTS string, p Params) Result {
	if anchorTS == "" || candidateTS == "" {
		return Result{Evidence: &Evidence{Error: ErrMissingTimestamp}}
	}

	tAnchor, okA := ParseUnix(anchorTS)
	tCandidate, okC := ParseUnix(candidateTS)
	if !okA || !okC {
		ev := &Evidence{Error: ErrInvalidTimestamp}
		if okA {
			ev.TAnchor = &tAnchor
		}
		if okC {
			ev.TCandidate = &tCandidate
		}
		return Result{Evidence: ev}
	}

	dt := tCandidate - tAnchor

	var (
		strength float64
		hit      bool
		r        *float64
	)
	switch {
	case dt <= 0:
		// Candidate at or before the anchor.
	case dt <= p.TMin:
		strength, hit = 1, true
	case dt < p.TMax:
		norm := (dt - p.TMin) / (p.TMax - p.TMin)
		r = &norm
		strength, hit = math.Exp(-p.K*norm), true
	}

	ev := &Evidence{
		TAnchor:    &tAnchor,
		TCandidate: &tCandidate,
		TMin:       p.TMin,
		TMax:       p.TMax,
		K:          p.K,
		R:          r,
		Strength:   strength,
	}
	// Operands near the float64 limit can still overflow to ±Inf, which is
	// a miss either way and has no JSON encoding.
	if !math.IsInf(dt, 0) {
		ev.DeltaSeconds = &dt
	}
	return Result{Hit: hit, Strength: clip(strength), Evidence: ev}
}

// ParseUnix reads a leading base-10 integer from s, skipping leading
// whitespace and accepting one sign. Trailing characters are ignored so
// "1700000000.5" reads as 1700000000. The value is a float64 so digit runs
// past the int64 range still parse; ok is false when no digits are found or
// the value is not finite.
func ParseUnix(s string) (v float64, ok bool) {
	s = strings.TrimLeft(s, " \t\n\r\v\f")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func clip(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
