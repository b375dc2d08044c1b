// Package amount flags suspiciously small transfers (trait 2). Poisoning
// attackers keep the transfer tiny to minimise the cost of each attempt.
package amount

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultThreshold is the small-amount cutoff in token units.
const DefaultThreshold = 0.001

// Evidence explains a trait-2 hit.
type Evidence struct {
	TokenAmount float64 `json:"token_amount"`
	Threshold   float64 `json:"threshold"`
}

// MarshalJSON renders an infinite amount as a string ("-Inf") since JSON has
// no literal for it.
func (e Evidence) MarshalJSON() ([]byte, error) {
	type plain Evidence
	if !math.IsInf(e.TokenAmount, 0) {
		return json.Marshal(plain(e))
	}
	return json.Marshal(struct {
		TokenAmount string  `json:"token_amount"`
		Threshold   float64 `json:"threshold"`
	}{Format(e.TokenAmount), e.Threshold})
}

// Result is the outcome of a small-amount check. Evidence is nil on a miss.
type Result struct {
	Hit      bool
	Evidence *Evidence
}

// Strength returns the trait-2 signal: 1 on a hit, 0 otherwise.
func (r Result) Strength() float64 {
	if r.Hit {
		return 1
	}
	return 0
}

// Check reports whether raw parses to an amount at or below threshold. The
// comparison is on the parsed float64, so digits beyond float precision are
// rounded away first. A value that does not parse is NaN and never hits;
// that is a miss, not an error.
func Check(raw string, threshold float64) Result {
	v := Parse(raw)
	if !(v <= threshold) {
		return Result{}
	}
	return Result{
		Hit:      true,
		Evidence: &Evidence{TokenAmount: v, Threshold: threshold},
	}
}

// Format renders v in plain decimal notation ("5e-4" becomes "0.0005").
func Format(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return decimal.NewFromFloat(v).String()
}

// Parse reads the longest leading decimal literal from raw, skipping leading
// whitespace. Trailing garbage is ignored ("0.5 USDT" reads as 0.5); no
// numeric prefix yields NaN.
func Parse(raw string) float64 {
	s := strings.TrimLeft(raw, " \t\n\r\v\f")
	if inf, ok := parseInfinity(s); ok {
		return inf
	}

	end := scanNumber(s)
	if end == 0 {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		// Out-of-range exponents saturate to ±Inf with a non-nil error.
		if math.IsInf(v, 0) {
			return v
		}
		return math.NaN()
	}
	return v
}

func parseInfinity(s string) (float64, bool) {
	sign := 1.0
	body := s
	if strings.HasPrefix(body, "-") {
		sign, body = -1, body[1:]
	} else if strings.HasPrefix(body, "+") {
		body = body[1:]
	}
	if strings.HasPrefix(body, "Infinity") {
		return math.Inf(int(sign)), true
	}
	return 0, false
}

// scanNumber returns the length of the decimal literal at the start of s:
// [sign] digits [. digits] [e [sign] digits], with at least one mantissa
// digit. An exponent without digits is not consumed.
func scanNumber(s string) int {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	mantissa := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		mantissa++
	}
	if i < len(s) && s[i] == '.' {
		j := i + 1
		frac := 0
		for j < len(s) && isDigit(s[j]) {
			j++
			frac++
		}
		if mantissa+frac > 0 {
			i = j
			mantissa += frac
		}
	}
	if mantissa == 0 {
		return 0
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		exp := 0
		for j < len(s) && isDigit(s[j]) {
			j++
			exp++
		}
		if exp > 0 {
			i = j
		}
	}
	return i
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
