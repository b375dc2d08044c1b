// Package similarity scores how closely a counterparty address imitates a
// reference address (trait 1).
//
// Three sub-rules run independently over the common prefix and suffix
// lengths of the two addresses:
//
//	A  suffix only
//	B  prefix only
//	C  suffix and prefix together
//
// Each rule has its own boolean hit condition. A rule's strength comes from a
// ramp-with-floor over the matched length, so a qualifying match never starts
// below the floor s0. The overall strength is the maximum over the rules that
// hit.
package similarity

import (
	"fmt"

	"github.com/mbd888/poisonguard/internal/address"
)

// Policy selects how rule C combines its suffix and prefix ramps.
type Policy string

const (
	// PolicyBoostMax multiplies the stronger of the two ramps by CBoost.
	PolicyBoostMax Policy = "boost_max"
	// PolicyMin takes the weaker of the two ramps with no multiplier.
	PolicyMin Policy = "min"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyBoostMax || p == PolicyMin
}

// Rule identifies a sub-rule.
type Rule string

const (
	RuleA Rule = "A"
	RuleB Rule = "B"
	RuleC Rule = "C"
)

// MatchType describes which ends of the address carried the primary rule.
func (r Rule) MatchType() string {
	switch r {
	case RuleA:
		return "suffix"
	case RuleB:
		return "prefix"
	case RuleC:
		return "prefix+suffix"
	default:
		return ""
	}
}

// Window is a (threshold, saturation) length pair for one ramp.
type Window struct {
	L0 float64 `json:"l0"`
	L1 float64 `json:"l1"`
}

// RuleSet holds the ramp windows for a single address family.
type RuleSet struct {
	SuffixA Window `json:"suffixA"`
	PrefixB Window `json:"prefixB"`
	SuffixC Window `json:"suffixC"`
	PrefixC Window `json:"prefixC"`
}

// Params configures the matcher. All lengths and the boost are tunable.
type Params struct {
	S0     float64 `json:"s0"`
	CBoost float64 `json:"cBoost"`
	Policy Policy  `json:"policy"`
	EVM    RuleSet `json:"evm"`
	Tron   RuleSet `json:"tron"`
}

// RulesFor returns the rule set for an address family.
func (p Params) RulesFor(t address.Type) (RuleSet, bool) {
	switch t {
	case address.TypeEVM:
		return p.EVM, true
	case address.TypeTron:
		return p.Tron, true
	default:
		return RuleSet{}, false
	}
}

// Evidence explains a trait-1 hit.
type Evidence struct {
	MatchType   string       `json:"match_type"`
	PrimaryRule Rule         `json:"primary_rule"`
	RefAddr     string       `json:"ref_addr"`
	SuspectAddr string       `json:"suspect_addr"`
	AddrType    address.Type `json:"addr_type"`
	PrefixLen   int          `json:"prefix_len"`
	SuffixLen   int          `json:"suffix_len"`
	StrengthA   float64      `json:"strength_A"`
	StrengthB   float64      `json:"strength_B"`
	StrengthC   float64      `json:"strength_C"`
	Strength    float64      `json:"strength"`
}

// Result is the outcome of comparing one candidate against one reference.
// Evidence is nil on a miss.
type Result struct {
	Hit      bool
	Strength float64
	Evidence *Evidence
}

// Clip bounds x to [0, 1].
func Clip(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// Ramp is 0 below l0, s0 at l0, rises linearly to 1 at l1 and stays there.
func Ramp(x, l0, l1, s0 float64) float64 {
	if x < l0 {
		return 0
	}
	if x >= l1 {
		return 1
	}
	return s0 + (1-s0)*(x-l0)/(l1-l0)
}

func (w Window) ramp(x int, s0 float64) float64 {
	return Ramp(float64(x), w.L0, w.L1, s0)
}

func (w Window) reached(x int) bool {
	return float64(x) >= w.L0
}

// Match compares a candidate address against a reference address.
func Match(candidate, reference string, p Params) Result {
	// Identical addresses are not poisoning.
	if address.Equal(candidate, reference) {
		return Result{}
	}

	ct := address.Classify(candidate)
	if !address.Comparable(ct, address.Classify(reference)) {
		return Result{}
	}
	rules, ok := p.RulesFor(ct)
	if !ok {
		return Result{}
	}

	prefixLen := address.PrefixMatchLen(candidate, reference)
	suffixLen := address.SuffixMatchLen(candidate, reference)

	hitA := rules.SuffixA.reached(suffixLen)
	hitB := rules.PrefixB.reached(prefixLen)
	hitC := rules.SuffixC.reached(suffixLen) && rules.PrefixC.reached(prefixLen)
	if !hitA && !hitB && !hitC {
		return Result{}
	}

	var sA, sB, sC float64
	if hitA {
		sA = rules.SuffixA.ramp(suffixLen, p.S0)
	}
	if hitB {
		sB = rules.PrefixB.ramp(prefixLen, p.S0)
	}
	if hitC {
		sC = combine(p, rules.SuffixC.ramp(suffixLen, p.S0), rules.PrefixC.ramp(prefixLen, p.S0))
	}

	strength := max(sA, sB, sC)
	primary := primaryRule(strength, sA, sB, sC, hitA, hitB, hitC)
	strength = Clip(strength)

	return Result{
		Hit:      true,
		Strength: strength,
		Evidence: &Evidence{
			MatchType:   primary.MatchType(),
			PrimaryRule: primary,
			RefAddr:     reference,
			SuspectAddr: candidate,
			AddrType:    ct,
			PrefixLen:   prefixLen,
			SuffixLen:   suffixLen,
			StrengthA:   sA,
			StrengthB:   sB,
			StrengthC:   sC,
			Strength:    strength,
		},
	}
}

func combine(p Params, suffix, prefix float64) float64 {
	if p.Policy == PolicyMin {
		return Clip(min(suffix, prefix))
	}
	return Clip(p.CBoost * max(suffix, prefix))
}

// primaryRule attributes the strength to a rule with precedence C > A > B.
// When no hitting rule reaches the maximum the first hitting rule in A, B, C
// order is used.
func primaryRule(strength, sA, sB, sC float64, hitA, hitB, hitC bool) Rule {
	switch {
	case hitC && sC == strength:
		return RuleC
	case hitA && sA == strength:
		return RuleA
	case hitB && sB == strength:
		return RuleB
	case hitA:
		return RuleA
	case hitB:
		return RuleB
	default:
		return RuleC
	}
}

// Validate checks that every window is well formed.
func (rs RuleSet) Validate(prefix string) error {
	windows := []struct {
		name string
		w    Window
	}{
		{"suffix_A", rs.SuffixA},
		{"prefix_B", rs.PrefixB},
		{"suffix_C", rs.SuffixC},
		{"prefix_C", rs.PrefixC},
	}
	for _, w := range windows {
		if w.w.L0 < 0 {
			return fmt.Errorf("%s_L0_%s must not be negative", prefix, w.name)
		}
		if w.w.L1 <= w.w.L0 {
			return fmt.Errorf("%s_L1_%s must be greater than %s_L0_%s", prefix, w.name, prefix, w.name)
		}
	}
	return nil
}
