// Package risk runs address-poisoning analysis over a transaction set.
//
// Each transaction is compared against every same-family anchor for three
// traits: a look-alike address (trait 1), a dust amount (trait 2) and close
// timing after the anchor (trait 3). A logistic model turns the three
// strengths into a confidence and a leveled action. Only transactions with at
// least one positive trait produce a Result.
package risk

import (
	"sort"

	"github.com/mbd888/poisonguard/internal/amount"
	"github.com/mbd888/poisonguard/internal/dataset"
	"github.com/mbd888/poisonguard/internal/decision"
	"github.com/mbd888/poisonguard/internal/similarity"
	"github.com/mbd888/poisonguard/internal/temporal"
)

// Highlight marks the matched prefix and suffix lengths of both addresses so
// a renderer can emphasise them without recomputing.
type Highlight struct {
	Prefix int `json:"prefix"`
	Suffix int `json:"suffix"`
}

// Result is the analysis outcome for one flagged transaction. Anchor is nil
// when only the amount trait fired.
type Result struct {
	Transaction    dataset.Transaction  `json:"transaction"`
	Anchor         *dataset.Anchor      `json:"anchor"`
	S1             float64              `json:"s1"`
	S2             float64              `json:"s2"`
	S3             float64              `json:"s3"`
	Trait1Evidence *similarity.Evidence `json:"trait1_evidence"`
	Trait2Evidence *amount.Evidence     `json:"trait2_evidence"`
	Trait3Evidence *temporal.Evidence   `json:"trait3_evidence"`
	Decision       decision.Decision    `json:"decision"`
	Highlight      *Highlight           `json:"highlight,omitempty"`
}

// Summary aggregates a result list.
type Summary struct {
	Total         int                     `json:"total"`
	ByAction      map[decision.Action]int `json:"byAction"`
	MaxConfidence float64                 `json:"maxConfidence"`
	HighestAction decision.Action         `json:"highestAction,omitempty"`
}

// Summarize counts results per action and tracks the most severe outcome.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results), ByAction: make(map[decision.Action]int)}
	for _, r := range results {
		s.ByAction[r.Decision.Action]++
		if r.Decision.Confidence > s.MaxConfidence {
			s.MaxConfidence = r.Decision.Confidence
		}
		if s.HighestAction == "" || r.Decision.Action.Rank() > s.HighestAction.Rank() {
			s.HighestAction = r.Decision.Action
		}
	}
	return s
}

// Filter returns the results whose action is at least min.
func Filter(results []Result, min decision.Action) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Decision.Action.AtLeast(min) {
			out = append(out, r)
		}
	}
	return out
}

// sortByConfidence orders results by descending confidence; ties keep input
// order.
func sortByConfidence(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Decision.Confidence > results[j].Decision.Confidence
	})
}
