// Package decision combines the three trait strengths into a confidence via
// a logistic model with pairwise interaction terms, and maps the confidence
// to a leveled action.
package decision

import (
	"fmt"
	"math"
)

// Action is the recommended handling of a transaction.
type Action string

const (
	ActionPass     Action = "PASS"
	ActionReminder Action = "REMINDER"
	ActionWarning  Action = "WARNING"
	ActionBlock    Action = "BLOCK"
)

// Rank orders actions by severity. Unknown actions rank with WARNING so an
// operator-defined label is never treated as harmless.
func (a Action) Rank() int {
	switch a {
	case ActionPass:
		return 0
	case ActionReminder:
		return 1
	case ActionBlock:
		return 3
	default:
		return 2
	}
}

// AtLeast reports whether a is as severe as b.
func (a Action) AtLeast(b Action) bool {
	return a.Rank() >= b.Rank()
}

// Band maps confidences below Below to Level and Action.
type Band struct {
	Below  float64 `json:"below"`
	Level  string  `json:"level"`
	Action Action  `json:"action"`
}

// Model holds the logistic coefficients and the ordered bands. Top applies
// when confidence reaches every band's Below.
type Model struct {
	Bias  float64
	W1    float64
	W2    float64
	W3    float64
	B12   float64
	B13   float64
	B23   float64
	Bands []Band
	Top   Band
}

// DefaultBands returns the two-cutoff scheme: PASS below t0, WARNING below
// t1, BLOCK otherwise.
func DefaultBands(t0, t1 float64) ([]Band, Band) {
	return []Band{
			{Below: t0, Level: "L0", Action: ActionPass},
			{Below: t1, Level: "L2", Action: ActionWarning},
		},
		Band{Level: "L3", Action: ActionBlock}
}

// Decision is the model output for one transaction.
type Decision struct {
	ZBase        float64 `json:"zBase"`
	ZInteraction float64 `json:"zInteraction"`
	Z            float64 `json:"z"`
	Confidence   float64 `json:"confidence"`
	Level        string  `json:"level"`
	Action       Action  `json:"action"`
}

// Decide evaluates the model for trait strengths s1, s2, s3.
func Decide(s1, s2, s3 float64, m Model) Decision {
	zBase := m.Bias + m.W1*s1 + m.W2*s2 + m.W3*s3
	zInteraction := m.B12*s1*s2 + m.B13*s1*s3 + m.B23*s2*s3
	z := zBase + zInteraction
	confidence := Logistic(z)

	band := m.Classify(confidence)
	return Decision{
		ZBase:        zBase,
		ZInteraction: zInteraction,
		Z:            z,
		Confidence:   confidence,
		Level:        band.Level,
		Action:       band.Action,
	}
}

// Classify returns the first band whose Below exceeds confidence, or Top.
func (m Model) Classify(confidence float64) Band {
	for _, b := range m.Bands {
		if confidence < b.Below {
			return b
		}
	}
	return m.Top
}

// Logistic squashes z into (0, 1).
func Logistic(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// ValidateBands checks that cutoffs are strictly increasing and every band
// is labelled.
func ValidateBands(bands []Band, top Band) error {
	prev := math.Inf(-1)
	for i, b := range bands {
		if math.IsNaN(b.Below) || b.Below <= prev {
			return fmt.Errorf("band %d: cutoff %v must be greater than the previous cutoff", i, b.Below)
		}
		if b.Level == "" || b.Action == "" {
			return fmt.Errorf("band %d: level and action are required", i)
		}
		prev = b.Below
	}
	if top.Level == "" || top.Action == "" {
		return fmt.Errorf("top band: level and action are required")
	}
	return nil
}
