// Package params holds the flat engine configuration: logistic weights,
// decision cutoffs, per-family similarity windows, temporal decay and the
// small-amount threshold.
//
// A Params value is an immutable snapshot. Apply returns a new snapshot and
// never mutates its receiver, so concurrent analyses always observe one
// consistent configuration.
package params

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/mbd888/poisonguard/internal/amount"
	"github.com/mbd888/poisonguard/internal/decision"
	"github.com/mbd888/poisonguard/internal/similarity"
	"github.com/mbd888/poisonguard/internal/temporal"
	"github.com/mbd888/poisonguard/internal/validation"
)

// Params is the flat configuration document. JSON keys are stable and shared
// with the HTTP API, the CLI and the params file.
type Params struct {
	// Logistic model
	Bias float64 `json:"bias"`
	W1   float64 `json:"w1"`
	W2   float64 `json:"w2"`
	W3   float64 `json:"w3"`
	B12  float64 `json:"b12"`
	B13  float64 `json:"b13"`
	B23  float64 `json:"b23"`

	// Decision cutoffs, used when Bands is empty
	T0 float64 `json:"t0"`
	T1 float64 `json:"t1"`

	// Address similarity
	S0      float64           `json:"s0"`
	CBoost  float64           `json:"c_boost"`
	CPolicy similarity.Policy `json:"c_policy"`

	EVML0SuffixA float64 `json:"evm_L0_suffix_A"`
	EVML1SuffixA float64 `json:"evm_L1_suffix_A"`
	EVML0PrefixB float64 `json:"evm_L0_prefix_B"`
	EVML1PrefixB float64 `json:"evm_L1_prefix_B"`
	EVML0SuffixC float64 `json:"evm_L0_suffix_C"`
	EVML1SuffixC float64 `json:"evm_L1_suffix_C"`
	EVML0PrefixC float64 `json:"evm_L0_prefix_C"`
	EVML1PrefixC float64 `json:"evm_L1_prefix_C"`

	TronL0SuffixA float64 `json:"tron_L0_suffix_A"`
	TronL1SuffixA float64 `json:"tron_L1_suffix_A"`
	TronL0PrefixB float64 `json:"tron_L0_prefix_B"`
	TronL1PrefixB float64 `json:"tron_L1_prefix_B"`
	TronL0SuffixC float64 `json:"tron_L0_suffix_C"`
	TronL1SuffixC float64 `json:"tron_L1_suffix_C"`
	TronL0PrefixC float64 `json:"tron_L0_prefix_C"`
	TronL1PrefixC float64 `json:"tron_L1_prefix_C"`

	// Temporal proximity (seconds)
	TMin float64 `json:"t_min"`
	TMax float64 `json:"t_max"`
	K    float64 `json:"k"`

	// Small amount
	AmountThreshold float64 `json:"amount_threshold"`

	// Optional leveled bands. When set they replace the t0/t1 scheme; the
	// last entry has no cutoff and catches everything above the others.
	Bands []decision.Band `json:"bands,omitempty"`
}

// Defaults returns the calibrated default configuration.
func Defaults() Params {
	return Params{
		Bias: -2.0,
		W1:   3.0, // address similarity
		W2:   1.5, // small amount
		W3:   0.8, // temporal proximity
		B12:  2.0,
		B13:  0.3,
		B23:  0.1,

		T0: 0.25,
		T1: 0.65,

		S0:      0.65,
		CBoost:  1.1,
		CPolicy: similarity.PolicyBoostMax,

		// EVM prefix lengths count the "0x".
		EVML0SuffixA: 4, EVML1SuffixA: 10,
		EVML0PrefixB: 6, EVML1PrefixB: 12,
		EVML0SuffixC: 3, EVML1SuffixC: 9,
		EVML0PrefixC: 5, EVML1PrefixC: 11,

		TronL0SuffixA: 4, TronL1SuffixA: 10,
		TronL0PrefixB: 4, TronL1PrefixB: 10,
		TronL0SuffixC: 3, TronL1SuffixC: 9,
		TronL0PrefixC: 3, TronL1PrefixC: 9,

		TMin: temporal.DefaultTMin,
		TMax: temporal.DefaultTMax,
		K:    temporal.DefaultK,

		AmountThreshold: amount.DefaultThreshold,
	}
}

// Similarity projects the trait-1 matcher configuration.
func (p Params) Similarity() similarity.Params {
	policy := p.CPolicy
	if policy == "" {
		policy = similarity.PolicyBoostMax
	}
	return similarity.Params{
		S0:     p.S0,
		CBoost: p.CBoost,
		Policy: policy,
		EVM: similarity.RuleSet{
			SuffixA: similarity.Window{L0: p.EVML0SuffixA, L1: p.EVML1SuffixA},
			PrefixB: similarity.Window{L0: p.EVML0PrefixB, L1: p.EVML1PrefixB},
			SuffixC: similarity.Window{L0: p.EVML0SuffixC, L1: p.EVML1SuffixC},
			PrefixC: similarity.Window{L0: p.EVML0PrefixC, L1: p.EVML1PrefixC},
		},
		Tron: similarity.RuleSet{
			SuffixA: similarity.Window{L0: p.TronL0SuffixA, L1: p.TronL1SuffixA},
			PrefixB: similarity.Window{L0: p.TronL0PrefixB, L1: p.TronL1PrefixB},
			SuffixC: similarity.Window{L0: p.TronL0SuffixC, L1: p.TronL1SuffixC},
			PrefixC: similarity.Window{L0: p.TronL0PrefixC, L1: p.TronL1PrefixC},
		},
	}
}

// Temporal projects the trait-3 decay configuration.
func (p Params) Temporal() temporal.Params {
	return temporal.Params{TMin: p.TMin, TMax: p.TMax, K: p.K}
}

// Model projects the logistic decision model.
func (p Params) Model() decision.Model {
	m := decision.Model{
		Bias: p.Bias, W1: p.W1, W2: p.W2, W3: p.W3,
		B12: p.B12, B13: p.B13, B23: p.B23,
	}
	if len(p.Bands) == 0 {
		m.Bands, m.Top = decision.DefaultBands(p.T0, p.T1)
		return m
	}
	last := len(p.Bands) - 1
	m.Bands = append([]decision.Band(nil), p.Bands[:last]...)
	m.Top = p.Bands[last]
	return m
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	if p.Bands != nil {
		p.Bands = append([]decision.Band(nil), p.Bands...)
	}
	return p
}

// numericFields maps every numeric JSON key to its field. Built per call so
// the pointers refer to the given value.
func (p *Params) numericFields() map[string]*float64 {
	return map[string]*float64{
		"bias": &p.Bias, "w1": &p.W1, "w2": &p.W2, "w3": &p.W3,
		"b12": &p.B12, "b13": &p.B13, "b23": &p.B23,
		"t0": &p.T0, "t1": &p.T1,
		"s0": &p.S0, "c_boost": &p.CBoost,

		"evm_L0_suffix_A": &p.EVML0SuffixA, "evm_L1_suffix_A": &p.EVML1SuffixA,
		"evm_L0_prefix_B": &p.EVML0PrefixB, "evm_L1_prefix_B": &p.EVML1PrefixB,
		"evm_L0_suffix_C": &p.EVML0SuffixC, "evm_L1_suffix_C": &p.EVML1SuffixC,
		"evm_L0_prefix_C": &p.EVML0PrefixC, "evm_L1_prefix_C": &p.EVML1PrefixC,

		"tron_L0_suffix_A": &p.TronL0SuffixA, "tron_L1_suffix_A": &p.TronL1SuffixA,
		"tron_L0_prefix_B": &p.TronL0PrefixB, "tron_L1_prefix_B": &p.TronL1PrefixB,
		"tron_L0_suffix_C": &p.TronL0SuffixC, "tron_L1_suffix_C": &p.TronL1SuffixC,
		"tron_L0_prefix_C": &p.TronL0PrefixC, "tron_L1_prefix_C": &p.TronL1PrefixC,

		"t_min": &p.TMin, "t_max": &p.TMax, "k": &p.K,
		"amount_threshold": &p.AmountThreshold,
	}
}

// Keys lists every settable key in sorted order.
func Keys() []string {
	var p Params
	keys := make([]string, 0, 40)
	for k := range p.numericFields() {
		keys = append(keys, k)
	}
	keys = append(keys, "c_policy", "bands")
	sort.Strings(keys)
	return keys
}

// Validate checks the snapshot. Every problem is reported, not just the
// first.
func (p Params) Validate() error {
	var errs validation.ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, validation.ValidationError{Field: field, Message: msg})
	}

	fields := p.numericFields()
	for _, key := range Keys() {
		f, ok := fields[key]
		if !ok {
			continue
		}
		if math.IsNaN(*f) || math.IsInf(*f, 0) {
			add(key, "must be a finite number")
		}
	}
	if len(errs) > 0 {
		return errs
	}

	if p.S0 < 0 || p.S0 > 1 {
		add("s0", "must be between 0 and 1")
	}
	if p.CBoost < 0 {
		add("c_boost", "must not be negative")
	}
	if p.CPolicy != "" && !p.CPolicy.Valid() {
		add("c_policy", fmt.Sprintf("must be %q or %q", similarity.PolicyBoostMax, similarity.PolicyMin))
	}

	sim := p.Similarity()
	if err := sim.EVM.Validate("evm"); err != nil {
		add("evm", err.Error())
	}
	if err := sim.Tron.Validate("tron"); err != nil {
		add("tron", err.Error())
	}

	if p.TMin < 0 {
		add("t_min", "must not be negative")
	}
	if p.TMax <= p.TMin {
		add("t_max", "must be greater than t_min")
	}
	if p.K < 0 {
		add("k", "must not be negative")
	}

	if len(p.Bands) == 0 {
		if p.T0 > p.T1 {
			add("t1", "must not be less than t0")
		}
	} else {
		m := p.Model()
		if err := decision.ValidateBands(m.Bands, m.Top); err != nil {
			add("bands", err.Error())
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Apply overlays patch onto a copy of p. Unknown keys, non-numeric values
// for numeric keys and results that fail Validate are rejected. A JSON null
// restores the key's default.
func (p Params) Apply(patch map[string]json.RawMessage) (Params, error) {
	next := p.Clone()
	defaults := Defaults()
	fields := next.numericFields()
	defaultFields := defaults.numericFields()

	var errs validation.ValidationErrors
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := bytes.TrimSpace(patch[key])
		isNull := bytes.Equal(raw, []byte("null"))

		switch key {
		case "c_policy":
			if isNull {
				next.CPolicy = defaults.CPolicy
				continue
			}
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				errs = append(errs, validation.ValidationError{Field: key, Message: "must be a string"})
				continue
			}
			next.CPolicy = similarity.Policy(s)
		case "bands":
			if isNull {
				next.Bands = nil
				continue
			}
			var bands []decision.Band
			if err := json.Unmarshal(raw, &bands); err != nil {
				errs = append(errs, validation.ValidationError{Field: key, Message: "must be a list of bands"})
				continue
			}
			next.Bands = bands
		default:
			f, ok := fields[key]
			if !ok {
				errs = append(errs, validation.ValidationError{Field: key, Message: "unknown parameter"})
				continue
			}
			if isNull {
				*f = *defaultFields[key]
				continue
			}
			var v float64
			if err := json.Unmarshal(raw, &v); err != nil {
				errs = append(errs, validation.ValidationError{Field: key, Message: "must be a number"})
				continue
			}
			*f = v
		}
	}
	if len(errs) > 0 {
		return p, errs
	}
	if err := next.Validate(); err != nil {
		return p, err
	}
	return next, nil
}

// Parse decodes a full or partial params document over the defaults.
func Parse(data []byte) (Params, error) {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(data, &patch); err != nil {
		return Params{}, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return Defaults().Apply(patch)
}

// LoadFile reads a params document from path over the defaults.
func LoadFile(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("read params file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return Params{}, fmt.Errorf("load params file %s: %w", path, err)
	}
	return p, nil
}
