// Package dataset decodes and encodes the transaction and anchor documents
// that feed the analysis engine.
//
// Both documents are JSON arrays of objects. Fields the engine does not use
// are kept in Extra and written back on encode, so a loaded dataset can be
// returned to a client unchanged apart from the chain-id key spelling.
package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/poisonguard/internal/address"
)

// ErrNotArray is matched by a DecodeError whose document was not a JSON
// array.
var ErrNotArray = errors.New("not a JSON array")

// DecodeError describes a rejected document. Index is -1 when the problem is
// with the document as a whole.
type DecodeError struct {
	Kind  string
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Index < 0 {
		if errors.Is(e.Err, ErrNotArray) {
			return e.Kind + " must be a JSON array"
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s[%d]: %v", e.Kind, e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Scalar is a JSON string or number held in textual form. Numbers keep
// their literal spelling and are re-encoded as numbers.
type Scalar struct {
	text    string
	numeric bool
	set     bool
}

// Text returns a Scalar holding the string s.
func Text(s string) Scalar { return Scalar{text: s, set: true} }

// Number returns a Scalar holding the numeric literal lit.
func Number(lit string) Scalar { return Scalar{text: lit, numeric: true, set: true} }

// String returns the textual form; empty when absent or null.
func (s Scalar) String() string { return s.text }

// IsZero reports whether the value was absent or null.
func (s Scalar) IsZero() bool { return !s.set }

// Numeric reports whether the value was written as a JSON number.
func (s Scalar) Numeric() bool { return s.numeric }

func (s *Scalar) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*s = Scalar{}
	case b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = Text(v)
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*s = Number(n.String())
	case bytes.Equal(b, []byte("true")), bytes.Equal(b, []byte("false")):
		*s = Text(string(b))
	default:
		return errors.New("must be a string or number")
	}
	return nil
}

func (s Scalar) MarshalJSON() ([]byte, error) {
	if !s.set {
		return []byte("null"), nil
	}
	if s.numeric {
		return []byte(s.text), nil
	}
	return json.Marshal(s.text)
}

// Transaction is a candidate transfer to be scored.
type Transaction struct {
	CounterpartyAddr string
	TokenAmount      Scalar
	CAIP2            string
	BlockTimestamp   Scalar
	Nonce            json.RawMessage
	Extra            map[string]json.RawMessage
}

// ChainType derives the address family from the chain id.
func (t Transaction) ChainType() address.Type { return address.ChainTypeOf(t.CAIP2) }

// Anchor is a trusted reference address.
type Anchor struct {
	AnchorToAddr   string
	CAIP2          string
	BlockTimestamp Scalar
	Extra          map[string]json.RawMessage
}

// ChainType derives the address family from the chain id.
func (a Anchor) ChainType() address.Type { return address.ChainTypeOf(a.CAIP2) }

const (
	keyCounterparty = "counterparty_addr"
	keyAmount       = "token_amount"
	keyCAIP2        = "caip2"
	keyCAIP2Alt     = "caip_2"
	keyTimestamp    = "blockTimestamp"
	keyNonce        = "nonce"
	keyAnchorTo     = "anchor_to_addr"
)

func (t *Transaction) UnmarshalJSON(b []byte) error {
	fields, err := object(b)
	if err != nil {
		return err
	}
	var out Transaction
	if err := takeString(fields, keyCounterparty, &out.CounterpartyAddr); err != nil {
		return err
	}
	if err := takeScalar(fields, keyAmount, &out.TokenAmount); err != nil {
		return err
	}
	if out.CAIP2, err = takeChainID(fields); err != nil {
		return err
	}
	if err := takeScalar(fields, keyTimestamp, &out.BlockTimestamp); err != nil {
		return err
	}
	if v, ok := fields[keyNonce]; ok {
		out.Nonce = append(json.RawMessage(nil), v...)
		delete(fields, keyNonce)
	}
	if len(fields) > 0 {
		out.Extra = fields
	}
	*t = out
	return nil
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	m := extraCopy(t.Extra, 5)
	if err := put(m, keyCounterparty, t.CounterpartyAddr); err != nil {
		return nil, err
	}
	if !t.TokenAmount.IsZero() {
		if err := put(m, keyAmount, t.TokenAmount); err != nil {
			return nil, err
		}
	}
	if err := put(m, keyCAIP2, t.CAIP2); err != nil {
		return nil, err
	}
	if !t.BlockTimestamp.IsZero() {
		if err := put(m, keyTimestamp, t.BlockTimestamp); err != nil {
			return nil, err
		}
	}
	if len(t.Nonce) > 0 {
		m[keyNonce] = t.Nonce
	}
	return json.Marshal(m)
}

func (a *Anchor) UnmarshalJSON(b []byte) error {
	fields, err := object(b)
	if err != nil {
		return err
	}
	var out Anchor
	if err := takeString(fields, keyAnchorTo, &out.AnchorToAddr); err != nil {
		return err
	}
	if out.CAIP2, err = takeChainID(fields); err != nil {
		return err
	}
	if err := takeScalar(fields, keyTimestamp, &out.BlockTimestamp); err != nil {
		return err
	}
	if len(fields) > 0 {
		out.Extra = fields
	}
	*a = out
	return nil
}

func (a Anchor) MarshalJSON() ([]byte, error) {
	m := extraCopy(a.Extra, 3)
	if err := put(m, keyAnchorTo, a.AnchorToAddr); err != nil {
		return nil, err
	}
	if err := put(m, keyCAIP2, a.CAIP2); err != nil {
		return nil, err
	}
	if !a.BlockTimestamp.IsZero() {
		if err := put(m, keyTimestamp, a.BlockTimestamp); err != nil {
			return nil, err
		}
	}
	return json.Marshal(m)
}

// DecodeTransactions parses a transactions document.
func DecodeTransactions(data []byte) ([]Transaction, error) {
	return decodeArray[Transaction]("transactions", data)
}

// DecodeAnchors parses an anchors document.
func DecodeAnchors(data []byte) ([]Anchor, error) {
	return decodeArray[Anchor]("anchors", data)
}

func decodeArray[T any](kind string, data []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		if len(trimmed) > 0 && !json.Valid(trimmed) {
			return nil, &DecodeError{Kind: kind, Index: -1, Err: errors.New("invalid JSON")}
		}
		return nil, &DecodeError{Kind: kind, Index: -1, Err: ErrNotArray}
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, &DecodeError{Kind: kind, Index: -1, Err: fmt.Errorf("invalid JSON: %w", err)}
	}

	out := make([]T, len(elems))
	for i, e := range elems {
		if err := json.Unmarshal(e, &out[i]); err != nil {
			return nil, &DecodeError{Kind: kind, Index: i, Err: err}
		}
	}
	return out, nil
}

func object(b []byte) (map[string]json.RawMessage, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil, errors.New("must be a JSON object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}

func takeString(fields map[string]json.RawMessage, key string, dst *string) error {
	v, ok := fields[key]
	if !ok {
		return nil
	}
	delete(fields, key)
	if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("%s must be a string", key)
	}
	return nil
}

func takeScalar(fields map[string]json.RawMessage, key string, dst *Scalar) error {
	v, ok := fields[key]
	if !ok {
		return nil
	}
	delete(fields, key)
	if err := dst.UnmarshalJSON(v); err != nil {
		return fmt.Errorf("%s %w", key, err)
	}
	return nil
}

// takeChainID reads caip2, falling back to caip_2 when caip2 is absent or
// empty. The value is kept as written; only the key spelling is unified.
func takeChainID(fields map[string]json.RawMessage) (string, error) {
	var primary, alt string
	if err := takeString(fields, keyCAIP2, &primary); err != nil {
		return "", err
	}
	if err := takeString(fields, keyCAIP2Alt, &alt); err != nil {
		return "", err
	}
	if primary != "" {
		return primary, nil
	}
	return alt, nil
}

func extraCopy(extra map[string]json.RawMessage, known int) map[string]json.RawMessage {
	m := make(map[string]json.RawMessage, len(extra)+known)
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func put(m map[string]json.RawMessage, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	m[key] = b
	return nil
}
