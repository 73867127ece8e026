package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AmountLike parses a price, quantity, or balance that the exchange may
// encode either as a bare JSON number/string or as an object
// {"value": ..., "currency": ...}. Both shapes decode to the same float64,
// giving every caller one tolerant numeric type at the wire boundary
// (spec.md Design Notes, "runtime flexibility in source payload shapes").
type AmountLike struct {
	Value    float64
	Currency string // empty when the wire value was a bare number/string
}

// UnmarshalJSON accepts a bare number, a quoted number, or an object with a
// "value" field (optionally alongside "currency").
func (a *AmountLike) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*a = AmountLike{}
		return nil
	}

	if trimmed[0] == '{' {
		var obj struct {
			Value    json.Number `json:"value"`
			Currency string      `json:"currency"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return fmt.Errorf("amount object: %w", err)
		}
		f, err := obj.Value.Float64()
		if err != nil {
			return fmt.Errorf("amount object value: %w", err)
		}
		a.Value = f
		a.Currency = obj.Currency
		return nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("amount string: %w", err)
		}
		var f float64
		if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
			return fmt.Errorf("amount string %q: %w", s, err)
		}
		a.Value = f
		a.Currency = ""
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("amount number: %w", err)
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("amount number: %w", err)
	}
	a.Value = f
	a.Currency = ""
	return nil
}

// MarshalJSON re-encodes as a bare number, preserving losslessness modulo
// representation (an Amount-object round trip is not required to reproduce
// the original currency wrapper, only the numeric value).
func (a AmountLike) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Value)
}
