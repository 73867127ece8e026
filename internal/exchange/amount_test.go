package exchange

import (
	"encoding/json"
	"testing"
)

func TestAmountLike_BareNumber(t *testing.T) {
	var a AmountLike
	if err := json.Unmarshal([]byte(`0.44`), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.Value != 0.44 {
		t.Errorf("value = %v, want 0.44", a.Value)
	}
}

func TestAmountLike_QuotedNumber(t *testing.T) {
	var a AmountLike
	if err := json.Unmarshal([]byte(`"0.44"`), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.Value != 0.44 {
		t.Errorf("value = %v, want 0.44", a.Value)
	}
}

func TestAmountLike_Object(t *testing.T) {
	var a AmountLike
	if err := json.Unmarshal([]byte(`{"value": 0.44, "currency": "USD"}`), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.Value != 0.44 || a.Currency != "USD" {
		t.Errorf("got %+v, want value=0.44 currency=USD", a)
	}
}

func TestAmountLike_RoundTripLosslessModuloRepresentation(t *testing.T) {
	var a AmountLike
	if err := json.Unmarshal([]byte(`{"value": 0.125, "currency": "USD"}`), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back AmountLike
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if back.Value != a.Value {
		t.Errorf("round trip changed value: %v != %v", back.Value, a.Value)
	}
}

func TestCanonicalJSON_SortsKeysAndIsStableAcrossCalls(t *testing.T) {
	payload := map[string]any{"z": 1, "a": 2, "m": map[string]any{"y": 1, "b": 2}}

	first, err := canonicalJSON(payload)
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	second, err := canonicalJSON(payload)
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("encoding the same value twice must be byte-identical")
	}

	want := `{"a":2,"m":{"b":2,"y":1},"z":1}`
	if string(first) != want {
		t.Errorf("canonicalJSON = %s, want %s", first, want)
	}
}
