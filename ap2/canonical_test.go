package ap2

import "testing"

func TestCanonicalJSONSortsKeys(t *testing.T) {
	input := map[string]interface{}{
		"zebra": 1,
		"apple": 2,
		"mango": map[string]interface{}{"z": 1, "a": 2},
	}
	out, err := CanonicalJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"apple":2,"mango":{"a":2,"z":1},"zebra":1}`
	if string(out) != want {
		t.Errorf("CanonicalJSON = %s, want %s", out, want)
	}
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	input := map[string]interface{}{"b": 1, "a": 2}
	first, _ := CanonicalJSON(input)
	second, _ := CanonicalJSON(input)
	if string(first) != string(second) {
		t.Error("expected repeated canonicalization to be stable")
	}
}
