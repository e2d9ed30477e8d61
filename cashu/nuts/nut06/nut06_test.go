package nut06

import (
	"encoding/json"
	"testing"
)

func TestNutsMapMarshalsKeysInNumericOrder(t *testing.T) {
	nm := NutsMap{
		12: map[string]bool{"supported": true},
		4:  NutSetting{Methods: []MethodSetting{{Method: "bolt11", Unit: "sat"}}},
		7:  map[string]bool{"supported": true},
	}

	out, err := json.Marshal(nm)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var ordered map[string]json.RawMessage
	if err := json.Unmarshal(out, &ordered); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(ordered) != 3 {
		t.Fatalf("expected 3 nut entries, got %d", len(ordered))
	}

	firstKeyPos := indexOf(string(out), `"4"`)
	secondKeyPos := indexOf(string(out), `"7"`)
	thirdKeyPos := indexOf(string(out), `"12"`)
	if !(firstKeyPos < secondKeyPos && secondKeyPos < thirdKeyPos) {
		t.Errorf("expected keys serialized in ascending numeric order, got %s", out)
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
