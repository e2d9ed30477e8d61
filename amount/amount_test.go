package amount

import (
	"math"
	"testing"
)

func TestAddOverflow(t *testing.T) {
	a := New(math.MaxUint64, Sat)
	b := New(1, Sat)
	if _, err := a.Add(b); err != ErrOverflow {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestAddUnitMismatch(t *testing.T) {
	a := New(1, Sat)
	b := New(1, Usd)
	if _, err := a.Add(b); err != ErrUnitMismatch {
		t.Errorf("expected ErrUnitMismatch, got %v", err)
	}
}

func TestSubUnderflow(t *testing.T) {
	a := New(1, Sat)
	b := New(2, Sat)
	if _, err := a.Sub(b); err != ErrUnderflow {
		t.Errorf("expected ErrUnderflow, got %v", err)
	}
}

func TestFee(t *testing.T) {
	tests := []struct {
		totalPpk uint64
		expected uint64
	}{
		{totalPpk: 0, expected: 0},
		{totalPpk: 1, expected: 1},
		{totalPpk: 1000, expected: 1},
		{totalPpk: 1001, expected: 2},
		{totalPpk: 2000, expected: 2},
	}

	for _, test := range tests {
		got := Fee(test.totalPpk)
		if got != test.expected {
			t.Errorf("Fee(%d): expected %d, got %d", test.totalPpk, test.expected, got)
		}
	}
}

func TestMulPpkOverflow(t *testing.T) {
	if _, err := MulPpk(math.MaxUint64, 2); err != ErrOverflow {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		value    uint64
		expected []uint64
	}{
		{value: 0, expected: nil},
		{value: 1, expected: []uint64{1}},
		{value: 3, expected: []uint64{1, 2}},
		{value: 13, expected: []uint64{1, 4, 8}},
	}

	for _, test := range tests {
		got := Split(test.value)
		if len(got) != len(test.expected) {
			t.Errorf("Split(%d): expected %v, got %v", test.value, test.expected, got)
			continue
		}
		for i := range got {
			if got[i] != test.expected[i] {
				t.Errorf("Split(%d): expected %v, got %v", test.value, test.expected, got)
				break
			}
		}
	}
}

func TestParseUnitRoundTrip(t *testing.T) {
	units := []Unit{Sat, Msat, Usd, Eur, Auth}
	for _, u := range units {
		parsed, err := ParseUnit(u.String())
		if err != nil {
			t.Errorf("ParseUnit(%s): %v", u.String(), err)
		}
		if parsed != u {
			t.Errorf("ParseUnit(%s): expected %v, got %v", u.String(), u, parsed)
		}
	}
}
