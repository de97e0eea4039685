package vtime

import "testing"

func TestLessOrEqual(t *testing.T) {
	a := T{"A": 1, "B": 2}
	b := T{"A": 1, "B": 3}
	if !a.LessOrEqual(b) {
		t.Fatalf("expected %v <= %v", a, b)
	}
	if b.LessOrEqual(a) {
		t.Fatalf("did not expect %v <= %v", b, a)
	}
}

func TestLessOrEqualMissingEntriesAreZero(t *testing.T) {
	a := T{"A": 0}
	b := T{}
	if !a.LessOrEqual(b) {
		t.Fatalf("expected zero counters to compare equal to missing entries")
	}
}

func TestStrictlyDominates(t *testing.T) {
	a := T{"A": 2}
	b := T{"A": 1}
	if !a.StrictlyDominates(b) {
		t.Fatalf("expected %v to strictly dominate %v", a, b)
	}
	if a.StrictlyDominates(a) {
		t.Fatalf("a vector time must not strictly dominate itself")
	}
}

func TestMerge(t *testing.T) {
	a := T{"A": 3, "B": 1}
	b := T{"A": 1, "B": 4, "C": 2}
	m := a.Merge(b)
	want := T{"A": 3, "B": 4, "C": 2}
	if !m.Equal(want) {
		t.Fatalf("Merge() = %v, want %v", m, want)
	}
	// Merge must not mutate either input.
	if a["B"] != 1 || b["A"] != 1 {
		t.Fatalf("Merge mutated an input: a=%v b=%v", a, b)
	}
}

func TestIncrementDoesNotMutateReceiver(t *testing.T) {
	a := T{"A": 1}
	b := a.Increment("A")
	if a["A"] != 1 {
		t.Fatalf("Increment mutated receiver: %v", a)
	}
	if b["A"] != 2 {
		t.Fatalf("Increment() = %v, want A:2", b)
	}
}

func TestCopyIsIndependent(t *testing.T) {
	a := T{"A": 1}
	c := a.Copy()
	c["A"] = 99
	if a["A"] != 1 {
		t.Fatalf("Copy shares storage with original")
	}
}
