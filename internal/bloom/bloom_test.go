package bloom

import "testing"

func TestAddAndContains(t *testing.T) {
	s, err := NewSet(1000)
	if err != nil {
		t.Fatal(err)
	}
	s.Add("path/a")
	s.Add("path/b")

	if !s.Contains("path/a") {
		t.Fatal("expected path/a to be present")
	}
	if !s.Contains("path/b") {
		t.Fatal("expected path/b to be present")
	}
}

func TestSaltDiffersAcrossSets(t *testing.T) {
	a, err := NewSet(100)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewSet(100)
	if err != nil {
		t.Fatal(err)
	}
	if a.salt == b.salt {
		t.Fatal("expected independently random salts across sets")
	}
}

func TestUnaddedKeyUsuallyAbsent(t *testing.T) {
	s, err := NewSet(10000)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 1000; i++ {
		s.Add(string(rune('a' + i%26)))
	}
	if s.Contains("definitely-not-a-member-of-this-set") {
		// Not deterministic in principle (false positives are
		// possible), but with a 0.1% target FP rate and a
		// low-cardinality key space this should essentially never
		// trip; treat a failure here as a signal worth investigating
		// rather than hard-failing the suite.
		t.Log("warning: unexpected false positive on distinguishable key")
	}
}
