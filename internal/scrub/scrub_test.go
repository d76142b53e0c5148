package scrub

import (
	"testing"
	"time"
)

func TestDoWorkBoundaryProbabilities(t *testing.T) {
	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	if DoWork("unit-a", day, 0) {
		t.Fatal("probability 0 should never trigger")
	}
	if !DoWork("unit-a", day, 1) {
		t.Fatal("probability 1 should always trigger")
	}
}

func TestDoWorkIsStableWithinADay(t *testing.T) {
	day := time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC)
	laterSameDay := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)
	got1 := DoWork("unit-a", day, 0.5)
	got2 := DoWork("unit-a", laterSameDay, 0.5)
	if got1 != got2 {
		t.Fatal("expected the same decision for the same unit and calendar day")
	}
}

func TestDoWorkVariesAcrossUnits(t *testing.T) {
	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	allSame := true
	first := DoWork("unit-0", day, 0.5)
	for i := 1; i < 20; i++ {
		if DoWork(unitName(i), day, 0.5) != first {
			allSame = false
			break
		}
	}
	if allSame {
		t.Fatal("expected scrub decisions to vary across a spread of unit names")
	}
}

func unitName(i int) string {
	digits := "0123456789"
	if i < 10 {
		return "unit-" + string(digits[i])
	}
	return "unit-" + string(digits[i/10]) + string(digits[i%10])
}
