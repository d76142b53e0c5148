package retrieve

import (
	"context"
	"testing"
	"time"
)

// memLedger is an in-process Ledger for exercising RequestQuota/the
// scheduling loop without a real DynamoDB or sqlite backend.
type memLedger struct {
	state LedgerState
}

func newMemLedger() *memLedger {
	return &memLedger{state: LedgerState{Bandwidth: make(map[int64]int64), CurrentMonth: monthKey(time.Now())}}
}

func (l *memLedger) Read(ctx context.Context) (LedgerState, error) {
	return l.state.clone(), nil
}

func (l *memLedger) CompareAndSwap(ctx context.Context, next LedgerState) (bool, error) {
	if next.Serial != l.state.Serial+1 {
		return false, nil
	}
	l.state = next.clone()
	return true, nil
}

func midHour(t time.Time) time.Time {
	return t.Truncate(time.Hour).Add(30 * time.Minute)
}

func TestRequestQuotaWithinSlopRefuses(t *testing.T) {
	now := time.Now().Truncate(time.Hour).Add(30 * time.Second)
	l := newMemLedger()
	alloc, ok, err := RequestQuota(context.Background(), l, now, 1<<30, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || alloc != 0 {
		t.Fatalf("expected zero allocation in slop window, got alloc=%d ok=%v", alloc, ok)
	}
}

func TestRequestQuotaSplitsAcrossHorizon(t *testing.T) {
	now := midHour(time.Now())
	l := newMemLedger()
	const remaining = 4 << 20 // 4 MiB, so size_per_hour == 1 MiB
	alloc, ok, err := RequestQuota(context.Background(), l, now, 1<<30, remaining)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected to win CAS")
	}
	want := int64(remaining) / horizonSlots
	if alloc != want {
		t.Fatalf("alloc = %d, want %d", alloc, want)
	}
	cur := hourEpoch(now)
	for i := 0; i < horizonSlots; i++ {
		h := cur + int64(i)*int64(time.Hour/time.Second)
		if l.state.Bandwidth[h] != alloc {
			t.Errorf("bandwidth[%d] = %d, want %d", h, l.state.Bandwidth[h], alloc)
		}
	}
}

func TestRequestQuotaNeverExceedsMaxRate(t *testing.T) {
	now := midHour(time.Now())
	l := newMemLedger()
	const maxRate = int64(1 << 20) // 1 MiB/h

	var total int64
	for i := 0; i < 20; i++ {
		alloc, ok, err := RequestQuota(context.Background(), l, now, maxRate, 10<<20)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("unexpected CAS loss against single-threaded ledger")
		}
		if alloc == 0 {
			break
		}
		total += alloc
	}
	cur := hourEpoch(now)
	if l.state.Bandwidth[cur] > maxRate {
		t.Fatalf("bandwidth[cur] = %d exceeds max rate %d", l.state.Bandwidth[cur], maxRate)
	}
	if total > maxRate {
		t.Fatalf("total allocated %d exceeds max rate %d", total, maxRate)
	}
}

func TestRequestQuotaRoundsDownToQuantumWhenPartial(t *testing.T) {
	now := midHour(time.Now())
	l := newMemLedger()
	cur := hourEpoch(now)
	// Leave only a non-quantum-aligned remainder available this hour.
	l.state.Bandwidth[cur] = (1 << 20) - quantum - 100
	l.state.Serial = 0

	alloc, ok, err := RequestQuota(context.Background(), l, now, 1<<20, 100<<20)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected to win CAS")
	}
	if alloc%quantum != 0 {
		t.Fatalf("alloc %d not quantum-aligned", alloc)
	}
	if alloc == 0 {
		t.Fatal("expected a nonzero rounded-down allocation")
	}
}

func TestPruneStaleDropsOldHoursAndResetsMonth(t *testing.T) {
	now := time.Now()
	old := hourEpoch(now.Add(-3 * time.Hour))
	cur := hourEpoch(now)
	s := LedgerState{
		Bandwidth:         map[int64]int64{old: 123, cur: 456},
		CurrentMonth:      "2000-01",
		MaxBandwidthMonth: 999,
	}
	pruned := pruneStale(s, now)
	if _, ok := pruned.Bandwidth[old]; ok {
		t.Error("stale hour not pruned")
	}
	if pruned.Bandwidth[cur] != 456 {
		t.Error("current hour counter lost")
	}
	if pruned.CurrentMonth != monthKey(now) || pruned.MaxBandwidthMonth != 0 {
		t.Errorf("month rollover not reset: %+v", pruned)
	}
}
