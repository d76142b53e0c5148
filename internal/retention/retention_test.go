package retention

import (
	"fmt"
	"testing"
	"time"
)

type testSnapshot struct {
	name string
	date time.Time
}

func (s testSnapshot) SnapshotName() string    { return s.name }
func (s testSnapshot) SnapshotDate() time.Time { return s.date }

func dailySeries(now time.Time, days int) []testSnapshot {
	snaps := make([]testSnapshot, 0, days)
	for i := days - 1; i >= 0; i-- {
		d := now.AddDate(0, 0, -i).Truncate(24 * time.Hour)
		snaps = append(snaps, testSnapshot{
			name: fmt.Sprintf("%s-1", d.Format("20060102")),
			date: d,
		})
	}
	return snaps
}

func keptNames[S Snapshot](all []S, dropped []S) map[string]bool {
	droppedSet := make(map[string]bool, len(dropped))
	for _, d := range dropped {
		droppedSet[d.SnapshotName()] = true
	}
	kept := make(map[string]bool)
	for _, s := range all {
		if !droppedSet[s.SnapshotName()] {
			kept[s.SnapshotName()] = true
		}
	}
	return kept
}

func TestRetention400DaySeries(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	snaps := dailySeries(now, 400)

	policy := DefaultPolicy() // 14 / 8 / 12
	dropped := Plan(snaps, policy, now)
	kept := keptNames(snaps, dropped)

	// Duplicate window: yesterday-0 .. yesterday-13, all kept (this is a
	// one-per-day series so the duplicate-collapse phase is a no-op
	// here, but every day within the window must still survive phase 2
	// under the daily tier anyway).
	for i := 0; i < 14; i++ {
		d := now.AddDate(0, 0, -i)
		name := d.Format("20060102") + "-1"
		if !kept[name] {
			t.Errorf("expected %s (duplicate window) to be kept", name)
		}
	}

	// Oldest and newest snapshots are never dropped.
	if dropped != nil {
		for _, d := range dropped {
			if d.SnapshotName() == snaps[0].SnapshotName() {
				t.Fatal("oldest snapshot must never be dropped")
			}
			if d.SnapshotName() == snaps[len(snaps)-1].SnapshotName() {
				t.Fatal("newest snapshot must never be dropped")
			}
		}
	}

	// Daily tier covers days 14..55 (8 weeks = 56 days back from today,
	// exclusive of the duplicate window which already covers 0..13): one
	// snapshot kept per calendar day, which in this one-per-day series
	// means all of them survive.
	for i := 14; i < 56; i++ {
		d := now.AddDate(0, 0, -i)
		name := d.Format("20060102") + "-1"
		if !kept[name] {
			t.Errorf("expected %s (daily tier) to be kept", name)
		}
	}

	// Beyond day 336 (12 synthetic months), only one snapshot per
	// synthetic month should survive — so the kept count among those
	// very old snapshots must be small relative to the input size.
	oldKept := 0
	for i := 336; i < 400; i++ {
		d := now.AddDate(0, 0, -i)
		name := d.Format("20060102") + "-1"
		if kept[name] {
			oldKept++
		}
	}
	if oldKept == 0 {
		t.Fatal("expected at least the anchor snapshot to survive in the monthly tier")
	}
	if oldKept > 64/28+2 {
		t.Fatalf("monthly tier kept too many snapshots: %d", oldKept)
	}
}

func TestRetentionIdempotent(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	snaps := dailySeries(now, 400)
	policy := DefaultPolicy()

	dropped1 := Plan(snaps, policy, now)
	kept := keptNames(snaps, dropped1)

	var remaining []testSnapshot
	for _, s := range snaps {
		if kept[s.SnapshotName()] {
			remaining = append(remaining, s)
		}
	}

	dropped2 := Plan(remaining, policy, now)
	if len(dropped2) != 0 {
		t.Fatalf("expected idempotent plan to drop nothing further, dropped %d", len(dropped2))
	}
}

func TestRetentionSingleSnapshotNeverDropped(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	snaps := []testSnapshot{{name: "20260730-1", date: now}}
	dropped := Plan(snaps, DefaultPolicy(), now)
	if len(dropped) != 0 {
		t.Fatal("a single snapshot must never be dropped")
	}
}

func TestRetentionIntraDayRevisionsCollapseOutsideDuplicateWindow(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -100)
	snaps := []testSnapshot{
		{name: "20260101-1", date: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: old.Format("20060102") + "-1", date: old},
		{name: old.Format("20060102") + "-2", date: old},
		{name: old.Format("20060102") + "-3", date: old},
		{name: "20260730-1", date: now},
	}
	dropped := Plan(snaps, DefaultPolicy(), now)
	kept := keptNames(snaps, dropped)

	count := 0
	for _, s := range snaps {
		if s.date.Equal(old) && kept[s.SnapshotName()] {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one surviving revision for the old duplicate day, got %d", count)
	}
	if !kept[old.Format("20060102")+"-3"] {
		t.Fatal("expected the last (highest-N) revision of the day to be the survivor")
	}
}
