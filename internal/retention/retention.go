// Package retention implements the date-tiered snapshot garbage
// collector: a pure function from a set of existing snapshots and a
// policy to the subset that should be deleted.
//
// The algorithm runs in two passes. Phase 1 collapses same-day
// revisions down to one per day once they fall outside a short
// "duplicate" window (so a run that snapshots several times a day
// doesn't keep every revision forever). Phase 2 then walks the
// collapsed result forward in time and keeps one entry per day while
// recent, one per ISO week once older, and one per synthetic 28-day
// "month" beyond that — forever.
package retention

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Policy holds the three window sizes that parameterize the planner.
// DefaultPolicy returns the documented defaults; Plan uses a Policy's
// fields as given, so a zero field is a zero-length window.
type Policy struct {
	// DuplicateDays is the number of most-recent days within which every
	// intra-day revision of a snapshot is kept.
	DuplicateDays int
	// DailyWeeks is the number of weeks (after the duplicate window)
	// during which one snapshot per calendar day is kept.
	DailyWeeks int
	// WeeklyMonths is the number of synthetic 28-day months (after the
	// daily window) during which one snapshot per ISO week is kept.
	// Beyond this, one snapshot per synthetic month is kept forever.
	WeeklyMonths int
}

// DefaultPolicy matches the historical deltaic defaults: 14 days of full
// duplicate retention, 8 weeks of daily snapshots, and 12 months (336
// days) of weekly snapshots before collapsing to monthly.
func DefaultPolicy() Policy {
	return Policy{DuplicateDays: 14, DailyWeeks: 8, WeeklyMonths: 12}
}

// Snapshot is the minimal view of a snapshot the planner needs. Callers
// (the C5 registry) adapt their richer snapshot type to this interface.
type Snapshot interface {
	// SnapshotName returns the `YYYYMMDD-N` identifier.
	SnapshotName() string
	// SnapshotDate returns the snapshot's calendar date, truncated to
	// day granularity in UTC.
	SnapshotDate() time.Time
}

// month identifies the synthetic 28-day "month" a date falls in:
// consecutive groups of 4 ISO weeks, numbered from 1 within their ISO
// year. Two dates are in the same synthetic month only if both the
// year and the bucket match, so the monthly tier (unlike a bare
// week-number comparison) never folds dates a year or more apart
// together.
func month(t time.Time) (year, bucket int) {
	y, week := t.ISOWeek()
	return y, ((week - 1) / 4) + 1
}

// snapshotLess orders snapshots by date, then by the numeric `N` of
// their `YYYYMMDD-N` name — not by lexical comparison of the whole
// name, which would sort `-10` before `-2`.
func snapshotLess[S Snapshot](a, b S) bool {
	da, db := a.SnapshotDate(), b.SnapshotDate()
	if !da.Equal(db) {
		return da.Before(db)
	}
	return revisionNumber(a.SnapshotName()) < revisionNumber(b.SnapshotName())
}

// revisionNumber parses the `N` suffix of a `YYYYMMDD-N` snapshot name,
// returning 0 if the name has no parseable revision suffix.
func revisionNumber(name string) int {
	i := strings.LastIndexByte(name, '-')
	if i < 0 || i == len(name)-1 {
		return 0
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return 0
	}
	return n
}

// Plan returns the subset of snapshots (preserving input order) that
// should be removed under policy, given that "today" is now.
//
// The oldest and newest snapshots in s are never included in the
// result. Calling Plan again on s minus the returned drop-set (with the
// same `now`) returns no further removals.
func Plan[S Snapshot](s []S, policy Policy, now time.Time) []S {
	if len(s) <= 1 {
		return nil
	}

	sorted := make([]S, len(s))
	copy(sorted, s)
	sort.SliceStable(sorted, func(i, j int) bool {
		return snapshotLess(sorted[i], sorted[j])
	})

	today := now.Truncate(24 * time.Hour)
	thresholdDuplicate := today.AddDate(0, 0, -policy.DuplicateDays)
	thresholdDaily := today.AddDate(0, 0, -7*policy.DailyWeeks)
	thresholdWeekly := today.AddDate(0, 0, -28*policy.WeeklyMonths)

	phase1 := collapseDuplicates(sorted, thresholdDuplicate)
	phase2 := tieredKeep(phase1, thresholdDaily, thresholdWeekly)

	kept := make(map[string]bool, len(phase2))
	for _, snap := range phase2 {
		kept[snap.SnapshotName()] = true
	}

	var dropped []S
	for _, snap := range sorted {
		if !kept[snap.SnapshotName()] {
			dropped = append(dropped, snap)
		}
	}
	return dropped
}

// collapseDuplicates walks sorted (chronological) snapshots in reverse
// and keeps one whenever it is the newest or oldest, its date differs
// from the previously-kept snapshot's date, or it is still within the
// duplicate window — so every intra-day revision survives while
// recent, but only the last revision of a day survives once it ages
// out. The oldest snapshot is always force-kept so Plan's "the oldest
// snapshot is never dropped" invariant holds even when it shares its
// date with a later, also out-of-window revision.
func collapseDuplicates[S Snapshot](sorted []S, thresholdDuplicate time.Time) []S {
	if len(sorted) == 0 {
		return nil
	}

	var kept []S
	var prevDate time.Time
	havePrev := false

	for i := len(sorted) - 1; i >= 0; i-- {
		snap := sorted[i]
		date := snap.SnapshotDate()

		isNewest := i == len(sorted)-1
		isOldest := i == 0
		dateDiffers := !havePrev || !date.Equal(prevDate)
		withinDuplicateWindow := date.After(thresholdDuplicate)

		if isNewest || isOldest || dateDiffers || withinDuplicateWindow {
			kept = append(kept, snap)
			prevDate = date
			havePrev = true
		}
	}

	// kept was built newest-first; restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// tieredKeep walks phase1 (chronological) forward and keeps the anchor
// (oldest) and the newest, then applies the daily/weekly/monthly tier rules in order
// of recency, falling through to the next coarser tier for older
// snapshots.
func tieredKeep[S Snapshot](phase1 []S, thresholdDaily, thresholdWeekly time.Time) []S {
	if len(phase1) == 0 {
		return nil
	}

	var kept []S
	var prev S

	for i, snap := range phase1 {
		date := snap.SnapshotDate()

		if i == 0 {
			kept = append(kept, snap)
			prev = snap
			continue
		}

		prevDate := prev.SnapshotDate()
		sameDate := date.Equal(prevDate)
		isNewest := i == len(phase1)-1

		keep := false
		switch {
		case sameDate, isNewest:
			keep = true
		case date.After(thresholdDaily):
			keep = !sameDate
		case date.After(thresholdWeekly):
			py, pw := prevDate.ISOWeek()
			cy, cw := date.ISOWeek()
			keep = py != cy || pw != cw
		default:
			py, pb := month(prevDate)
			cy, cb := month(date)
			keep = py != cy || pb != cb
		}

		if keep {
			kept = append(kept, snap)
			prev = snap
		}
	}
	return kept
}
