// Package retrieve implements the bulk retrieval coordinator (spec.md
// §4.9): bandwidth-aware scheduling of Glacier-class byte-range
// retrieval jobs against a shared, CAS-protected bandwidth ledger, and
// the DownloadState bookkeeping that turns many sub-range completions
// into one success/failure verdict per archive.
//
// Only a Glacier-class backend bills on peak hourly retrieval rate, so
// this package is consumed internally by such a backend's
// archive.Backend.DownloadArchives implementation rather than exposed
// as a second public interface; local/googledrive backends have no
// billing reason to split a download into byte ranges and implement
// DownloadArchives directly.
package retrieve

import (
	"context"
	"time"
)

// quantum is the smallest granularity a partial allocation is rounded
// down to: 256 KiB / 4, per spec.md §4.9.
const quantum = 256 * 1024 / 4

// horizonSlots is the number of hour-aligned slots a single allocation
// is assumed to retrieve across.
const horizonSlots = 4

// slop is the clock-skew tolerance around a slot boundary: no
// allocation is made within slop of an hour boundary.
const slop = 2 * time.Minute

// LedgerState is the bandwidth ledger's CAS-protected record: per-hour
// cumulative bytes allocated (keyed by the hour's Unix-second epoch,
// truncated to the hour) plus the running monthly peak used for
// billing, and the serial CAS guards writes against.
type LedgerState struct {
	Serial            int64
	CurrentMonth      string // "YYYY-MM"; bandwidth resets when this rolls over
	MaxBandwidthMonth int64
	Bandwidth         map[int64]int64 // hour epoch -> cumulative bytes allocated
}

// clone returns a deep copy so callers can mutate without aliasing a
// cached read.
func (s LedgerState) clone() LedgerState {
	bw := make(map[int64]int64, len(s.Bandwidth))
	for k, v := range s.Bandwidth {
		bw[k] = v
	}
	return LedgerState{Serial: s.Serial, CurrentMonth: s.CurrentMonth, MaxBandwidthMonth: s.MaxBandwidthMonth, Bandwidth: bw}
}

// Ledger is the shared-metadata-store half of the bandwidth contract:
// read the current record, and attempt a compare-and-swap write keyed
// on the serial the read returned. A losing CAS (serial mismatch)
// returns ok=false with a nil error so the caller retries against a
// freshly read state — never recurses on a stale read the way the
// original's _request_download_quota does (see DESIGN.md).
type Ledger interface {
	Read(ctx context.Context) (LedgerState, error)
	CompareAndSwap(ctx context.Context, next LedgerState) (ok bool, err error)
}

func hourEpoch(t time.Time) int64 {
	return t.Truncate(time.Hour).Unix()
}

func monthKey(t time.Time) string {
	return t.Format("2006-01")
}

// pruneStale drops hourly counters strictly older than the current
// hour and resets the monthly peak if the calendar month has rolled
// over, mirroring the original's per-read housekeeping.
func pruneStale(s LedgerState, now time.Time) LedgerState {
	s = s.clone()
	cur := hourEpoch(now)
	for h := range s.Bandwidth {
		if h < cur {
			delete(s.Bandwidth, h)
		}
	}
	month := monthKey(now)
	if s.CurrentMonth != month {
		s.CurrentMonth = month
		s.MaxBandwidthMonth = 0
	}
	return s
}

// inSlop reports whether now falls within the ±slop window around an
// hour boundary, during which no new allocation is made to tolerate
// clock skew between cooperating instances.
func inSlop(now time.Time) bool {
	sinceHour := now.Sub(now.Truncate(time.Hour))
	return sinceHour < slop || sinceHour > time.Hour-slop
}

func roundDownQuantum(n int64) int64 {
	return (n / quantum) * quantum
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// requestQuota computes the byte allocation for the current slot
// against a freshly read ledger state, per spec.md §4.9: the per-slot
// target is ceil(remaining/4) spread across the 4-hour billing
// horizon; if the full target isn't available this hour, the
// allocation is rounded down to the nearest quantum rather than
// refused outright, and only a non-positive rounded result yields "no
// quota this slot". It returns the allocation (0 meaning none this
// slot) and the candidate next ledger state to attempt to CAS in.
func requestQuota(state LedgerState, now time.Time, maxRateBytesPerHour, remaining int64) (alloc int64, next LedgerState) {
	if inSlop(now) || remaining <= 0 {
		return 0, state
	}
	state = pruneStale(state, now)
	cur := hourEpoch(now)

	sizePerHour := ceilDiv(remaining, horizonSlots)
	avail := maxRateBytesPerHour - state.Bandwidth[cur]
	if avail <= 0 {
		return 0, state
	}
	if avail < sizePerHour {
		alloc = roundDownQuantum(avail)
	} else {
		alloc = sizePerHour
	}
	if alloc <= 0 {
		return 0, state
	}

	next = state.clone()
	if next.Bandwidth == nil {
		next.Bandwidth = make(map[int64]int64)
	}
	var peak int64
	for i := 0; i < horizonSlots; i++ {
		h := cur + int64(i)*int64(time.Hour/time.Second)
		next.Bandwidth[h] += alloc
		if next.Bandwidth[h] > peak {
			peak = next.Bandwidth[h]
		}
	}
	if peak > next.MaxBandwidthMonth {
		next.MaxBandwidthMonth = peak
	}
	next.Serial = state.Serial + 1
	return alloc, next
}

// RequestQuota reads the ledger, computes an allocation for now against
// remaining bytes of the current item, and attempts the CAS write. On a
// lost race (another instance wrote first) it returns (0, false, nil)
// so the caller re-reads and retries on its own schedule rather than
// recursing immediately — see DESIGN.md's note on the original's
// unbounded-retry-recursion open question.
func RequestQuota(ctx context.Context, ledger Ledger, now time.Time, maxRateBytesPerHour, remaining int64) (alloc int64, ok bool, err error) {
	state, err := ledger.Read(ctx)
	if err != nil {
		return 0, false, err
	}
	alloc, next := requestQuota(state, now, maxRateBytesPerHour, remaining)
	if alloc == 0 {
		return 0, true, nil
	}
	won, err := ledger.CompareAndSwap(ctx, next)
	if err != nil {
		return 0, false, err
	}
	if !won {
		return 0, false, nil
	}
	return alloc, true, nil
}

// nextSlotBoundary returns the next time to wake: the end of the
// current hour plus the slop window, so the coordinator never wakes
// inside the refused slop window.
func nextSlotBoundary(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour).Add(slop)
}
