// Package scrub decides, without any persisted state, whether today is
// the day a given unit should run its (expensive) consistency-check
// pass instead of its ordinary incremental one.
//
// The decision is deterministic for a given (unit name, day) pair but
// spread pseudo-randomly across units, so that e.g. 60 rsync units each
// configured with a 1/60 scrub probability don't all happen to scrub on
// the same day — and a unit that already decided "scrub today" keeps
// that answer if asked again later the same day, without needing to
// write anything down.
package scrub

import (
	"hash/fnv"
	"math"
	"time"
)

// DoWork reports whether unit should perform its scrub/full pass on
// day, given probability (0 disables it entirely, 1 always triggers
// it). It hashes unit+day into a value uniformly distributed over
// [0, 1) and compares that against probability.
func DoWork(unit string, day time.Time, probability float64) bool {
	if probability <= 0 {
		return false
	}
	if probability >= 1 {
		return true
	}
	h := fnv.New64a()
	h.Write([]byte(unit))
	h.Write([]byte{0})
	h.Write([]byte(day.UTC().Format("2006-01-02")))
	frac := float64(h.Sum64()) / float64(math.MaxUint64)
	return frac < probability
}
