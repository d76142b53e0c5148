// Package bloom implements a presence set used to decide, at the end of
// a mirror sweep, which previously-known paths were not seen again in
// the current run and are therefore candidates for deletion.
//
// A true Bloom filter is used instead of an exact set because the
// reconcilers that populate it (Coda, RGW, GitHub) can track millions of
// paths per unit, and a small false-positive rate (an occasional
// survivor that should have been deleted) is a far cheaper failure mode
// than the bookkeeping and memory of an exact set. Each run draws a
// fresh random salt so that the false-positive set is not stable across
// runs — an object that spuriously survived deletion in one run will
// not spuriously survive again immediately after.
package bloom

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"

	bloomfilter "github.com/bits-and-blooms/bloom/v3"
)

// defaultFalsePositiveRate bounds the chance an absent key is reported
// present. 0.1% keeps the filter compact even for multi-million-entry
// units while making accidental survivors rare.
const defaultFalsePositiveRate = 0.001

// Set tracks which of an a-priori-unknown-sized collection of string
// keys (paths) were observed during a run. It is safe for concurrent
// Add calls from multiple goroutines only if guarded externally; the
// reconcilers that use it are single-threaded per unit.
type Set struct {
	filter *bloomfilter.BloomFilter
	salt   uint64
}

// NewSet creates a presence set sized for roughly n expected entries.
// n need not be exact — bits-and-blooms scales gracefully when the
// estimate is off, and callers that have no estimate can pass a
// generous default.
func NewSet(n uint) (*Set, error) {
	salt, err := randomSalt()
	if err != nil {
		return nil, err
	}
	return &Set{
		filter: bloomfilter.NewWithEstimates(n, defaultFalsePositiveRate),
		salt:   salt,
	}, nil
}

func randomSalt() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// Add records key as present in this run.
func (s *Set) Add(key string) {
	s.filter.Add(s.saltedKey(key))
}

// Contains reports whether key was (probably) added during this run. A
// false positive is possible; a false negative is not.
func (s *Set) Contains(key string) bool {
	return s.filter.Test(s.saltedKey(key))
}

// saltedKey XORs a per-run random salt into the key's hash before
// feeding it to the filter, so the underlying bit positions touched by
// a given key change from run to run.
func (s *Set) saltedKey(key string) []byte {
	h := fnv.New64a()
	h.Write([]byte(key))
	mixed := h.Sum64() ^ s.salt

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], mixed)
	return buf[:]
}
