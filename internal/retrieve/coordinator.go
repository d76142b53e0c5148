package retrieve

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RangeRequester is implemented by a Glacier-class backend to let the
// coordinator drive byte-range retrieval jobs without knowing anything
// about that backend's wire protocol.
type RangeRequester interface {
	// InitiateRangeJob starts retrieval of [offset, offset+length) of
	// name and returns an opaque job handle.
	InitiateRangeJob(ctx context.Context, name string, offset, length int64) (job string, err error)

	// AwaitRange blocks until job completes (polling or otherwise) and
	// writes its bytes into destPath at the given offset. It may block
	// for a long time; the coordinator runs one goroutine per
	// in-flight sub-request so multiple AwaitRange calls overlap.
	AwaitRange(ctx context.Context, name, job string, offset int64, destPath string) error
}

// Result is one yielded outcome: either name fully retrieved (Err nil)
// or name's first sub-request failure (Err set); the rest of a failed
// item's sub-requests are skipped, never double-reported.
type Result struct {
	Name string
	Err  error
}

// Request pairs an Item to retrieve with the local path its bytes
// should land in.
type Request struct {
	Item
	LocalPath string
}

// subResult is what a sub-request goroutine reports back to the
// scheduling loop.
type subResult struct {
	name string
	err  error
}

// Run drives the full scheduling loop described in spec.md §4.9:
// discretized hour-aligned slots, a 4-hour billing horizon, ledger
// CAS-protected allocation, and DownloadState bookkeeping so that each
// requested item is yielded exactly once, success or failure. It
// returns a channel that is closed once every request has been
// yielded or ctx is canceled.
func Run(ctx context.Context, ledger Ledger, requester RangeRequester, requests []Request, maxRateBytesPerHour int64) <-chan Result {
	out := make(chan Result, len(requests))
	go func() {
		defer close(out)
		runLoop(ctx, ledger, requester, requests, maxRateBytesPerHour, out)
	}()
	return out
}

func runLoop(ctx context.Context, ledger Ledger, requester RangeRequester, requests []Request, maxRateBytesPerHour int64, out chan<- Result) {
	if len(requests) == 0 {
		return
	}
	items := make([]Item, len(requests))
	destByName := make(map[string]string, len(requests))
	for i, r := range requests {
		items[i] = r.Item
		destByName[r.Name] = r.LocalPath
	}
	state := NewDownloadState(items)

	completions := make(chan subResult)
	var wg sync.WaitGroup

	for !state.Done {
		if ctx.Err() != nil {
			return
		}

		// Allocation phase: keep requesting sub-ranges for the slot's
		// quota until the current slot yields no further allocation
		// or every item has been fully requested.
		for !state.RequestsDone {
			now := time.Now()
			alloc, ok, err := RequestQuota(ctx, ledger, now, maxRateBytesPerHour, state.Remaining)
			if err != nil {
				// Ledger unreachable: stop issuing new work this
				// slot, but let already-outstanding sub-requests
				// drain so partial progress isn't lost.
				break
			}
			if !ok {
				// Lost the CAS race; retry immediately against a
				// fresh read rather than waiting for the next slot,
				// since another instance's write already advanced
				// the serial we'd otherwise spin on.
				continue
			}
			if alloc == 0 {
				break
			}

			name := state.Name
			offset := state.Offset
			dest := destByName[name]
			state.Requested(alloc)

			wg.Add(1)
			go func(name string, offset, length int64, dest string) {
				defer wg.Done()
				job, err := requester.InitiateRangeJob(ctx, name, offset, length)
				if err == nil {
					err = requester.AwaitRange(ctx, name, job, offset, dest)
				}
				select {
				case completions <- subResult{name: name, err: err}:
				case <-ctx.Done():
				}
			}(name, offset, alloc, dest)
		}

		// Wait phase: block until the next slot boundary, draining
		// completions as they arrive so the caller sees results as
		// soon as an item finishes rather than only at slot
		// boundaries.
		deadline := time.NewTimer(time.Until(nextSlotBoundary(time.Now())))
		waiting := true
		for waiting {
			select {
			case sr := <-completions:
				reportCompletion(state, sr, out)
			case <-deadline.C:
				waiting = false
			case <-ctx.Done():
				deadline.Stop()
				return
			}
			if state.Done {
				waiting = false
			}
		}
		deadline.Stop()
	}

	// Drain any sub-requests still in flight after the last item was
	// fully requested but before every completion arrived.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case sr := <-completions:
			reportCompletion(state, sr, out)
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func reportCompletion(state *DownloadState, sr subResult, out chan<- Result) {
	if sr.err != nil {
		if state.ResponseFailed(sr.name) {
			out <- Result{Name: sr.name, Err: fmt.Errorf("retrieve: %s: %w", sr.name, sr.err)}
		}
		return
	}
	if state.ResponseProcessed(sr.name) {
		out <- Result{Name: sr.name}
	}
}
