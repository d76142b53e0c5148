package retrieve

import "container/list"

// Item is one object the coordinator must retrieve: a name (the archive
// unit) and its total byte size.
type Item struct {
	Name string
	Size int64
}

// DownloadState is the single-goroutine bookkeeping helper spec.md
// §4.9 calls out by name: it hands out byte ranges for the "current"
// item in ascending offset order, tracks how many sub-requests are
// still outstanding per item (since responses may complete out of
// order or concurrently with the next item already being requested),
// and reports exactly once per item whether every one of its
// sub-requests succeeded. Ported from archivers/__init__.py's
// DownloadState.
//
// Not safe for concurrent use: the coordinator's scheduling loop is the
// only caller, serializing access the way a single-threaded consumer
// loop did in the original.
type DownloadState struct {
	Name         string
	Offset       int64
	Remaining    int64
	Size         int64
	RequestsDone bool
	Done         bool

	pending             *list.List
	outstandingRequests map[string]int
	failed              map[string]bool
}

// NewDownloadState seeds the state machine with every item to
// retrieve, in the order their first sub-request should be issued.
func NewDownloadState(items []Item) *DownloadState {
	s := &DownloadState{
		pending:             list.New(),
		outstandingRequests: make(map[string]int),
		failed:              make(map[string]bool),
	}
	for _, it := range items {
		s.pending.PushBack(it)
	}
	s.nextItem()
	return s
}

func (s *DownloadState) nextItem() {
	front := s.pending.Front()
	if front == nil {
		s.Name = ""
		s.Offset, s.Size, s.Remaining = 0, 0, 0
		s.RequestsDone = true
		return
	}
	s.pending.Remove(front)
	it := front.Value.(Item)
	s.Name = it.Name
	s.Size = it.Size
	s.Offset = 0
	s.Remaining = it.Size
	s.outstandingRequests[s.Name] = 0
}

// Requested records that a retrieval request for count bytes of the
// current item was just issued, advancing the offset/remaining
// counters and, once the item is fully requested, moving on to the
// next pending item.
func (s *DownloadState) Requested(count int64) {
	if count > s.Remaining {
		panic("retrieve: requested more bytes than remain for current item")
	}
	s.Offset += count
	s.Remaining -= count
	s.outstandingRequests[s.Name]++
	if s.Remaining == 0 {
		s.nextItem()
	}
}

// ResponseFailed records one failed sub-request response for name,
// marking the item failed and skipping any of its byte ranges not yet
// requested. It returns true iff this is the item's first observed
// failure (so the caller yields an error for it exactly once).
func (s *DownloadState) ResponseFailed(name string) bool {
	if s.outstandingRequests[name] <= 0 {
		panic("retrieve: response for item with no outstanding requests")
	}
	firstFailure := !s.failed[name]
	s.failed[name] = true
	if name == s.Name {
		s.nextItem()
	}
	s.ResponseProcessed(name)
	return firstFailure
}

// ResponseProcessed records one successful sub-request response for
// name. It returns true iff name is now fully complete and every one
// of its sub-requests succeeded (the signal to yield success for it);
// false otherwise, including every call for an item that still has
// outstanding sub-requests.
func (s *DownloadState) ResponseProcessed(name string) bool {
	if s.outstandingRequests[name] <= 0 {
		panic("retrieve: response for item with no outstanding requests")
	}
	s.outstandingRequests[name]--
	if name != s.Name && s.outstandingRequests[name] == 0 {
		delete(s.outstandingRequests, name)
		if s.Name == "" && len(s.outstandingRequests) == 0 {
			s.Done = true
		}
		ok := !s.failed[name]
		delete(s.failed, name)
		return ok
	}
	return false
}
