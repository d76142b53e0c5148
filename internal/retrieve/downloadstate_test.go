package retrieve

import "testing"

func TestDownloadStateSingleItemSuccess(t *testing.T) {
	s := NewDownloadState([]Item{{Name: "a", Size: 100}})
	if s.Name != "a" || s.RequestsDone {
		t.Fatalf("unexpected initial state: %+v", s)
	}
	s.Requested(60)
	if s.Name != "a" || s.Remaining != 40 {
		t.Fatalf("unexpected state after partial request: %+v", s)
	}
	s.Requested(40)
	if !s.RequestsDone {
		t.Fatal("expected RequestsDone after fully requesting the only item")
	}
	if ok := s.ResponseProcessed("a"); ok {
		t.Fatal("first response should be incomplete (2 outstanding)")
	}
	if !s.ResponseProcessed("a") {
		t.Fatal("expected success on final outstanding response")
	}
	if !s.Done {
		t.Fatal("expected Done after last item's last response")
	}
}

func TestDownloadStateFailureYieldsOnce(t *testing.T) {
	s := NewDownloadState([]Item{{Name: "a", Size: 100}})
	s.Requested(50)
	s.Requested(50) // two sub-requests for a are in flight
	first := s.ResponseFailed("a")
	if !first {
		t.Fatal("expected first failure to report true")
	}
	// A second failed response for the same (already-failed) name must
	// not re-report.
	second := s.ResponseFailed("a")
	if second {
		t.Fatal("second failure for the same item must not re-report")
	}
}

func TestDownloadStateMultipleItemsOutOfOrderCompletion(t *testing.T) {
	s := NewDownloadState([]Item{{Name: "a", Size: 10}, {Name: "b", Size: 10}})
	if s.Name != "a" {
		t.Fatalf("expected a first, got %s", s.Name)
	}
	s.Requested(10) // a fully requested, moves on to b
	if s.Name != "b" {
		t.Fatalf("expected b after a fully requested, got %s", s.Name)
	}
	s.Requested(10) // b fully requested
	if !s.RequestsDone {
		t.Fatal("expected RequestsDone")
	}

	// b's response arrives first, while a is still outstanding.
	if ok := s.ResponseProcessed("b"); !ok {
		t.Fatal("expected b to complete successfully")
	}
	if s.Done {
		t.Fatal("a still outstanding, must not be Done yet")
	}
	if ok := s.ResponseProcessed("a"); !ok {
		t.Fatal("expected a to complete successfully")
	}
	if !s.Done {
		t.Fatal("expected Done once both items have completed")
	}
}

func TestDownloadStateFailureSkipsRestOfItem(t *testing.T) {
	s := NewDownloadState([]Item{{Name: "a", Size: 100}})
	s.Requested(50) // half requested; a is still "current"
	first := s.ResponseFailed("a")
	if !first {
		t.Fatal("expected first failure")
	}
	// Failing while a is still current must advance past it entirely.
	if s.Name == "a" {
		t.Fatal("expected failed item to be skipped as current")
	}
	if !s.RequestsDone {
		t.Fatal("expected RequestsDone once the only item is abandoned")
	}
}
