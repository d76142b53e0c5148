package metrics

import (
	"context"
	"testing"
	"time"
)

func TestServeNoopWhenAddrEmpty(t *testing.T) {
	if err := Serve(context.Background(), "", nil); err != nil {
		t.Fatalf("Serve with empty addr must be a no-op: %v", err)
	}
}

func TestObserveHelpersDoNotPanic(t *testing.T) {
	ObserveUnit("rsync", nil)
	ObserveUnit("rsync", context.Canceled)
	ObserveSnapshot(time.Now())
	ObserveUpload("aws", 2*time.Second)
}
