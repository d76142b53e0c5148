package snapshot

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestPoolStatusParsesDataAndMetadataPercent(t *testing.T) {
	fr := &fakeRunner{responses: map[string]string{"lvs": "  42.50\t3.10\n"}}
	r := &Registry{VolumeGroup: "vg0", OriginVolume: "origin", runner: fr, log: zap.NewNop()}

	status, err := r.PoolStatus(context.Background(), "thinpool")
	if err != nil {
		t.Fatal(err)
	}
	if status.DataPercent != 42.5 || status.MetaPercent != 3.1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}
