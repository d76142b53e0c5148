package snapshot

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeRunner struct {
	calls     [][]string
	responses map[string]string
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) (string, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	return f.responses[args[0]], nil
}

func TestSnapshotDateParsesNamePrefix(t *testing.T) {
	s := Snapshot{Name: "20260730-3"}
	want := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	if !s.SnapshotDate().Equal(want) {
		t.Fatalf("got %v, want %v", s.SnapshotDate(), want)
	}
}

func TestListParsesTaggedVolumes(t *testing.T) {
	fr := &fakeRunner{responses: map[string]string{
		"lvs": "vg0\t20260728-1\nvg0\t20260729-1\n",
	}}
	r := &Registry{VolumeGroup: "vg0", OriginVolume: "origin", runner: fr, log: zap.NewNop()}

	snaps, err := r.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Name != "20260728-1" || snaps[1].Name != "20260729-1" {
		t.Fatalf("unexpected order: %+v", snaps)
	}
}

func TestCreateProbesFreeRevisionSlot(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	fr := &fakeRunner{responses: map[string]string{
		"lvs":      "vg0\t20260730-1\nvg0\t20260730-2\n",
		"lvcreate": "",
	}}
	r := &Registry{VolumeGroup: "vg0", OriginVolume: "origin", runner: fr, log: zap.NewNop()}

	snap, err := r.Create(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Name != "20260730-3" {
		t.Fatalf("expected next free slot 20260730-3, got %s", snap.Name)
	}
}

func TestCreateFailsWhenAllSlotsTaken(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	lines := ""
	for n := 1; n <= 99; n++ {
		lines += "vg0\t20260730-" + itoa(n) + "\n"
	}
	fr := &fakeRunner{responses: map[string]string{"lvs": lines}}
	r := &Registry{VolumeGroup: "vg0", OriginVolume: "origin", runner: fr, log: zap.NewNop()}

	_, err := r.Create(context.Background(), now)
	if err != ErrNoFreeName {
		t.Fatalf("expected ErrNoFreeName, got %v", err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}
