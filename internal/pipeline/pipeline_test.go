package pipeline

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func TestTwoStagePipeline(t *testing.T) {
	p, err := Start(context.Background(), []Stage{
		{Path: "/bin/cat"},
		{Path: "/usr/bin/wc", Args: []string{"-c"}},
	})
	if err != nil {
		t.Skipf("pipeline stages unavailable in test environment: %v", err)
	}

	go func() {
		io.WriteString(p.In, "hello world")
		p.In.Close()
	}()

	out, err := io.ReadAll(p.Out)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(out, []byte("11")) {
		t.Fatalf("expected byte count 11, got %q", out)
	}
}

func TestSingleStageFailureIsReported(t *testing.T) {
	p, err := Start(context.Background(), []Stage{
		{Path: "/bin/false"},
	})
	if err != nil {
		t.Skipf("stage unavailable: %v", err)
	}
	p.In.Close()
	io.ReadAll(p.Out)
	if err := p.Wait(); err == nil {
		t.Fatal("expected error from failing stage")
	}
}
