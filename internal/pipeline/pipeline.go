// Package pipeline runs a chain of external commands connected the way
// a shell pipeline connects them — stage N's stdout feeds stage N+1's
// stdin — without actually invoking a shell. This is the primitive that
// the Coda and rbd reconcilers use to stream "ssh ... dump | decoder"
// style pipelines, and that the archive packer uses for tar | compress
// | gpg.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// Stage describes one command in the pipeline.
type Stage struct {
	// Path is the executable to run (resolved via exec.LookPath semantics
	// if it does not contain a path separator).
	Path string
	// Args are the arguments passed to Path, not including Path itself.
	Args []string
	// Env, if non-nil, replaces the inherited environment for this stage.
	Env []string
	// Dir, if non-empty, sets the working directory for this stage.
	Dir string
	// Stderr, if non-nil, receives this stage's standard error. If nil,
	// the stage's stderr is discarded.
	Stderr io.Writer
}

// Pipeline is a running chain of stages connected stdout-to-stdin. The
// first stage's stdin and the last stage's stdout are exposed to the
// caller via In and Out.
type Pipeline struct {
	cmds []*exec.Cmd

	// In is the first stage's stdin. The caller must close it to signal
	// end of input.
	In io.WriteCloser
	// Out is the last stage's stdout. The caller must read it to EOF and
	// then call Wait.
	Out io.ReadCloser
}

// Start launches every stage in order, connecting each stage's stdout to
// the next stage's stdin via an os.Pipe. If any stage fails to start,
// every previously started stage is killed before returning the error.
func Start(ctx context.Context, stages []Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline: no stages")
	}

	p := &Pipeline{cmds: make([]*exec.Cmd, len(stages))}
	var prevOut io.ReadCloser

	for i, s := range stages {
		cmd := exec.CommandContext(ctx, s.Path, s.Args...)
		cmd.Env = s.Env
		cmd.Dir = s.Dir
		cmd.Stderr = s.Stderr
		p.cmds[i] = cmd

		if i == 0 {
			stdin, err := cmd.StdinPipe()
			if err != nil {
				return nil, fmt.Errorf("pipeline: stage %d (%s): stdin pipe: %w", i, s.Path, err)
			}
			p.In = stdin
		} else {
			cmd.Stdin = prevOut
		}

		if i == len(stages)-1 {
			stdout, err := cmd.StdoutPipe()
			if err != nil {
				p.killStarted(i)
				return nil, fmt.Errorf("pipeline: stage %d (%s): stdout pipe: %w", i, s.Path, err)
			}
			p.Out = stdout
		} else {
			stdout, err := cmd.StdoutPipe()
			if err != nil {
				p.killStarted(i)
				return nil, fmt.Errorf("pipeline: stage %d (%s): stdout pipe: %w", i, s.Path, err)
			}
			prevOut = stdout
		}

		if err := cmd.Start(); err != nil {
			p.killStarted(i)
			return nil, fmt.Errorf("pipeline: stage %d (%s): start: %w", i, s.Path, err)
		}
	}

	return p, nil
}

// killStarted terminates every command up to and including index i that
// has already been started, used to unwind a partially constructed
// pipeline on error.
func (p *Pipeline) killStarted(i int) {
	for j := 0; j <= i; j++ {
		if p.cmds[j].Process != nil {
			p.cmds[j].Process.Kill()
		}
	}
}

// Wait waits for every stage to exit and returns the first non-nil
// error encountered, in stage order. Callers should fully drain Out
// (and close In) before calling Wait to avoid deadlocking on a full
// pipe buffer.
func (p *Pipeline) Wait() error {
	var firstErr error
	for i, cmd := range p.cmds {
		if err := cmd.Wait(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pipeline: stage %d (%s): %w", i, cmd.Path, err)
		}
	}
	return firstErr
}

// Kill terminates every stage immediately. Use it to unwind a pipeline
// after a context cancellation or an unrecoverable read error; Wait
// should still be called afterward to reap the processes.
func (p *Pipeline) Kill() {
	for _, cmd := range p.cmds {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}
}
