package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// logExcerptInputBytes bounds how much of a failed unit's combined
// output we read back off disk to build the stderr excerpt.
const logExcerptInputBytes = 8192

// excerptMaxBytes/excerptMaxLines bound the size of the excerpt printed
// in the `Failed: <unit>` block, so one runaway unit's log doesn't
// flood the top-level run summary.
const (
	excerptMaxBytes = 4096
	excerptMaxLines = 10
)

const dateFormat = "20060102"

// UnitResult is the outcome of running one unit's child process.
type UnitResult struct {
	SourceLabel string
	UnitName    string
	Err         error
	// Excerpt holds a trimmed tail of the unit's output, populated only
	// when Err is non-nil.
	Excerpt string
}

// Pool runs every unit of one source through a fixed-size worker set,
// re-invoking the running binary as a child process per unit so a crash
// in one unit's reconciler code can never take down a sibling unit or
// the scheduler itself.
type Pool struct {
	Label      string
	Workers    int
	LogRoot    string // e.g. <backup-root>/Logs/<source-label>
	ExePath    string // os.Args[0], resolved to an absolute path
	ConfigPath string
	Verbose    bool

	log *zap.Logger
}

// NewPool constructs a worker pool for one source.
func NewPool(label string, workers int, logRoot, exePath, configPath string, verbose bool, log *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		Label:      label,
		Workers:    workers,
		LogRoot:    logRoot,
		ExePath:    exePath,
		ConfigPath: configPath,
		Verbose:    verbose,
		log:        log.Named("scheduler").Named(label),
	}
}

// Run backs up every unit concurrently (bounded by Workers) and returns
// one UnitResult per unit, in no particular order.
func (p *Pool) Run(ctx context.Context, units []Unit, scrub bool) []UnitResult {
	results := make([]UnitResult, len(units))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < p.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = p.runOne(ctx, units[i], scrub)
			}
		}()
	}

	for i := range units {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// runOne re-invokes ExePath as `<exe> -c <config> run-unit <label> <unit>
// [--scrub]`, capturing combined output into
// <LogRoot>/<unit>/<YYYYMMDD>.{out,err} with start/exit banners, and
// building a failure excerpt if the child exits non-zero.
func (p *Pool) runOne(ctx context.Context, u Unit, scrub bool) UnitResult {
	unitLogDir := filepath.Join(p.LogRoot, u.Name())
	if err := os.MkdirAll(unitLogDir, 0755); err != nil {
		return UnitResult{SourceLabel: p.Label, UnitName: u.Name(), Err: fmt.Errorf("scheduler: creating log dir: %w", err)}
	}

	date := time.Now().UTC().Format(dateFormat)
	outPath := filepath.Join(unitLogDir, date+".out")
	errPath := filepath.Join(unitLogDir, date+".err")

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return UnitResult{SourceLabel: p.Label, UnitName: u.Name(), Err: err}
	}
	defer outFile.Close()
	errFile, err := os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return UnitResult{SourceLabel: p.Label, UnitName: u.Name(), Err: err}
	}
	defer errFile.Close()

	args := []string{"-c", p.ConfigPath, "run-unit", p.Label, u.Name()}
	if scrub {
		args = append(args, "--scrub")
	}
	if p.Verbose {
		args = append(args, "-v")
	}

	cmd := exec.CommandContext(ctx, p.ExePath, args...)

	var combined bytes.Buffer
	cmd.Stdout = io.MultiWriter(outFile, &combined)
	cmd.Stderr = io.MultiWriter(errFile, &combined)

	start := time.Now()
	fmt.Fprintf(outFile, "=== start %s ===\n", start.Format(time.RFC3339))

	runErr := cmd.Run()
	duration := time.Since(start)

	status := "exit 0"
	if runErr != nil {
		status = fmt.Sprintf("exit error: %v", runErr)
	}
	fmt.Fprintf(outFile, "=== %s after %s ===\n", status, duration)

	result := UnitResult{SourceLabel: p.Label, UnitName: u.Name()}
	if runErr != nil {
		result.Err = runErr
		result.Excerpt = buildExcerpt(combined.Bytes())
		p.log.Warn("unit failed", zap.String("unit", u.Name()), zap.Error(runErr))
	} else {
		p.log.Info("unit succeeded", zap.String("unit", u.Name()), zap.Duration("duration", duration))
	}
	return result
}

// buildExcerpt trims a captured log buffer down to at most
// excerptMaxLines lines and excerptMaxBytes bytes, taking the tail
// (the part most likely to contain the actual error) and stripping
// common Go/Python traceback noise isn't attempted here — unlike the
// historical implementation, Go panics already produce a compact
// single-line error via cmd.Run()'s *exec.ExitError, so excerpting the
// raw output tail is sufficient.
func buildExcerpt(output []byte) string {
	truncated := false
	if len(output) > logExcerptInputBytes {
		output = output[len(output)-logExcerptInputBytes:]
		truncated = true
	}

	scanner := bufio.NewScanner(bytes.NewReader(output))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if len(lines) > excerptMaxLines {
		lines = lines[len(lines)-excerptMaxLines:]
		truncated = true
	}
	excerpt := strings.Join(lines, "\n")
	if len(excerpt) > excerptMaxBytes {
		excerpt = excerpt[len(excerpt)-excerptMaxBytes:]
		truncated = true
	}
	if truncated {
		// The "[...]" marker counts toward excerptMaxLines.
		if parts := strings.Split(excerpt, "\n"); len(parts) > excerptMaxLines-1 {
			excerpt = strings.Join(parts[len(parts)-(excerptMaxLines-1):], "\n")
		}
		excerpt = "[...]\n" + excerpt
	}
	return excerpt
}

// FormatFailureBlock renders the `Failed: <unit>` report block emitted
// to stderr by the top-level orchestrator for each failed unit.
func FormatFailureBlock(r UnitResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failed: %s/%s\n", r.SourceLabel, r.UnitName)
	fmt.Fprintf(&b, "   %v\n", r.Err)
	if r.Excerpt != "" {
		for _, line := range strings.Split(r.Excerpt, "\n") {
			fmt.Fprintf(&b, "   %s\n", line)
		}
	}
	return b.String()
}
