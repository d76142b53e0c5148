// Package rsync mirrors a remote filesystem path via the external
// rsync binary, the simplest of the five reconcilers: it delegates
// almost all incremental-transfer logic to rsync itself and only
// interprets rsync's exit code to decide between success, a feature
// fallback, and a hard failure.
package rsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cmusatyalab/deltaic/internal/config"
	"github.com/cmusatyalab/deltaic/internal/scrub"
)

// ErrProtocolFeatureMissing names the condition behind rsync exit codes
// 2 and 12: the remote rsync is too old to support a requested feature.
// The transfer handles that condition by checking the exit code and
// retrying once without the feature; this error value is not returned.
var ErrProtocolFeatureMissing = errors.New("rsync: remote does not support requested feature")

// baseArgs preserves hard links, sparseness, xattrs, ACLs, and numeric
// ownership, and uses --fake-super so a root-owned source tree can be
// mirrored into a destination owned by an unprivileged local user: real
// ownership/permission bits are instead stored as an xattr by rsync
// itself rather than applied via chown/chmod.
var baseArgs = []string{
	"-a", "--delete", "--numeric-ids", "--hard-links", "--sparse",
	"--acls", "--xattrs", "--fake-super",
}

// fallbackArgs drops --acls/--xattrs for servers that don't speak the
// corresponding rsync protocol extension.
var fallbackArgs = []string{
	"-a", "--delete", "--numeric-ids", "--hard-links", "--sparse", "--fake-super",
}

// Unit mirrors one remote rsync source (typically `host:/path`) into a
// local mirror root.
type Unit struct {
	UnitName   string
	RemotePath string
	RSyncPath  string // resolved binary path, default "rsync"

	// ScrubProbability is the per-day chance (config key
	// "rsync-scrub-probability", historically 1/60) that a run adds
	// --checksum even without an explicit --scrub request.
	ScrubProbability float64

	// SSHHost, PreCommand, and PostCommand support the optional remote
	// quiesce hooks a unit manifest can declare ("pre"/"post" keys):
	// PreCommand runs over SSH on SSHHost before the rsync transfer,
	// PostCommand after it — but only if the transfer itself succeeded,
	// matching the original's sequential pre/sync/post script where an
	// exception from sync_host skips the post hook entirely.
	SSHHost     string
	PreCommand  string
	PostCommand string
}

// NewUnit builds a Unit from a decoded config.SourceUnit.
func NewUnit(su config.SourceUnit, rsyncPath string, scrubProbability float64) (Unit, error) {
	remote, _ := su.Extra["source"].(string)
	if remote == "" {
		return Unit{}, fmt.Errorf("rsync: unit %s missing 'source'", su.Name)
	}
	if rsyncPath == "" {
		rsyncPath = "rsync"
	}
	sshHost := remote
	if idx := strings.IndexByte(remote, ':'); idx >= 0 {
		sshHost = remote[:idx]
	}
	pre, _ := su.Extra["pre"].(string)
	post, _ := su.Extra["post"].(string)
	return Unit{
		UnitName:         su.Name,
		RemotePath:       remote,
		RSyncPath:        rsyncPath,
		ScrubProbability: scrubProbability,
		SSHHost:          sshHost,
		PreCommand:       pre,
		PostCommand:      post,
	}, nil
}

// Name implements source.Unit.
func (u Unit) Name() string { return u.UnitName }

// Backup implements source.Unit. scrub (or a per-day probabilistic
// draw) adds --checksum, forcing rsync to compare file contents rather
// than relying on size+mtime.
func (u Unit) Backup(ctx context.Context, root string, forceScrub bool) error {
	if u.PreCommand != "" {
		if err := runRemoteCommand(ctx, u.SSHHost, "", u.PreCommand); err != nil {
			return fmt.Errorf("rsync: %s: pre-hook: %w", u.UnitName, err)
		}
	}

	if err := u.transfer(ctx, root, forceScrub); err != nil {
		return err
	}

	if u.PostCommand != "" {
		if err := runRemoteCommand(ctx, u.SSHHost, "", u.PostCommand); err != nil {
			return fmt.Errorf("rsync: %s: post-hook: %w", u.UnitName, err)
		}
	}
	return nil
}

// transfer runs the rsync transfer itself, with the exit-code
// classification and protocol-feature fallback described in the
// package doc comment.
func (u Unit) transfer(ctx context.Context, root string, forceScrub bool) error {
	doScrub := forceScrub || scrub.DoWork(u.UnitName, time.Now(), u.ScrubProbability)
	args := append([]string{}, baseArgs...)
	if doScrub {
		args = append(args, "--checksum")
	}
	args = append(args, u.RemotePath+"/", root+"/")

	exitCode, stderr, err := u.run(ctx, args)
	if err == nil {
		return nil
	}

	if exitCode == 2 || exitCode == 12 {
		// Protocol feature missing (commonly --acls/--xattrs against an
		// older rsync); retry once without them.
		fallback := append([]string{}, fallbackArgs...)
		if doScrub {
			fallback = append(fallback, "--checksum")
		}
		fallback = append(fallback, u.RemotePath+"/", root+"/")
		exitCode, stderr, err = u.run(ctx, fallback)
		if err == nil {
			return nil
		}
	}

	return fmt.Errorf("rsync: %s: exit %d: %w: %s", u.UnitName, exitCode, err, stderr)
}

// run executes rsync once and classifies its exit code: 0 (success) and
// 24 (some source files vanished mid-transfer, harmless) both return a
// nil error.
func (u Unit) run(ctx context.Context, args []string) (exitCode int, stderr string, err error) {
	cmd := exec.CommandContext(ctx, u.RSyncPath, args...)
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if runErr == nil {
		return 0, "", nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		if code == 0 || code == 24 {
			return code, errBuf.String(), nil
		}
		return code, errBuf.String(), runErr
	}
	return -1, errBuf.String(), runErr
}
