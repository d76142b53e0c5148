package rsync

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// runRemoteCommand executes command on host as root over SSH, the
// native-Go replacement for the original's shelled `ssh -o
// BatchMode=yes -o StrictHostKeyChecking=no root@host command`. Used
// for the optional pre/post hooks a unit manifest can declare (e.g. to
// quiesce a database before the rsync transfer and resume it after).
//
// Host key verification is intentionally skipped, matching the
// original's StrictHostKeyChecking=no: these hosts are backup sources
// on a private management network, not attacker-reachable endpoints,
// and the original never pinned a host key either.
func runRemoteCommand(ctx context.Context, host, user, command string) error {
	if user == "" {
		user = "root"
	}
	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeysCallback(sshAgentSigners)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	addr := host
	if !strings.Contains(addr, ":") {
		addr = addr + ":22"
	}
	dialer := net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("rsync: dialing %s: %w", host, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return fmt.Errorf("rsync: ssh handshake with %s: %w", host, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("rsync: opening session on %s: %w", host, err)
	}
	defer session.Close()

	if out, err := session.CombinedOutput(command); err != nil {
		return fmt.Errorf("rsync: remote command %q on %s: %w: %s", command, host, err, out)
	}
	return nil
}

// sshAgentSigners is resolved lazily at dial time rather than once at
// startup, since the agent socket (or its absence) can change between
// runs invoked from cron versus an interactive shell.
func sshAgentSigners() ([]ssh.Signer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("rsync: SSH_AUTH_SOCK not set, no agent available")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("rsync: connecting to ssh-agent: %w", err)
	}
	return agent.NewClient(conn).Signers()
}
