// utils/ssh.go - remote execution over SSH
package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"shipyard/common"
)

// Result captures a finished remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Ok reports whether the command exited zero.
func (r Result) Ok() bool { return r.ExitCode == 0 }

// Executor runs commands and places files on a target. Within one executor
// commands run strictly sequentially in submission order. Implementations
// return a non-nil error only for transport problems; command failures are
// reported through Result.ExitCode.
type Executor interface {
	Run(ctx context.Context, command string) (Result, error)
	Copy(ctx context.Context, content io.Reader, remotePath string, mode os.FileMode) error
	Close() error
}

// SSHClient is the production Executor, one authenticated connection per
// operation using the dedicated deployment identity.
type SSHClient struct {
	client *ssh.Client
	host   common.Host
}

// Connect opens an SSH connection to the target. Authentication failure,
// timeout and host-key mismatch all surface as connection errors.
func Connect(ctx context.Context, host common.Host, cfg common.Config) (*SSHClient, error) {
	keyFile := host.KeyFile
	if keyFile == "" {
		keyFile = cfg.SSHKeyFile
	}
	if keyFile == "" {
		return nil, common.E(common.KindConnection, "no SSH identity for %s: set ansible_ssh_private_key_file or SHIPYARD_SSH_KEY_FILE", host.Name)
	}

	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, common.E(common.KindConnection, "failed to read SSH key file %s: %v", keyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, common.E(common.KindConnection, "failed to parse SSH private key: %v", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, kerr := knownhosts.New(cfg.KnownHostsFile)
		if kerr != nil {
			return nil, common.E(common.KindConnection, "failed to load known_hosts %s: %v", cfg.KnownHostsFile, kerr)
		}
		hostKeyCallback = cb
	}

	config := &ssh.ClientConfig{
		User:            host.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}

	client, err := ssh.Dial("tcp", host.Address(), config)
	if err != nil {
		return nil, common.E(common.KindConnection, "failed to connect to %s@%s: %v", host.User, host.Address(), err)
	}
	return &SSHClient{client: client, host: host}, nil
}

// Run executes a command on the target and waits for it to finish. A non-zero
// exit status is not an error; the caller inspects Result.ExitCode.
func (c *SSHClient) Run(ctx context.Context, command string) (Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return Result{}, common.E(common.KindConnection, "failed to open session on %s: %v", c.host.Name, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return Result{}, common.E(common.KindConnection, "failed to start command on %s: %v", c.host.Name, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, common.Wrap(common.KindConnection, ctx.Err())
	case werr := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if werr != nil {
			var ee *ssh.ExitError
			if errors.As(werr, &ee) {
				res.ExitCode = ee.ExitStatus()
				return res, nil
			}
			return res, common.E(common.KindConnection, "command on %s did not complete: %v", c.host.Name, werr)
		}
		return res, nil
	}
}

// Copy places file content at remotePath with the given mode. The write goes
// to a temp file first and is moved into place, so a re-run or an interrupted
// transfer never leaves a partially written file at the destination.
func (c *SSHClient) Copy(ctx context.Context, content io.Reader, remotePath string, mode os.FileMode) error {
	session, err := c.client.NewSession()
	if err != nil {
		return common.E(common.KindConnection, "failed to open session on %s: %v", c.host.Name, err)
	}
	defer session.Close()

	session.Stdin = content
	tmp := remotePath + ".tmp"
	cmd := fmt.Sprintf("cat > %s && chmod %04o %s && mv -f %s %s",
		ShellQuote(tmp), mode.Perm(), ShellQuote(tmp), ShellQuote(tmp), ShellQuote(remotePath))

	if err := session.Start(cmd); err != nil {
		return common.E(common.KindConnection, "failed to start copy to %s: %v", remotePath, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return common.Wrap(common.KindConnection, ctx.Err())
	case werr := <-done:
		if werr != nil {
			return common.E(common.KindConnection, "copy to %s:%s failed: %v", c.host.Name, remotePath, werr)
		}
		return nil
	}
}

// Close tears down the connection.
func (c *SSHClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Host returns the connected target.
func (c *SSHClient) Host() common.Host { return c.host }

// ShellQuote wraps s in single quotes for safe interpolation into a remote
// shell command line.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
