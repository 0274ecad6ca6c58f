package sshboot

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// Client is the driver's post-boot SSH connection to one guest.
type Client struct {
	conn *ssh.Client
}

// DialOptions configures the connect-retry loop spec.md requires: up to
// 25 attempts, 5s apart, ~2 minutes total before giving up.
type DialOptions struct {
	Addr       string
	User       string
	Signer     ssh.Signer
	HostKey    ssh.HostKeyCallback
	MaxRetries int
	RetryEvery time.Duration
}

// DefaultDialOptions fills in spec.md's §5 retry budget.
func DefaultDialOptions(addr, user string, signer ssh.Signer, hostKey ssh.HostKeyCallback) DialOptions {
	return DialOptions{
		Addr: addr, User: user, Signer: signer, HostKey: hostKey,
		MaxRetries: 25, RetryEvery: 5 * time.Second, //nolint:mnd
	}
}

// Dial retries until the guest's sshdog is reachable or ctx/retry budget
// is exhausted. A timed-out dial is the driver's SshTimeout error kind.
func Dial(ctx context.Context, opts DialOptions) (*Client, error) {
	cfg := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(opts.Signer)},
		HostKeyCallback: opts.HostKey,
		Timeout:         5 * time.Second, //nolint:mnd
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		conn, err := ssh.Dial("tcp", opts.Addr, cfg)
		if err == nil {
			return &Client{conn: conn}, nil
		}
		lastErr = err

		t := time.NewTimer(opts.RetryEvery)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("sshboot: connect cancelled: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("sshboot: exhausted %d retries dialing %s: %w", opts.MaxRetries, opts.Addr, lastErr)
}

func (c *Client) Close() error { return c.conn.Close() }

// Exec runs command in a fresh session with env set, returning combined
// stdout+stderr. Most sshdog builds don't honor SSH's SetEnv request, so
// callers needing guaranteed env propagation should prefix the command
// with inline assignments; Exec still calls Setenv per spec.md's contract
// ("command execution with environment variables").
func (c *Client) Exec(ctx context.Context, command string, env map[string]string) ([]byte, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("sshboot: opening session: %w", err)
	}
	defer session.Close() //nolint:errcheck

	for k, v := range env {
		if err := session.Setenv(k, v); err != nil {
			return nil, fmt.Errorf("sshboot: setting env %s: %w", k, err)
		}
	}

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		if err != nil {
			return out.Bytes(), fmt.Errorf("sshboot: command %q: %w", command, err)
		}
		return out.Bytes(), nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL) //nolint:errcheck
		return out.Bytes(), fmt.Errorf("sshboot: command %q cancelled: %w", command, ctx.Err())
	}
}

// Upload writes data to remotePath on the guest via a shell redirect —
// there is no SFTP subsystem in sshdog, only plain exec.
func (c *Client) Upload(ctx context.Context, remotePath string, data []byte) error {
	session, err := c.conn.NewSession()
	if err != nil {
		return fmt.Errorf("sshboot: opening session: %w", err)
	}
	defer session.Close() //nolint:errcheck

	session.Stdin = bytes.NewReader(data)
	done := make(chan error, 1)
	go func() { done <- session.Run(fmt.Sprintf("cat > %s", shellQuote(remotePath))) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("sshboot: uploading %s: %w", remotePath, err)
		}
		return nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL) //nolint:errcheck
		return fmt.Errorf("sshboot: upload %s cancelled: %w", remotePath, ctx.Err())
	}
}

// Shutdown runs the guest's shutdown command through Exec and returns
// its error; the connection dropping mid-command surfaces as that error.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.Exec(ctx, "shutdown -h now", nil)
	return err
}

func shellQuote(s string) string {
	return "'" + bytesReplace(s, "'", `'\''`) + "'"
}

func bytesReplace(s, old, replacement string) string {
	out := ""
	for i := 0; i < len(s); i++ {
		if s[i:i+1] == old {
			out += replacement
		} else {
			out += s[i : i+1]
		}
	}
	return out
}
