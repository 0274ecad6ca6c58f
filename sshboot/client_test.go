package sshboot

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// fakeSshdog accepts exactly one connection and answers "exec" requests
// by writing "ok\n" on stdout, accepts "env" requests, and other requests
// by rejecting them — enough surface to exercise Client.Exec and
// Client.Upload without a real guest.
func fakeSshdog(t *testing.T, authorizedKey ssh.PublicKey, hostSigner ssh.Signer) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(authorizedKey.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unauthorized key")
		},
	}
	cfg.AddHostKey(hostSigner)

	go func() {
		nConn, err := ln.Accept()
		if err != nil {
			return
		}
		sshConn, chans, reqs, err := ssh.NewServerConn(nConn, cfg)
		if err != nil {
			return
		}
		defer sshConn.Close() //nolint:errcheck
		go ssh.DiscardRequests(reqs)

		for newChannel := range chans {
			if newChannel.ChannelType() != "session" {
				newChannel.Reject(ssh.UnknownChannelType, "unsupported") //nolint:errcheck
				continue
			}
			channel, requests, err := newChannel.Accept()
			if err != nil {
				return
			}
			go func() {
				defer channel.Close() //nolint:errcheck
				for req := range requests {
					switch req.Type {
					case "exec":
						channel.Write([]byte("ok\n")) //nolint:errcheck
						req.Reply(true, nil)           //nolint:errcheck
						channel.SendRequest("exit-status", false, make([]byte, 4)) //nolint:errcheck
						return
					case "env":
						req.Reply(true, nil) //nolint:errcheck
					default:
						req.Reply(false, nil) //nolint:errcheck
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestDialSucceedsAndExecs(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(kp.HostPrivateKey)
	require.NoError(t, err)
	addr := fakeSshdog(t, kp.PublicKey, hostSigner)

	signer, err := kp.Signer()
	require.NoError(t, err)

	opts := DialOptions{
		Addr: addr, User: "root", Signer: signer,
		HostKey:    kp.HostPublicKeyCallback(),
		MaxRetries: 5, RetryEvery: 50 * time.Millisecond, //nolint:mnd
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:mnd
	defer cancel()

	c, err := Dial(ctx, opts)
	require.NoError(t, err)
	defer c.Close() //nolint:errcheck

	out, err := c.Exec(ctx, "echo hi", map[string]string{"FOO": "bar"})
	require.NoError(t, err)
	require.Equal(t, "ok\n", string(out))
}

func TestDialFailsAfterExhaustingRetries(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	signer, err := kp.Signer()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() //nolint:errcheck // nothing listens here

	opts := DialOptions{
		Addr: addr, User: "root", Signer: signer,
		HostKey:    kp.HostPublicKeyCallback(),
		MaxRetries: 2, RetryEvery: 10 * time.Millisecond, //nolint:mnd
	}

	_, err = Dial(context.Background(), opts)
	require.Error(t, err)
}
