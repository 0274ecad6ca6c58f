package fabricator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/goldboot/goldboot/sshboot"
	"github.com/goldboot/goldboot/types"
)

// recordingServer accepts SSH connections and records every exec/upload
// command string it receives, echoing "ok" back on each channel.
type recordingServer struct {
	Commands []string
}

func startRecordingServer(t *testing.T, kp *sshboot.KeyPair) (*recordingServer, string) {
	t.Helper()
	hostSigner, err := ssh.NewSignerFromKey(kp.HostPrivateKey)
	require.NoError(t, err)

	rs := &recordingServer{}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(hostSigner)

	go func() {
		for {
			nConn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleConn(nConn, cfg, rs)
		}
	}()
	return rs, ln.Addr().String()
}

func handleConn(nConn net.Conn, cfg *ssh.ServerConfig, rs *recordingServer) {
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
					rs.Commands = append(rs.Commands, string(req.Payload[4:]))
					channel.Write([]byte("ok")) //nolint:errcheck
					req.Reply(true, nil)         //nolint:errcheck
					channel.SendRequest("exit-status", false, make([]byte, 4)) //nolint:errcheck
					return
				default:
					req.Reply(true, nil) //nolint:errcheck
				}
			}
		}()
	}
}

func dialRecordingServer(t *testing.T, addr string, kp *sshboot.KeyPair) *sshboot.Client {
	t.Helper()
	signer, err := kp.Signer()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:mnd
	defer cancel()

	client, err := sshboot.Dial(ctx, sshboot.DialOptions{
		Addr: addr, User: "root", Signer: signer, HostKey: kp.HostPublicKeyCallback(),
		MaxRetries: 3, RetryEvery: 50 * time.Millisecond, //nolint:mnd
	})
	require.NoError(t, err)
	return client
}

func TestRunShellExecutesEachCommand(t *testing.T) {
	kp, err := sshboot.GenerateKeyPair()
	require.NoError(t, err)
	rs, addr := startRecordingServer(t, kp)
	client := dialRecordingServer(t, addr, kp)
	defer client.Close() //nolint:errcheck

	spec := types.FabricatorSpec{Type: "shell", Shell: &types.ShellFabricator{
		Commands: []string{"echo one", "echo two"},
	}}
	require.NoError(t, Run(context.Background(), client, spec))
	require.Equal(t, []string{"echo one", "echo two"}, rs.Commands)
}

func TestRunHostnameBuildsQuotedCommand(t *testing.T) {
	kp, err := sshboot.GenerateKeyPair()
	require.NoError(t, err)
	rs, addr := startRecordingServer(t, kp)
	client := dialRecordingServer(t, addr, kp)
	defer client.Close() //nolint:errcheck

	spec := types.FabricatorSpec{Type: "hostname", Hostname: &types.HostnameFabricator{Hostname: "my-host"}}
	require.NoError(t, Run(context.Background(), client, spec))
	require.Equal(t, []string{"hostnamectl set-hostname 'my-host'"}, rs.Commands)
}

func TestRunUnknownTypeErrors(t *testing.T) {
	kp, err := sshboot.GenerateKeyPair()
	require.NoError(t, err)
	_, addr := startRecordingServer(t, kp)
	client := dialRecordingServer(t, addr, kp)
	defer client.Close() //nolint:errcheck

	err = Run(context.Background(), client, types.FabricatorSpec{Type: "nonsense"})
	require.Error(t, err)
}

func TestShellQuoteArgEscapesSingleQuotes(t *testing.T) {
	require.Equal(t, `'it'\''s'`, shellQuoteArg("it's"))
}
