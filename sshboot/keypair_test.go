package sshboot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPairProducesDistinctKeys(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotEqual(t, kp.PublicKey.Marshal(), kp.HostPublicKey.Marshal())
}

func TestAuthorizedKeyLineParsesBack(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	line := kp.AuthorizedKeyLine()
	require.True(t, strings.HasPrefix(string(line), "ssh-ed25519 "))

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(line)
	require.NoError(t, err)
	require.Equal(t, kp.PublicKey.Marshal(), parsed.Marshal())
}

func TestHostKeyBytesParseBackToSameIdentity(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	raw, err := kp.HostKeyBytes()
	require.NoError(t, err)

	signer, err := ssh.ParsePrivateKey(raw)
	require.NoError(t, err)
	require.Equal(t, kp.HostPublicKey.Marshal(), signer.PublicKey().Marshal())
}

func TestHostPublicKeyCallbackAcceptsOnlyGeneratedKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	cb := kp.HostPublicKeyCallback()
	require.NoError(t, cb("guest:2222", nil, kp.HostPublicKey))
	require.Error(t, cb("guest:2222", nil, other.HostPublicKey))
}
