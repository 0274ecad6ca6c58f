// Package sshboot generates the per-run SSH material a Worker hands to its
// guest, and drives post-boot automation over that connection: command
// execution with environment variables, file upload, and shutdown.
package sshboot

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// KeyPair is one run's generated SSH identity: a guest-side authorized key
// and a driver-side host key, both ed25519.
type KeyPair struct {
	PublicKey      ssh.PublicKey
	PrivateKey     ed25519.PrivateKey
	HostPublicKey  ssh.PublicKey
	HostPrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh client identity and host key, per
// spec.md's "generates a fresh key pair per run" requirement.
func GenerateKeyPair() (*KeyPair, error) {
	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshboot: generating client key: %w", err)
	}
	hostPub, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshboot: generating host key: %w", err)
	}

	sshClientPub, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		return nil, fmt.Errorf("sshboot: wrapping client public key: %w", err)
	}
	sshHostPub, err := ssh.NewPublicKey(hostPub)
	if err != nil {
		return nil, fmt.Errorf("sshboot: wrapping host public key: %w", err)
	}

	return &KeyPair{
		PublicKey:      sshClientPub,
		PrivateKey:     clientPriv,
		HostPublicKey:  sshHostPub,
		HostPrivateKey: hostPriv,
	}, nil
}

// AuthorizedKeyLine is the "public_key" file content placed on the
// auxiliary FAT filesystem.
func (k *KeyPair) AuthorizedKeyLine() []byte {
	return ssh.MarshalAuthorizedKey(k.PublicKey)
}

// Signer is the driver-side signer used to dial the guest.
func (k *KeyPair) Signer() (ssh.Signer, error) {
	signer, err := ssh.NewSignerFromKey(k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sshboot: building signer: %w", err)
	}
	return signer, nil
}

// HostKeyBytes is the "host_key" file content: a PEM-encoded OpenSSH
// private key, the form sshdog's -h flag expects.
func (k *KeyPair) HostKeyBytes() ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(k.HostPrivateKey, "")
	if err != nil {
		return nil, fmt.Errorf("sshboot: marshaling host key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

// HostPublicKeyCallback accepts only the generated host key, matching the
// identity sshdog was told to present.
func (k *KeyPair) HostPublicKeyCallback() ssh.HostKeyCallback {
	marshaled := k.HostPublicKey.Marshal()
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if string(key.Marshal()) != string(marshaled) {
			return fmt.Errorf("sshboot: host key mismatch for %s", hostname)
		}
		return nil
	}
}
