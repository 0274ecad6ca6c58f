package qemudriver

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
)

const (
	sshPortMin = 10000
	sshPortMax = 11000
	vncPortMin = 5900
	vncPortMax = 6000
)

// allocatePort picks a random port in [lo, hi) and verifies it's free by
// binding and immediately releasing it. Retried on bind failure since
// another worker may have grabbed the same port between the random draw
// and the bind attempt.
func allocatePort(lo, hi int) (int, error) {
	const maxAttempts = 50
	for attempt := 0; attempt < maxAttempts; attempt++ {
		port, err := randomInRange(lo, hi)
		if err != nil {
			return 0, err
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close() //nolint:errcheck
		return port, nil
	}
	return 0, fmt.Errorf("qemudriver: could not find a free port in [%d,%d) after %d attempts", lo, hi, maxAttempts)
}

func randomInRange(lo, hi int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo)))
	if err != nil {
		return 0, fmt.Errorf("qemudriver: generating random port: %w", err)
	}
	return lo + int(n.Int64()), nil
}

// allocateSSHPort and allocateVNCPort draw from the disjoint ranges
// spec.md reserves for each forwarded service.
func allocateSSHPort() (int, error) { return allocatePort(sshPortMin, sshPortMax) }
func allocateVNCPort() (int, error) { return allocatePort(vncPortMin, vncPortMax) }
