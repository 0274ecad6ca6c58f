package qemudriver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateSSHPortInRange(t *testing.T) {
	port, err := allocateSSHPort()
	require.NoError(t, err)
	require.GreaterOrEqual(t, port, sshPortMin)
	require.Less(t, port, sshPortMax)
}

func TestAllocateVNCPortInRange(t *testing.T) {
	port, err := allocateVNCPort()
	require.NoError(t, err)
	require.GreaterOrEqual(t, port, vncPortMin)
	require.Less(t, port, vncPortMax)
}

func TestAllocatePortsAreDistinctAcrossCalls(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := allocatePort(20000, 21000) //nolint:mnd
		require.NoError(t, err)
		seen[port] = true
	}
	// Not a strict uniqueness guarantee (random draws can collide), but
	// with a 1000-wide range and 5 draws collisions are exceedingly
	// unlikely; this mainly catches a broken always-same-port bug.
	require.Greater(t, len(seen), 1)
}
