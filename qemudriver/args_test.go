package qemudriver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goldboot/goldboot/types"
)

func TestBuildCLIArgsIncludesCoreFlags(t *testing.T) {
	cfg := buildVMConfig(&types.Element{
		CPUs: 2, Memory: 2048 * 1024 * 1024, Arch: types.ArchAMD64, //nolint:mnd
	}, runPaths{
		qcowPath: "/scratch/disk.qcow2",
		vncPort:  5901,
		sshPort:  10022,
	}, "")

	args := buildCLIArgs(cfg)
	joined := strings.Join(args, " ")

	require.Contains(t, joined, "-smp 2")
	require.Contains(t, joined, "-m 2048")
	require.Contains(t, joined, "file=/scratch/disk.qcow2")
	require.Contains(t, joined, "hostfwd=tcp::10022-:22")
	require.Contains(t, joined, "-vnc 127.0.0.1:1")
	require.Contains(t, joined, "-accel tcg")
	require.NotContains(t, joined, "tpmdev")
}

func TestBuildCLIArgsKVMAccel(t *testing.T) {
	cfg := buildVMConfig(&types.Element{CPUs: 1, Memory: 512 * 1024 * 1024, Arch: types.ArchAMD64}, runPaths{ //nolint:mnd
		qcowPath: "/scratch/disk.qcow2", vncPort: 5900, sshPort: 10000,
	}, "kvm")

	args := buildCLIArgs(cfg)
	joined := strings.Join(args, " ")
	require.Contains(t, joined, "-enable-kvm")
}

func TestBuildCLIArgsIncludesTPM(t *testing.T) {
	cfg := buildVMConfig(&types.Element{CPUs: 1, Memory: 512 * 1024 * 1024, Arch: types.ArchAMD64}, runPaths{ //nolint:mnd
		qcowPath: "/scratch/disk.qcow2", vncPort: 5900, sshPort: 10000, tpmSocket: "/scratch/tpm/swtpm.sock",
	}, "")

	args := buildCLIArgs(cfg)
	joined := strings.Join(args, " ")
	require.Contains(t, joined, "tpmdev=tpm0")
	require.Contains(t, joined, "/scratch/tpm/swtpm.sock")
}

func TestQemuBinarySelectsArch(t *testing.T) {
	require.Equal(t, "qemu-system-x86_64", qemuBinary(types.ArchAMD64))
	require.Equal(t, "qemu-system-aarch64", qemuBinary(types.ArchARM64))
}
