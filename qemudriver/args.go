package qemudriver

import (
	"fmt"

	"github.com/goldboot/goldboot/types"
)

// qemuBinary maps an element's target architecture to the QEMU system
// binary that emulates it.
func qemuBinary(arch types.Arch) string {
	switch arch {
	case types.ArchARM64:
		return "qemu-system-aarch64"
	default:
		return "qemu-system-x86_64"
	}
}

// buildCLIArgs converts a vmConfig into qemu-system-* CLI arguments.
func buildCLIArgs(cfg *vmConfig) []string {
	var args []string

	args = append(args, "-m", fmt.Sprintf("%d", cfg.Memory/(1024*1024))) //nolint:mnd
	args = append(args, "-smp", fmt.Sprintf("%d", cfg.CPUs))

	switch cfg.Accelerator {
	case "kvm":
		args = append(args, "-enable-kvm", "-cpu", "host")
	case "hvf":
		args = append(args, "-accel", "hvf", "-cpu", "host")
	default:
		args = append(args, "-accel", "tcg")
	}

	if cfg.Arch == types.ArchARM64 {
		args = append(args, "-machine", "virt")
	} else {
		args = append(args, "-machine", "q35")
	}

	if cfg.FirmwarePath != "" {
		args = append(args, "-bios", cfg.FirmwarePath)
	}

	args = append(args, "-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", cfg.QcowPath))
	if cfg.IsoPath != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,media=cdrom,readonly=on", cfg.IsoPath))
	}
	if cfg.AuxFatPath != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,if=virtio,format=raw,readonly=on", cfg.AuxFatPath))
	}

	args = append(args, "-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:22", cfg.SSHPort))
	args = append(args, "-device", "virtio-net-pci,netdev=net0")

	args = append(args, "-vnc", fmt.Sprintf("127.0.0.1:%d", cfg.VNCPort-5900)) //nolint:mnd

	if cfg.TPMSocket != "" {
		args = append(args, "-chardev", fmt.Sprintf("socket,id=chrtpm,path=%s", cfg.TPMSocket))
		args = append(args, "-tpmdev", "emulator,id=tpm0,chardev=chrtpm")
		args = append(args, "-device", "tpm-tis,tpmdev=tpm0")
	}

	if cfg.Debug {
		args = append(args, "-display", "gtk")
	} else {
		args = append(args, "-display", "none")
	}

	args = append(args, "-serial", "stdio")

	return args
}
