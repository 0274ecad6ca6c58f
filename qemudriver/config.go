// Package qemudriver spawns and supervises QEMU processes for element
// builds: argv construction, accelerator detection, port allocation,
// optional swtpm, and the Worker state machine that drives one element
// from process launch through VNC automation to SSH provisioning.
package qemudriver

import "github.com/goldboot/goldboot/types"

// vmConfig is the typed form of one QEMU invocation, built from a
// types.Element plus the ports/paths the driver allocated for this run.
type vmConfig struct {
	CPUs   int
	Memory int64 // bytes

	Arch types.Arch

	QcowPath    string
	IsoPath     string // installation medium, empty if the element needs none
	AuxFatPath  string
	FirmwarePath string // OVMF code image, empty for BIOS boot

	VNCPort  int
	SSHPort  int
	Debug    bool

	Accelerator string // "kvm", "hvf", or "" for TCG software emulation

	TPMSocket string // swtpm UNIX socket path, empty if TPM disabled
}

func buildVMConfig(el *types.Element, rec runPaths, accel string) *vmConfig {
	return &vmConfig{
		CPUs:         el.CPUs,
		Memory:       el.Memory,
		Arch:         el.Arch,
		QcowPath:     rec.qcowPath,
		IsoPath:      rec.isoPath,
		AuxFatPath:   rec.auxFatPath,
		FirmwarePath: rec.firmwarePath,
		VNCPort:      rec.vncPort,
		SSHPort:      rec.sshPort,
		Debug:        rec.debug,
		Accelerator:  accel,
		TPMSocket:    rec.tpmSocket,
	}
}

// runPaths collects the allocated resources a Worker needs to build a
// vmConfig, kept separate from types.Element so the element's own fields
// stay recipe-only.
type runPaths struct {
	qcowPath     string
	isoPath      string
	auxFatPath   string
	firmwarePath string
	vncPort      int
	sshPort      int
	tpmSocket    string
	debug        bool
}
