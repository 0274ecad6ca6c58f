package qemudriver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/goldboot/goldboot/progress"
	"github.com/goldboot/goldboot/progress/build"
	"github.com/goldboot/goldboot/sshboot"
	"github.com/goldboot/goldboot/types"
	"github.com/goldboot/goldboot/utils"
	"github.com/goldboot/goldboot/vnc"
)

const (
	qemuLaunchTimeout = 10 * time.Second
	vncDialTimeout    = 10 * time.Second
	terminateGrace    = 5 * time.Second
)

// Fabricate runs one fabricator over an established sshboot.Client. The
// qemudriver package only depends on this as a function value so it has
// no import-cycle on the fabricator package, which itself drives
// sshboot.Client and needs no knowledge of QEMU.
type Fabricate func(ctx context.Context, client *sshboot.Client, spec types.FabricatorSpec) error

// Worker drives one element's QCOW2 through the full build state machine:
// QEMU launch, VNC boot automation, SSH provisioning, shutdown, cleanup.
type Worker struct {
	Element *types.Element

	ScratchDir   string
	QcowPath     string
	IsoPath      string
	FirmwarePath string
	SshdogBinary []byte

	LogDir string

	Fabricate Fabricate
	Progress  progress.Tracker

	state                 types.WorkerState
	cmd                   *exec.Cmd
	sshPort               int
	vncPort               int
	tpm                   *swtpmProcess
	keyPair               *sshboot.KeyPair
	sshClientForShutdown  *sshboot.Client
}

func (w *Worker) emit(phase build.Phase, msg string) {
	if w.Progress == nil {
		return
	}
	w.Progress.OnEvent(build.Event{ElementName: w.Element.Name, Phase: phase, Message: msg})
}

func (w *Worker) setState(s types.WorkerState) {
	w.state = s
	log.WithFunc("qemudriver.Worker").Debugf(context.Background(), "%s: state -> %s", w.Element.Name, s)
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() types.WorkerState { return w.state }

// Run drives the whole state machine to completion, returning only after
// the guest has been shut down (on success) or a fatal error forced an
// early cleanup.
func (w *Worker) Run(ctx context.Context) error { //nolint:cyclop
	w.setState(types.WorkerCreated)

	if err := w.launchQemu(ctx); err != nil {
		w.fatal(ctx)
		return fmt.Errorf("qemudriver: launching QEMU for %s: %w", w.Element.Name, err)
	}
	w.setState(types.WorkerQemuSpawned)

	if len(w.Element.BootCommands) > 0 {
		if err := w.runBootCommands(ctx); err != nil {
			w.fatal(ctx)
			return fmt.Errorf("qemudriver: VNC automation for %s: %w", w.Element.Name, err)
		}
	}
	w.setState(types.WorkerVncConnected)

	if len(w.Element.Fabricators) > 0 {
		if err := w.provision(ctx); err != nil {
			w.fatal(ctx)
			return fmt.Errorf("qemudriver: SSH provisioning for %s: %w", w.Element.Name, err)
		}
	}
	w.setState(types.WorkerProvisioned)

	if err := w.shutdown(ctx); err != nil {
		w.fatal(ctx)
		return fmt.Errorf("qemudriver: shutting down %s: %w", w.Element.Name, err)
	}
	w.setState(types.WorkerShutdown)

	w.setState(types.WorkerDone)
	w.emit(build.PhaseDone, "")
	return nil
}

func (w *Worker) launchQemu(ctx context.Context) error {
	w.emit(build.PhaseQemuLaunch, "")

	sshPort, err := allocateSSHPort()
	if err != nil {
		return err
	}
	vncPort, err := allocateVNCPort()
	if err != nil {
		return err
	}
	w.sshPort, w.vncPort = sshPort, vncPort

	var auxFatPath string
	if len(w.Element.Fabricators) > 0 || len(w.Element.AuxFiles) > 0 {
		kp, err := sshboot.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generating SSH key pair: %w", err)
		}
		w.keyPair = kp

		var extra []sshboot.AuxFile
		for name, data := range w.Element.AuxFiles {
			extra = append(extra, sshboot.AuxFile{Name: name, Data: data})
		}
		files, err := sshboot.StandardAuxFiles(kp, w.SshdogBinary, extra)
		if err != nil {
			return fmt.Errorf("assembling aux files: %w", err)
		}
		auxFatPath = filepath.Join(w.ScratchDir, "aux.img")
		if err := sshboot.BuildAuxFat(auxFatPath, files); err != nil {
			return fmt.Errorf("building aux FAT image: %w", err)
		}
	}

	var tpmSocket string
	if w.Element.TPM {
		tpm, err := startSwtpm(ctx, w.ScratchDir, filepath.Join(w.LogDir, "swtpm.log"))
		if err != nil {
			return fmt.Errorf("starting swtpm: %w", err)
		}
		w.tpm = tpm
		tpmSocket = tpm.SocketPath
	}

	accel := detectAccelerator(string(w.Element.Arch))
	cfg := buildVMConfig(w.Element, runPaths{
		qcowPath:     w.QcowPath,
		isoPath:      w.IsoPath,
		auxFatPath:   auxFatPath,
		firmwarePath: w.FirmwarePath,
		vncPort:      vncPort,
		sshPort:      sshPort,
		tpmSocket:    tpmSocket,
	}, accel)

	args := buildCLIArgs(cfg)

	logFile, err := os.Create(filepath.Join(w.LogDir, "qemu.log")) //nolint:gosec
	if err != nil {
		return fmt.Errorf("creating QEMU log: %w", err)
	}

	cmd := exec.CommandContext(ctx, qemuBinary(w.Element.Arch), args...) //nolint:gosec
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", qemuBinary(w.Element.Arch), err)
	}
	w.cmd = cmd

	return utils.WaitFor(ctx, qemuLaunchTimeout, 100*time.Millisecond, func() (bool, error) { //nolint:mnd
		if !utils.IsProcessAlive(cmd.Process.Pid) {
			return false, fmt.Errorf("QEMU exited immediately after launch")
		}
		return true, nil
	})
}

func (w *Worker) runBootCommands(ctx context.Context) error {
	w.emit(build.PhaseVncAutomation, "")
	w.setState(types.WorkerBootCommandsRunning)

	client, err := vnc.Dial(fmt.Sprintf("127.0.0.1:%d", w.vncPort), "", vncDialTimeout)
	if err != nil {
		return fmt.Errorf("dialing VNC: %w", err)
	}
	defer client.Close() //nolint:errcheck

	for _, cmd := range w.Element.BootCommands {
		if err := client.RunBootCommand(ctx, cmd); err != nil {
			return fmt.Errorf("boot command %q: %w", cmd.Op, err)
		}
	}
	return nil
}

func (w *Worker) provision(ctx context.Context) error {
	signer, err := w.keyPair.Signer()
	if err != nil {
		return err
	}

	client, err := sshboot.Dial(ctx, sshboot.DefaultDialOptions(
		fmt.Sprintf("127.0.0.1:%d", w.sshPort), "root", signer, w.keyPair.HostPublicKeyCallback(),
	))
	if err != nil {
		return fmt.Errorf("dialing SSH: %w", err)
	}
	defer client.Close() //nolint:errcheck
	w.setState(types.WorkerSshReady)

	for _, spec := range w.Element.Fabricators {
		w.emit(build.PhaseSshProvision, spec.Type)
		if err := w.Fabricate(ctx, client, spec); err != nil {
			return fmt.Errorf("fabricator %q: %w", spec.Type, err)
		}
	}

	w.sshClientForShutdown = client
	return nil
}

func (w *Worker) shutdown(ctx context.Context) error {
	if w.sshClientForShutdown != nil {
		if err := w.sshClientForShutdown.Shutdown(ctx); err != nil {
			log.WithFunc("qemudriver.Worker").Warnf(ctx, "%s: graceful shutdown request failed: %v", w.Element.Name, err)
		}
		w.sshClientForShutdown.Close() //nolint:errcheck
	}

	if w.cmd == nil || w.cmd.Process == nil {
		return nil
	}
	if err := utils.TerminateProcess(ctx, w.cmd.Process.Pid, terminateGrace); err != nil {
		return err
	}
	return w.tpm.stop(ctx)
}

// fatal terminates the QEMU/swtpm processes and marks the worker Fatal.
// Called on any unrecoverable error in Run; the caller is still
// responsible for removing w.ScratchDir.
func (w *Worker) fatal(ctx context.Context) {
	w.setState(types.WorkerFatal)
	if w.cmd != nil && w.cmd.Process != nil {
		_ = utils.TerminateProcess(ctx, w.cmd.Process.Pid, terminateGrace)
	}
	_ = w.tpm.stop(ctx)
}

// Cleanup removes the worker's scratch directory. Call after Run returns,
// regardless of success or failure.
func (w *Worker) Cleanup() error {
	if err := os.RemoveAll(w.ScratchDir); err != nil {
		return fmt.Errorf("qemudriver: removing scratch dir %s: %w", w.ScratchDir, err)
	}
	w.setState(types.WorkerCleaned)
	return nil
}
