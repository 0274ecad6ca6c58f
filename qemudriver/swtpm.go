package qemudriver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goldboot/goldboot/utils"
)

// swtpmProcess is the running swtpm child backing one element's emulated
// TPM, attached to QEMU over a UNIX control socket.
type swtpmProcess struct {
	cmd        *exec.Cmd
	SocketPath string
	stateDir   string
}

// startSwtpm launches swtpm in its own state directory and waits for the
// control socket to appear before returning, mirroring the QEMU process
// launch-then-wait-for-socket pattern used for the VM itself.
func startSwtpm(ctx context.Context, scratchDir string, logPath string) (*swtpmProcess, error) {
	stateDir := filepath.Join(scratchDir, "tpm")
	if err := utils.EnsureDirs(stateDir); err != nil {
		return nil, fmt.Errorf("qemudriver: creating swtpm state dir: %w", err)
	}
	socketPath := filepath.Join(stateDir, "swtpm.sock")

	logFile, err := os.Create(logPath) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("qemudriver: creating swtpm log: %w", err)
	}

	cmd := exec.CommandContext(ctx, "swtpm", //nolint:gosec
		"socket",
		"--tpmstate", "dir="+stateDir,
		"--ctrl", "type=unixio,path="+socketPath,
		"--tpm2",
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close() //nolint:errcheck
		return nil, fmt.Errorf("qemudriver: starting swtpm: %w", err)
	}

	waitErr := utils.WaitFor(ctx, 5*time.Second, 50*time.Millisecond, func() (bool, error) { //nolint:mnd
		if _, statErr := os.Stat(socketPath); statErr == nil {
			return true, nil
		}
		if !utils.IsProcessAlive(cmd.Process.Pid) {
			return false, fmt.Errorf("swtpm exited before its control socket appeared")
		}
		return false, nil
	})
	if waitErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("qemudriver: waiting for swtpm socket: %w", waitErr)
	}

	return &swtpmProcess{cmd: cmd, SocketPath: socketPath, stateDir: stateDir}, nil
}

func (s *swtpmProcess) stop(ctx context.Context) error {
	if s == nil || s.cmd.Process == nil {
		return nil
	}
	return utils.TerminateProcess(ctx, s.cmd.Process.Pid, 5*time.Second) //nolint:mnd
}
