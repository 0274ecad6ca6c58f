package qemudriver

import (
	"os"
	"runtime"
	"strings"
)

// detectAccelerator picks the best hardware acceleration available on this
// host for the given guest architecture, falling back to software
// emulation (TCG) when none applies — builds still work, just slower.
func detectAccelerator(guestArch string) string {
	if runtime.GOOS == "darwin" {
		return "hvf"
	}
	if runtime.GOOS != "linux" {
		return ""
	}
	if guestArch != runtime.GOARCH {
		// Cross-architecture emulation can never use the host's KVM.
		return ""
	}
	if hostSupportsKVM() {
		return "kvm"
	}
	return ""
}

func hostSupportsKVM() bool {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return false
	}
	flags := string(data)
	if !strings.Contains(flags, "vmx") && !strings.Contains(flags, "svm") {
		return false
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return false
	}
	return true
}
