package qemudriver

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectAcceleratorCrossArchIsSoftwareOnly(t *testing.T) {
	otherArch := "arm64"
	if runtime.GOARCH == "arm64" {
		otherArch = "amd64"
	}
	require.Equal(t, "", detectAccelerator(otherArch))
}
