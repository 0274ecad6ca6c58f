package firmware

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goldboot/goldboot/config"
	"github.com/goldboot/goldboot/types"
)

func TestEnsureExtractsBundledFirmware(t *testing.T) {
	conf := &config.Config{RootDir: t.TempDir()}

	path, err := Ensure(conf, types.ArchAMD64, "linux")
	require.NoError(t, err)

	path2, err := Ensure(conf, types.ArchAMD64, "linux")
	require.NoError(t, err)
	require.Equal(t, path, path2)
}

func TestEnsureErrorsForUnknownPair(t *testing.T) {
	conf := &config.Config{RootDir: t.TempDir()}
	_, err := Ensure(conf, types.ArchAMD64, "plan9")
	require.Error(t, err)
}
