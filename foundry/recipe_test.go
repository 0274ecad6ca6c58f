package foundry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goldboot/goldboot/types"
)

const testRecipe = `
name: arch-minimal
header_encryption: true
elements:
  - name: arch
    arch: amd64
    source:
      url: https://example.com/arch.iso
      checksum: "none"
    preferred_size: 20GB
    memory: 2GB
    cpus: 2
    boot_commands:
      - op: wait
        wait_seconds: 5
      - op: type
        text: root
      - op: enter
    fabricators:
      - type: hostname
        hostname:
          hostname: arch-minimal
`

func TestDecodeYAMLParsesSizesAndElements(t *testing.T) {
	rec, err := DecodeYAML([]byte(testRecipe))
	require.NoError(t, err)
	require.Equal(t, "arch-minimal", rec.Name)
	require.True(t, rec.HeaderEncryption)
	require.Len(t, rec.Elements, 1)

	el := rec.Elements[0]
	require.Equal(t, types.ArchAMD64, el.Arch)
	require.Equal(t, int64(20*1024*1024*1024), el.PreferredSize) //nolint:mnd
	require.Equal(t, int64(2*1024*1024*1024), el.Memory)         //nolint:mnd
	require.Len(t, el.BootCommands, 3)
	require.Len(t, el.Fabricators, 1)
	require.Equal(t, "hostname", el.Fabricators[0].Type)
}

func TestDecodeYAMLRejectsBadSize(t *testing.T) {
	_, err := DecodeYAML([]byte(`
name: bad
elements:
  - name: a
    arch: amd64
    preferred_size: not-a-size
    memory: 1GB
`))
	require.Error(t, err)
}
