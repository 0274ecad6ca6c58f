package foundry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goldboot/goldboot/types"
)

func TestValidateRejectsNoElements(t *testing.T) {
	err := validate(&types.Foundry{Name: "empty"})
	require.Error(t, err)
}

func TestValidateRejectsMissingName(t *testing.T) {
	err := validate(&types.Foundry{Elements: []types.Element{{Arch: types.ArchAMD64, PreferredSize: 1024}}})
	require.Error(t, err)
}

func TestValidateRejectsZeroSize(t *testing.T) {
	err := validate(&types.Foundry{Elements: []types.Element{{Name: "a", Arch: types.ArchAMD64}}})
	require.Error(t, err)
}

func TestValidateRejectsUnsupportedArch(t *testing.T) {
	err := validate(&types.Foundry{Elements: []types.Element{{Name: "a", Arch: "riscv64", PreferredSize: 1024}}})
	require.Error(t, err)
}

func TestValidateAcceptsWellFormedFoundry(t *testing.T) {
	err := validate(&types.Foundry{Elements: []types.Element{
		{Name: "a", Arch: types.ArchAMD64, PreferredSize: 1024},
	}})
	require.NoError(t, err)
}

func TestCreateBlankQcowTruncatesOddSize(t *testing.T) {
	// createBlankQcow shells out to qemu-img, which this unit test
	// environment may not have; exercise only evenSize, the even-byte
	// truncation it applies before invoking the tool.
	size := evenSize(4097)              //nolint:mnd
	require.Equal(t, int64(4096), size) //nolint:mnd
}
