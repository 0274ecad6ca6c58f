// Package firmware extracts the UEFI firmware images QEMU needs to boot
// each (arch, OS) pair goldboot supports. The actual OVMF/EDK2 binaries
// are large, license-encumbered blobs outside source control; this
// package ships placeholder assets and the extraction logic a real build
// would point at vendored or downloaded firmware images.
package firmware

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/goldboot/goldboot/config"
	"github.com/goldboot/goldboot/types"
	"github.com/goldboot/goldboot/utils"
)

//go:embed assets
var assets embed.FS

// assetName maps (arch, OS) to the embedded firmware file name, mirroring
// config.Config.FirmwarePath's naming scheme.
func assetName(arch types.Arch, osName string) string {
	return fmt.Sprintf("assets/OVMF_%s_%s.fd", osName, arch)
}

// Ensure extracts the firmware image for (arch, osName) to
// conf.FirmwarePath if not already present, returning the final path.
func Ensure(conf *config.Config, arch types.Arch, osName string) (string, error) {
	dst := conf.FirmwarePath(string(arch), osName)
	if utils.ValidFile(dst) {
		return dst, nil
	}

	data, err := fs.ReadFile(assets, assetName(arch, osName))
	if err != nil {
		return "", fmt.Errorf("firmware: no bundled image for %s/%s: %w", arch, osName, err)
	}

	if err := utils.EnsureDirs(conf.FirmwareDir()); err != nil {
		return "", fmt.Errorf("firmware: creating firmware dir: %w", err)
	}
	if err := utils.AtomicWriteFile(dst, data, 0o644); err != nil { //nolint:mnd
		return "", fmt.Errorf("firmware: writing %s: %w", dst, err)
	}
	return dst, nil
}
