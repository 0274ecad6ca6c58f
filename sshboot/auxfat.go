package sshboot

import (
	"fmt"
	"os"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"
)

// auxFatSize is generous for a handful of small files (host key, public
// key, sshdog binary, optional recipe files) while staying well under
// what any -m size the user picks would need to spare.
const auxFatSize = 16 * 1024 * 1024 //nolint:mnd

// AuxFile is one entry placed on the auxiliary FAT filesystem.
type AuxFile struct {
	Name string
	Data []byte
}

// BuildAuxFat writes a FAT32 disk image at path containing the given
// files, flat at the filesystem root. Elements hand this disk to QEMU as
// a second boot drive; sshdog and fabricators read their inputs from it
// rather than depending on network reachability during early boot.
func BuildAuxFat(path string, files []AuxFile) error {
	disk, err := diskfs.Create(path, auxFatSize, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return fmt.Errorf("sshboot: creating aux disk: %w", err)
	}

	fs, err := disk.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: "GOLDBOOT",
	})
	if err != nil {
		return fmt.Errorf("sshboot: creating aux filesystem: %w", err)
	}

	for _, af := range files {
		if err := writeAuxFile(fs, af); err != nil {
			return err
		}
	}
	return nil
}

func writeAuxFile(fs filesystem.FileSystem, af AuxFile) error {
	f, err := fs.OpenFile("/"+af.Name, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("sshboot: creating %s on aux disk: %w", af.Name, err)
	}
	if _, err := f.Write(af.Data); err != nil {
		return fmt.Errorf("sshboot: writing %s on aux disk: %w", af.Name, err)
	}
	return nil
}

// StandardAuxFiles assembles the fixed set of files spec.md's auxiliary
// FAT filesystem always carries, plus sshdog and any recipe-specific
// extras the caller supplies.
func StandardAuxFiles(kp *KeyPair, sshdog []byte, extra []AuxFile) ([]AuxFile, error) {
	hostKey, err := kp.HostKeyBytes()
	if err != nil {
		return nil, err
	}

	files := []AuxFile{
		{Name: "host_key", Data: hostKey},
		{Name: "public_key", Data: kp.AuthorizedKeyLine()},
		{Name: "sshdog", Data: sshdog},
	}
	return append(files, extra...), nil
}
