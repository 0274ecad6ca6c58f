package sshboot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/stretchr/testify/require"
)

func TestBuildAuxFatContainsStandardFiles(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	files, err := StandardAuxFiles(kp, []byte("fake-sshdog-binary"), []AuxFile{
		{Name: "recipe.sh", Data: []byte("#!/bin/sh\necho hi\n")},
	})
	require.NoError(t, err)
	require.Len(t, files, 4)

	path := filepath.Join(t.TempDir(), "aux.img")
	require.NoError(t, BuildAuxFat(path, files))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(auxFatSize), info.Size())

	disk, err := diskfs.Open(path)
	require.NoError(t, err)
	fs, err := disk.GetFilesystem(0)
	require.NoError(t, err)

	for _, want := range []string{"host_key", "public_key", "sshdog", "recipe.sh"} {
		f, err := fs.OpenFile("/"+want, os.O_RDONLY)
		require.NoError(t, err, "missing %s on aux disk", want)
		_ = f
	}
	_ = filesystem.TypeFat32
}
