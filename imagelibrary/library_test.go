package imagelibrary

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goldboot/goldboot/config"
	"github.com/goldboot/goldboot/gc"
)

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	dir := t.TempDir()
	conf := &config.Config{RootDir: dir}
	require.NoError(t, os.MkdirAll(conf.ImageLibraryDir(), 0o755))
	return New(conf)
}

func TestPutAndGet(t *testing.T) {
	lib := newTestLibrary(t)
	ctx := context.Background()

	require.NoError(t, lib.Put(ctx, "arch-minimal", NewDigest("abc123"), 1024))

	entry, err := lib.Get(ctx, "arch-minimal")
	require.NoError(t, err)
	require.Equal(t, Digest("sha256:abc123"), entry.Digest)
	require.Equal(t, int64(1024), entry.Size)
}

func TestGetMissingReturnsError(t *testing.T) {
	lib := newTestLibrary(t)
	_, err := lib.Get(context.Background(), "nope")
	require.Error(t, err)
}

func TestListReturnsAllEntries(t *testing.T) {
	lib := newTestLibrary(t)
	ctx := context.Background()
	require.NoError(t, lib.Put(ctx, "a", NewDigest("1"), 1))
	require.NoError(t, lib.Put(ctx, "b", NewDigest("2"), 2))

	entries, err := lib.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	lib := newTestLibrary(t)
	ctx := context.Background()
	require.NoError(t, lib.Put(ctx, "a", NewDigest("1"), 1))

	require.NoError(t, lib.Delete(ctx, []string{"a"}))
	_, err := lib.Get(ctx, "a")
	require.Error(t, err)
}

func TestRegisterGCRemovesUnreferencedBlobs(t *testing.T) {
	dir := t.TempDir()
	conf := &config.Config{RootDir: dir}
	require.NoError(t, os.MkdirAll(conf.ImageLibraryDir(), 0o755))
	lib := New(conf)
	ctx := context.Background()

	require.NoError(t, lib.Put(ctx, "kept", NewDigest("referenced"), 1))
	require.NoError(t, os.WriteFile(conf.ImagePath("referenced"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(conf.ImagePath("orphaned"), []byte("y"), 0o644))

	orch := gc.New()
	lib.RegisterGC(orch)
	require.NoError(t, orch.Run(ctx))

	_, err := os.Stat(conf.ImagePath("referenced"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(conf.ImageLibraryDir(), "orphaned.gb"))
	require.True(t, os.IsNotExist(err))
}
