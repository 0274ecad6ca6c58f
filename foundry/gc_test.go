package foundry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goldboot/goldboot/config"
	"github.com/goldboot/goldboot/gc"
)

func TestRegisterGCRemovesStaleScratchDirs(t *testing.T) {
	dir := t.TempDir()
	conf := &config.Config{RunDir: dir}
	ctx := context.Background()

	stalePath := filepath.Join(dir, "stale-build")
	freshPath := filepath.Join(dir, "fresh-build")
	require.NoError(t, os.MkdirAll(stalePath, 0o755))
	require.NoError(t, os.MkdirAll(freshPath, 0o755))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stalePath, old, old))

	orch := gc.New()
	RegisterGC(orch, conf)
	require.NoError(t, orch.Run(ctx))

	_, err := os.Stat(stalePath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshPath)
	require.NoError(t, err)
}
