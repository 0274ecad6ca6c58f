package foundry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/goldboot/goldboot/config"
	"github.com/goldboot/goldboot/gc"
	"github.com/goldboot/goldboot/lock/flock"
	"github.com/goldboot/goldboot/utils"
)

// scratchSnapshot lists the buildID subdirectories currently under
// conf.RunDir. Build removes its own buildID directory when it returns;
// this module reclaims the ones left behind by a build that crashed or
// was killed first.
type scratchSnapshot struct {
	buildDirs []string
}

// RegisterGC wires RunDir scratch cleanup into an orchestrator: any
// buildID directory older than utils.StaleTempAge is removed, on the
// assumption that no build runs longer than that.
func RegisterGC(o *gc.Orchestrator, conf *config.Config) {
	locker := flock.New(conf.RunDirLock())
	gc.Register(o, gc.Module[scratchSnapshot]{
		Name:   "foundry-scratch",
		Locker: locker,
		ReadDB: func(_ context.Context) (scratchSnapshot, error) {
			return scratchSnapshot{buildDirs: utils.ScanSubdirs(conf.RunDir)}, nil
		},
		Resolve: func(snap scratchSnapshot, _ map[string]any) []string {
			cutoff := time.Now().Add(-utils.StaleTempAge)
			var stale []string
			for _, name := range snap.buildDirs {
				info, err := os.Stat(filepath.Join(conf.RunDir, name))
				if err != nil || info.ModTime().After(cutoff) {
					continue
				}
				stale = append(stale, name)
			}
			return stale
		},
		Collect: func(ctx context.Context, ids []string) error {
			stale := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				stale[id] = struct{}{}
			}
			errs := utils.RemoveMatching(ctx, conf.RunDir, func(e os.DirEntry) bool {
				_, ok := stale[e.Name()]
				return ok
			})
			return errors.Join(errs...)
		},
	})
}
