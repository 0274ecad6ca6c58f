// Package imagelibrary is the content-addressed store of finished GBF
// images under RootDir/images/<sha256>.gb, indexed by name so `goldboot
// build` output is discoverable by the Foundry name that produced it.
package imagelibrary

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goldboot/goldboot/config"
	"github.com/goldboot/goldboot/gc"
	"github.com/goldboot/goldboot/lock"
	"github.com/goldboot/goldboot/lock/flock"
	"github.com/goldboot/goldboot/storage"
	storagejson "github.com/goldboot/goldboot/storage/json"
	"github.com/goldboot/goldboot/utils"
)

// index is the on-disk JSON structure listing built images by name.
type index struct {
	Images map[string]Entry `json:"images"`
}

func (i *index) Init() {
	if i.Images == nil {
		i.Images = make(map[string]Entry)
	}
}

// Entry is one named image's metadata.
type Entry struct {
	Name      string    `json:"name"`
	Digest    Digest    `json:"digest"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Library is the image library: a JSON index plus content-addressed
// blobs on disk, both guarded by the same flock.
type Library struct {
	conf   *config.Config
	store  storage.Store[index]
	locker lock.Locker
}

// New creates a Library rooted at conf.RootDir.
func New(conf *config.Config) *Library {
	locker := flock.New(conf.ImageLibraryLock())
	return &Library{
		conf:   conf,
		store:  storagejson.New[index](conf.ImageLibraryIndex(), locker),
		locker: locker,
	}
}

// Put registers a built image already placed at conf.ImagePath(digest.Hex())
// under name, overwriting any prior entry of the same name (the old blob
// becomes GC-eligible once unreferenced).
func (l *Library) Put(ctx context.Context, name string, digest Digest, size int64) error {
	return l.store.Update(ctx, func(idx *index) error {
		idx.Images[name] = Entry{Name: name, Digest: digest, Size: size, CreatedAt: time.Now()}
		return nil
	})
}

// Get returns the entry registered under name.
func (l *Library) Get(ctx context.Context, name string) (Entry, error) {
	var entry Entry
	var found bool
	if err := l.store.With(ctx, func(idx *index) error {
		entry, found = idx.Images[name]
		return nil
	}); err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, fmt.Errorf("imagelibrary: no image named %q", name)
	}
	return entry, nil
}

// List returns every registered entry.
func (l *Library) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := l.store.With(ctx, func(idx *index) error {
		for _, e := range idx.Images {
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Delete removes names from the index. The underlying blobs are reclaimed
// by the next GC cycle once no name references them.
func (l *Library) Delete(ctx context.Context, names []string) error {
	return l.store.Update(ctx, func(idx *index) error {
		for _, name := range names {
			delete(idx.Images, name)
		}
		return nil
	})
}

// RegisterGC wires the library into an orchestrator: any blob in
// ImageLibraryDir not referenced by the index is removed.
func (l *Library) RegisterGC(o *gc.Orchestrator) {
	gc.Register(o, gc.Module[index]{
		Name:   "imagelibrary",
		Locker: l.locker,
		ReadDB: func(ctx context.Context) (index, error) {
			var idx index
			err := l.store.With(ctx, func(d *index) error {
				idx = *d
				return nil
			})
			return idx, err
		},
		Resolve: func(snap index, _ map[string]any) []string {
			referenced := make(map[string]struct{}, len(snap.Images))
			for _, e := range snap.Images {
				referenced[e.Digest.Hex()] = struct{}{}
			}
			return utils.FilterUnreferenced(utils.ScanFileStems(l.conf.ImageLibraryDir(), ".gb"), referenced)
		},
		Collect: func(ctx context.Context, ids []string) error {
			var errs []error
			for _, hex := range ids {
				if err := os.Remove(l.conf.ImagePath(hex)); err != nil && !os.IsNotExist(err) {
					errs = append(errs, fmt.Errorf("remove %s: %w", hex, err))
				}
			}
			return errors.Join(errs...)
		},
	})
}
