// Package json provides a lock-protected, atomically-written JSON file store.
package json

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/goldboot/goldboot/lock"
	"github.com/goldboot/goldboot/storage"
	"github.com/goldboot/goldboot/utils"
)

// Store provides locker-protected read/modify/write access to a JSON file.
// T is the top-level structure stored in the file (must have exported fields with json tags).
// If *T implements storage.Initer, Init() is called automatically after loading.
type Store[T any] struct {
	locker   lock.Locker
	filePath string
}

// New creates a Store for the given data file path, guarded by locker.
// The caller owns locker and may share it with other collaborators (e.g.
// a gc.Module) that need to coordinate with this store under the same lock.
func New[T any](filePath string, locker lock.Locker) *Store[T] {
	return &Store[T]{locker: locker, filePath: filePath}
}

// With loads the JSON file under lock and passes the deserialized data to fn.
// If the file does not exist, fn receives a zero-value T.
// If *T implements storage.Initer, Init() is called before fn (handles nil maps, etc.).
// The lock is held for the duration of fn.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	if err := s.locker.Lock(ctx); err != nil {
		return fmt.Errorf("lock %s: %w", s.filePath, err)
	}
	defer s.locker.Unlock(ctx) //nolint:errcheck

	var data T
	raw, err := os.ReadFile(s.filePath) //nolint:gosec // internal metadata
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parse %s: %w", s.filePath, err)
		}
	case os.IsNotExist(err):
		// zero-value data is fine, fall through to Init + fn
	default:
		return fmt.Errorf("read %s: %w", s.filePath, err)
	}
	initData(&data)
	return fn(&data)
}

// Update performs a read-modify-write on the JSON file under lock.
// If fn returns nil the data is atomically written back.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return s.With(ctx, func(data *T) error {
		if err := fn(data); err != nil {
			return err
		}
		return utils.AtomicWriteJSON(s.filePath, data)
	})
}

func initData[T any](data *T) {
	if initer, ok := any(data).(storage.Initer); ok {
		initer.Init()
	}
}
