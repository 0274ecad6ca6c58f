package gc

import (
	"context"

	"github.com/goldboot/goldboot/lock"
)

// Module describes one garbage-collectable store registered with an
// Orchestrator. S is the concrete snapshot type produced by ReadDB; the
// Orchestrator only ever sees it boxed as `any` so that modules of
// different shapes (image library, foundry scratch dirs) can share one GC
// cycle.
type Module[S any] struct {
	Name string

	// Locker coordinates with concurrent operations (e.g. an in-flight
	// download or encode). TryLock returning false means "busy, skip this
	// module this cycle" rather than an error.
	Locker lock.Locker

	// ReadDB reads the module's current index state. Called under lock.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve analyses this module's own snapshot plus every other
	// registered module's snapshot (by Name, boxed as any) and returns the
	// IDs this module should delete. Called with no locks held.
	Resolve func(snap S, others map[string]any) []string

	// Collect removes the given IDs. Called under lock, even when ids is
	// empty, so a module can use it for housekeeping (e.g. stale temp
	// file cleanup) on every GC cycle.
	Collect func(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string       { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	return m.Resolve(snap.(S), others) //nolint:forcetypeassert // set by readSnapshot of the same Module
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}
