// Package core provides shared config/dependency wiring for goldboot's
// command handlers, mirroring the teacher's BaseHandler/Init split.
package core

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/goldboot/goldboot/config"
	"github.com/goldboot/goldboot/imagelibrary"
	"github.com/goldboot/goldboot/lock/flock"
	"github.com/goldboot/goldboot/sourcecache"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns the command's context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitCache builds the source cache rooted at conf.CacheDir.
func InitCache(conf *config.Config) *sourcecache.Cache {
	locker := flock.New(conf.SourceCacheLock())
	return sourcecache.New(conf.CacheDir, conf.SourceCacheIndex(), locker)
}

// InitLibrary builds the image library rooted at conf.RootDir.
func InitLibrary(conf *config.Config) *imagelibrary.Library {
	return imagelibrary.New(conf)
}

// FormatSize renders a byte count for `goldboot build`'s summary line,
// matching the teacher's cmdcore helper.
func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}
