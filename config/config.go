// Package config holds global goldboot configuration and the derived
// on-disk layout (image library, source cache, per-build scratch space).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	coretypes "github.com/projecteru2/core/types"

	"github.com/goldboot/goldboot/utils"
)

// Config holds global goldboot configuration.
type Config struct {
	// RootDir holds persistent data: the image library and unpacked firmware.
	RootDir string `json:"root_dir"`
	// CacheDir holds the content-addressed source cache (§4.D).
	CacheDir string `json:"cache_dir"`
	// RunDir holds per-build scratch directories (worker temp dirs, sockets).
	RunDir string `json:"run_dir"`
	// LogDir holds per-worker QEMU/swtpm process logs.
	LogDir string `json:"log_dir"`

	// PoolSize bounds concurrent element workers. Defaults to
	// runtime.NumCPU() if zero; the orchestrator additionally forces
	// sequential execution when Debug is set or there is a single element.
	PoolSize int `json:"pool_size"`

	// DefaultRootPassword is loaded from the config file only; no fabricator
	// reads it (RootPasswordFabricator takes its hash from the recipe).
	DefaultRootPassword string `json:"default_root_password,omitempty"`

	// Log configuration, reusing eru core's lumberjack-backed ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log"`
}

// DefaultConfig returns a Config with sensible, platform-appropriate defaults.
func DefaultConfig() *Config {
	root, cache := defaultDirs()
	return &Config{
		RootDir:  root,
		CacheDir: cache,
		RunDir:   filepath.Join(os.TempDir(), "goldboot", "run"),
		LogDir:   filepath.Join(root, "log"),
		PoolSize: runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500, //nolint:mnd
			MaxAge:     28,  //nolint:mnd
			MaxBackups: 3,   //nolint:mnd
		},
	}
}

// defaultDirs returns (RootDir, CacheDir) per spec §6: /var/lib/goldboot and
// $HOME/.cache/goldboot/sources on Linux/macOS, the AppData equivalent on
// Windows.
func defaultDirs() (rootDir, cacheDir string) {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Local")
		}
		return filepath.Join(base, "goldboot"), filepath.Join(base, "goldboot", "cache")
	default:
		return filepath.Join("/var", "lib", "goldboot"), filepath.Join(home, ".cache", "goldboot", "sources")
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
// A missing path is not an error; a corrupt one is.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU()
	}
	return cfg, nil
}

// EnsureDirs creates every static directory goldboot needs up front.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(
		c.ImageLibraryDir(),
		c.CacheDir,
		c.RunDir,
		c.LogDir,
		c.FirmwareDir(),
	)
}

// Derived path helpers, one small getter per path, in the teacher's style.

func (c *Config) ImageLibraryDir() string  { return filepath.Join(c.RootDir, "images") }
func (c *Config) ImageLibraryIndex() string { return filepath.Join(c.RootDir, "images.json") }
func (c *Config) ImageLibraryLock() string  { return filepath.Join(c.RootDir, "images.lock") }
func (c *Config) ImagePath(sha256Hex string) string {
	return filepath.Join(c.ImageLibraryDir(), sha256Hex+".gb")
}

func (c *Config) SourceCacheIndex() string { return filepath.Join(c.CacheDir, "sources.json") }
func (c *Config) SourceCacheLock() string  { return filepath.Join(c.CacheDir, "sources.lock") }
func (c *Config) SourceCachePath(sha1Hex string) string {
	return filepath.Join(c.CacheDir, sha1Hex)
}

// RunDirLock guards GC sweeps of RunDir; builds themselves don't take it,
// since each build writes only its own buildID subdirectory.
func (c *Config) RunDirLock() string { return filepath.Join(c.RunDir, ".gc.lock") }

func (c *Config) FirmwareDir() string { return filepath.Join(c.RootDir, "firmware") }
func (c *Config) FirmwarePath(arch, os string) string {
	return filepath.Join(c.FirmwareDir(), fmt.Sprintf("OVMF_%s_%s.fd", os, arch))
}

// ElementScratchDir is the per-worker temp directory: auxiliary FAT image,
// swtpm state and socket. The element's QCOW2 lives one level up, in the
// buildID directory, so it outlives Worker.Cleanup.
func (c *Config) ElementScratchDir(buildID, elementName string) string {
	return filepath.Join(c.RunDir, buildID, elementName)
}

func (c *Config) ElementLogDir(buildID, elementName string) string {
	return filepath.Join(c.LogDir, buildID, elementName)
}

func (c *Config) ElementQemuLog(buildID, elementName string) string {
	return filepath.Join(c.ElementLogDir(buildID, elementName), "qemu.log")
}

func (c *Config) ElementSwtpmLog(buildID, elementName string) string {
	return filepath.Join(c.ElementLogDir(buildID, elementName), "swtpm.log")
}
