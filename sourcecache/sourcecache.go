// Package sourcecache is the content-addressed cache of element install
// media: ISOs, cloud images, any URL a types.Source names. Entries are
// keyed by SHA-1 of the source URL (not its content, which is unknown
// until downloaded) so repeated builds against the same URL reuse one
// cached file without re-resolving a checksum first.
package sourcecache

import (
	"context"
	"crypto/sha1" //nolint:gosec // content-addressing key, not a security boundary
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goldboot/goldboot/lock"
	"github.com/goldboot/goldboot/progress"
	"github.com/goldboot/goldboot/progress/build"
	storagejson "github.com/goldboot/goldboot/storage/json"
	"github.com/goldboot/goldboot/types"
	"github.com/goldboot/goldboot/utils"
)

const (
	downloadTimeout  = 30 * time.Minute
	progressInterval = 1 << 20 // report every 1 MiB
)

// index is the on-disk JSON structure tracking cached sources.
type index struct {
	Entries map[string]entry `json:"entries"`
}

func (i *index) Init() {
	if i.Entries == nil {
		i.Entries = make(map[string]entry)
	}
}

type entry struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"` // hex sha1(URL), also the cache file's stem
	Size      int64     `json:"size"`
	CachedAt  time.Time `json:"cached_at"`
}

// Cache resolves types.Source values to a local file path, downloading and
// verifying as needed.
type Cache struct {
	dir   string
	store *storagejson.Store[index]
}

// New builds a Cache rooted at dir, with its index guarded by locker.
func New(dir, indexPath string, locker lock.Locker) *Cache {
	return &Cache{dir: dir, store: storagejson.New[index](indexPath, locker)}
}

func cacheKey(url string) string {
	sum := sha1.Sum([]byte(url)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key)
}

// Resolve returns a local path for src, downloading and verifying against
// src.Checksum if not already cached. "file://" URLs (and bare absolute
// paths) shortcut straight to the local file, skipping the cache
// directory entirely.
func (c *Cache) Resolve(ctx context.Context, src types.Source, tracker progress.Tracker) (string, error) {
	if local, ok := localPath(src.URL); ok {
		return local, nil
	}

	key := cacheKey(src.URL)
	cachedPath := c.path(key)

	var cached bool
	if err := c.store.With(ctx, func(idx *index) error {
		_, ok := idx.Entries[key]
		cached = ok && utils.ValidFile(cachedPath)
		return nil
	}); err != nil {
		return "", err
	}

	if cached {
		if err := verifyChecksum(cachedPath, src.Checksum); err != nil {
			// Corrupted cache entry: delete and refetch exactly once.
			_ = os.Remove(cachedPath)
			cached = false
		}
	}
	if cached {
		return cachedPath, nil
	}

	if err := c.download(ctx, src, key, cachedPath, tracker); err != nil {
		return "", err
	}
	return cachedPath, nil
}

// localPath recognizes "file://" URLs and bare absolute paths as direct
// filesystem references that never touch the cache.
func localPath(url string) (string, bool) {
	if strings.HasPrefix(url, "file://") {
		return strings.TrimPrefix(url, "file://"), true
	}
	if filepath.IsAbs(url) {
		return url, true
	}
	return "", false
}

func (c *Cache) download(ctx context.Context, src types.Source, key, dstPath string, tracker progress.Tracker) error {
	if err := utils.EnsureDirs(c.dir); err != nil {
		return fmt.Errorf("sourcecache: creating cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("sourcecache: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	if err := fetch(ctx, src.URL, tmp, tracker); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("sourcecache: downloading %s: %w", src.URL, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("sourcecache: syncing download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sourcecache: closing download: %w", err)
	}

	if err := verifyChecksum(tmpPath, src.Checksum); err != nil {
		return fmt.Errorf("sourcecache: %w", err)
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		return fmt.Errorf("sourcecache: placing cached file: %w", err)
	}
	if err := os.Chmod(dstPath, 0o444); err != nil { //nolint:gosec // intentionally world-readable, content-addressed
		return fmt.Errorf("sourcecache: chmod cached file: %w", err)
	}

	info, err := os.Stat(dstPath)
	if err != nil {
		return fmt.Errorf("sourcecache: stat cached file: %w", err)
	}

	return c.store.Update(ctx, func(idx *index) error {
		idx.Entries[key] = entry{URL: src.URL, Key: key, Size: info.Size(), CachedAt: time.Now()}
		return nil
	})
}

func fetch(ctx context.Context, url string, dst io.Writer, tracker progress.Tracker) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	client := &http.Client{Timeout: downloadTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET: status %d %s", resp.StatusCode, resp.Status)
	}

	pw := &progressWriter{w: dst, total: resp.ContentLength, tracker: tracker}
	if _, err := io.Copy(pw, resp.Body); err != nil {
		return fmt.Errorf("copying body: %w", err)
	}
	return nil
}

type progressWriter struct {
	w          io.Writer
	written    int64
	total      int64
	tracker    progress.Tracker
	lastReport int64
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.written += int64(n)
	if pw.tracker != nil && pw.written-pw.lastReport >= progressInterval {
		pw.lastReport = pw.written
		pw.tracker.OnEvent(build.Event{Phase: build.PhaseSourceDownload, BytesTotal: pw.total, BytesDone: pw.written})
	}
	return n, err
}

// verifyChecksum checks path's content against "algo:hex". The literal
// value "none" disables verification entirely.
func verifyChecksum(path, checksum string) error {
	if checksum == "none" || checksum == "" {
		return nil
	}
	algo, wantHex, ok := strings.Cut(checksum, ":")
	if !ok {
		return fmt.Errorf("malformed checksum %q (want algo:hex)", checksum)
	}

	var h hash.Hash
	switch algo {
	case "sha1":
		h = sha1.New() //nolint:gosec
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return fmt.Errorf("unsupported checksum algorithm %q", algo)
	}

	f, err := os.Open(path) //nolint:gosec // path is cache-internal
	if err != nil {
		return fmt.Errorf("opening %s for checksum: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}

	gotHex := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(gotHex, wantHex) {
		return fmt.Errorf("checksum mismatch for %s: want %s:%s, got %s", path, algo, wantHex, gotHex)
	}
	return nil
}
