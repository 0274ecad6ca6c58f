// Package foundry is the Build Orchestrator (spec §4.E): given a Foundry
// recipe it allocates one scratch QCOW2 per element, drives each through
// qemudriver, merges multi-element output into a single QCOW2, and hands
// the result to the GBF codec, registering the finished image in the
// content-addressed library.
package foundry

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/goldboot/goldboot/config"
	"github.com/goldboot/goldboot/fabricator"
	"github.com/goldboot/goldboot/firmware"
	"github.com/goldboot/goldboot/gbf"
	"github.com/goldboot/goldboot/imagelibrary"
	"github.com/goldboot/goldboot/progress"
	"github.com/goldboot/goldboot/progress/build"
	"github.com/goldboot/goldboot/qemudriver"
	"github.com/goldboot/goldboot/sourcecache"
	"github.com/goldboot/goldboot/types"
)

// defaultOSName names the guest OS family used to pick bundled firmware.
// goldboot's firmware bundle is keyed by (arch, OS); every supported
// installer target today is Linux-based.
const defaultOSName = "linux"

// BuildOptions controls one Foundry build run. Password is accepted
// out-of-band from the recipe itself so a secret never has to round-trip
// through a serialized Foundry.
type BuildOptions struct {
	// BuildID namespaces this run's scratch/log directories. Generated via
	// google/uuid when empty.
	BuildID string
	// Password enables GBF header encryption when Foundry.HeaderEncryption
	// is set. Required in that case; ignored otherwise.
	Password *string
	// OutputName is the name this build is registered under in the image
	// library. Defaults to Foundry.Name.
	OutputName string

	Progress progress.Tracker
}

// Result is what a successful Build produces.
type Result struct {
	Name   string
	Digest imagelibrary.Digest
	Size   int64
	Path   string
}

// Dependencies a Build needs, gathered so callers (cmd/build) construct
// them once per process and reuse across builds.
type Dependencies struct {
	Config  *config.Config
	Cache   *sourcecache.Cache
	Library *imagelibrary.Library
	// SshdogBinary is the static SSH server pushed onto every element's
	// auxiliary FAT filesystem. Callers supply it (built/fetched out of
	// band); when nil, an empty sshdog file is staged and elements with
	// fabricators still attempt SSH provisioning.
	SshdogBinary []byte
}

// Build runs a Foundry recipe to completion: per-element worker execution
// (parallel unless Debug or a single element), merge, GBF encode, and
// library registration. On any element's failure the whole build fails
// and no image is written (spec §7 propagation policy).
func Build(ctx context.Context, deps Dependencies, rec *types.Foundry, opts BuildOptions) (*Result, error) {
	if err := validate(rec); err != nil {
		return nil, err
	}

	buildID := opts.BuildID
	if buildID == "" {
		buildID = uuid.NewString()
	}
	tracker := opts.Progress
	if tracker == nil {
		tracker = progress.Nop
	}
	outputName := opts.OutputName
	if outputName == "" {
		outputName = rec.Name
	}

	conf := deps.Config
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("foundry: preparing directories: %w", err)
	}
	// Element disks, scratch dirs and the merged QCOW2 all live under the
	// buildID directory, removed when Build returns.
	defer os.RemoveAll(filepath.Join(conf.RunDir, buildID)) //nolint:errcheck

	elementQcows, err := runElements(ctx, deps, rec, buildID, tracker)
	if err != nil {
		return nil, err
	}

	mergedPath, virtualSize, err := mergeElements(filepath.Join(conf.RunDir, buildID), elementQcows)
	if err != nil {
		return nil, fmt.Errorf("foundry: merging element images: %w", err)
	}

	if rec.HeaderEncryption && opts.Password == nil {
		return nil, fmt.Errorf("foundry: %w: header_encryption requires a password", errValidation)
	}

	res, err := encodeAndStore(ctx, deps, rec, outputName, mergedPath, virtualSize, opts, tracker)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func validate(rec *types.Foundry) error {
	if len(rec.Elements) == 0 {
		return fmt.Errorf("foundry: %w: at least one element is required", errValidation)
	}
	for _, el := range rec.Elements {
		if el.Name == "" {
			return fmt.Errorf("foundry: %w: element name is required", errValidation)
		}
		if el.PreferredSize <= 0 {
			return fmt.Errorf("foundry: %w: element %q has non-positive preferred_size", errValidation, el.Name)
		}
		switch el.Arch {
		case types.ArchAMD64, types.ArchARM64:
		default:
			return fmt.Errorf("foundry: %w: element %q has unsupported arch %q", errValidation, el.Name, el.Arch)
		}
	}
	return nil
}

type elementResult struct {
	name     string
	qcowPath string
	err      error
}

// runElements drives one worker per element, sequentially when the
// recipe is in debug mode or there is only one element, otherwise one
// goroutine per element bounded by config.Config.PoolSize (spec §5).
func runElements(ctx context.Context, deps Dependencies, rec *types.Foundry, buildID string, tracker progress.Tracker) ([]elementResult, error) {
	if rec.Debug || len(rec.Elements) == 1 {
		results := make([]elementResult, len(rec.Elements))
		for i := range rec.Elements {
			results[i] = runOneElement(ctx, deps, rec, buildID, tracker, i)
			if results[i].err != nil {
				return nil, fmt.Errorf("foundry: element %q: %w", results[i].name, results[i].err)
			}
		}
		return results, nil
	}

	pool := deps.Config.PoolSize
	if pool <= 0 {
		pool = runtime.NumCPU()
	}

	results := make([]elementResult, len(rec.Elements))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(pool)
	for i := range rec.Elements {
		i := i
		group.Go(func() error {
			results[i] = runOneElement(gctx, deps, rec, buildID, tracker, i)
			return results[i].err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("foundry: %w", err)
	}
	return results, nil
}

func runOneElement(ctx context.Context, deps Dependencies, rec *types.Foundry, buildID string, tracker progress.Tracker, idx int) elementResult {
	el := &rec.Elements[idx]
	res := elementResult{name: el.Name}

	conf := deps.Config
	scratchDir := conf.ElementScratchDir(buildID, el.Name)
	logDir := conf.ElementLogDir(buildID, el.Name)
	if err := ensureDirs(scratchDir, logDir); err != nil {
		res.err = err
		return res
	}

	isoPath, err := deps.Cache.Resolve(ctx, el.Source, tracker)
	if err != nil {
		res.err = fmt.Errorf("resolving source: %w", err)
		return res
	}

	firmwarePath, err := firmware.Ensure(conf, el.Arch, defaultOSName)
	if err != nil {
		res.err = fmt.Errorf("extracting firmware: %w", err)
		return res
	}

	qcowPath := filepath.Join(conf.RunDir, buildID, "disk-"+el.Name+".qcow2")
	if err := createBlankQcow(ctx, qcowPath, el.PreferredSize); err != nil {
		res.err = fmt.Errorf("allocating blank qcow2: %w", err)
		return res
	}

	worker := &qemudriver.Worker{
		Element:      el,
		ScratchDir:   scratchDir,
		QcowPath:     qcowPath,
		IsoPath:      isoPath,
		FirmwarePath: firmwarePath,
		SshdogBinary: deps.SshdogBinary,
		LogDir:       logDir,
		Fabricate:    fabricator.Run,
		Progress:     tracker,
	}
	if err := worker.Run(ctx); err != nil {
		_ = worker.Cleanup()
		res.err = err
		return res
	}
	if err := worker.Cleanup(); err != nil {
		res.err = err
		return res
	}

	res.qcowPath = qcowPath
	return res
}

func ensureDirs(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil { //nolint:mnd
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}

// createBlankQcow shells out to qemu-img, the same tool the guest's own
// install writes into, so the codec's QCOW2 reader sees exactly the
// feature set real QEMU produces. size is truncated to an even byte
// count per spec §4.E.
func createBlankQcow(ctx context.Context, path string, size int64) error {
	size = evenSize(size)
	cmd := exec.CommandContext(ctx, "qemu-img", "create", "-f", "qcow2", path, fmt.Sprintf("%d", size)) //nolint:gosec
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("qemu-img create: %w: %s", err, out)
	}
	return nil
}

// evenSize rounds an odd byte count down to the next even one.
func evenSize(size int64) int64 {
	if size%2 != 0 {
		size--
	}
	return size
}

func encodeAndStore(ctx context.Context, deps Dependencies, rec *types.Foundry, outputName, mergedPath string, virtualSize uint64, opts BuildOptions, tracker progress.Tracker) (*Result, error) {
	conf := deps.Config

	recipeBlob, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("foundry: marshaling recipe for config blob: %w", err)
	}

	tmpPath := filepath.Join(conf.RunDir, fmt.Sprintf("%s.gb.tmp", uuid.NewString()))
	if err := ensureDirs(filepath.Dir(tmpPath)); err != nil {
		return nil, err
	}

	src, err := os.Open(mergedPath) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("foundry: opening merged qcow2: %w", err)
	}
	defer src.Close() //nolint:errcheck

	dst, err := os.Create(tmpPath) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("foundry: creating GBF temp file: %w", err)
	}
	defer os.Remove(tmpPath) //nolint:errcheck

	encOpts := gbf.EncodeOptions{
		Name:              rec.Name,
		ClusterEncryption: rec.ClusterEncryption,
		Config:            recipeBlob,
		Progress: progress.NewTracker(func(e gbf.Event) {
			tracker.OnEvent(build.Event{ElementName: outputName, Phase: build.PhaseGbfEncode, ClusterIndex: e.ClusterIndex, ClusterTotal: e.ClusterTotal})
		}),
	}
	if rec.HeaderEncryption {
		encOpts.Password = opts.Password
	}

	if err := gbf.Encode(src, dst, virtualSize, encOpts); err != nil {
		dst.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("foundry: encoding GBF: %w", err)
	}

	if err := dst.Sync(); err != nil {
		dst.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("foundry: syncing GBF output: %w", err)
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("foundry: closing GBF output: %w", err)
	}

	digestHex, size, err := sha256File(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("foundry: digesting GBF output: %w", err)
	}
	digest := imagelibrary.NewDigest(digestHex)
	finalPath := conf.ImagePath(digest.Hex())

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("foundry: placing image in library: %w", err)
	}
	if err := os.Chmod(finalPath, 0o444); err != nil { //nolint:mnd
		return nil, fmt.Errorf("foundry: chmod final image: %w", err)
	}

	if err := deps.Library.Put(ctx, outputName, digest, size); err != nil {
		return nil, fmt.Errorf("foundry: registering image: %w", err)
	}

	tracker.OnEvent(build.Event{Phase: build.PhaseDone, Message: outputName})

	return &Result{Name: outputName, Digest: digest, Size: size, Path: finalPath}, nil
}

func sha256File(path string) (hex string, size int64, err error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return "", 0, err
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), n, nil
}

var errValidation = fmt.Errorf("validation error")
