package foundry

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goldboot/goldboot/qcow2"
)

// mergeElements reads every allocated cluster from each element's QCOW2
// and writes a single merged QCOW2 under scratchDir. A single element
// short-circuits and reuses its own file untouched. Per spec §4.E, a
// merge MUST fail if two elements allocate the same block_offset with
// differing content.
func mergeElements(scratchDir string, results []elementResult) (path string, virtualSize uint64, err error) {
	if len(results) == 1 {
		size, err := readVirtualSize(results[0].qcowPath)
		if err != nil {
			return "", 0, err
		}
		return results[0].qcowPath, size, nil
	}

	clusterSize := 0
	var maxVirtualSize uint64
	merged := make(map[uint64][]byte)

	for _, res := range results {
		f, err := os.Open(res.qcowPath) //nolint:gosec
		if err != nil {
			return "", 0, fmt.Errorf("opening %s: %w", res.name, err)
		}

		reader, err := qcow2.NewReader(f)
		if err != nil {
			f.Close() //nolint:errcheck
			return "", 0, fmt.Errorf("reading %s: %w", res.name, err)
		}
		if clusterSize == 0 {
			clusterSize = reader.Header.ClusterSize
		} else if clusterSize != reader.Header.ClusterSize {
			f.Close() //nolint:errcheck
			return "", 0, fmt.Errorf("element %s has cluster size %d, want %d", res.name, reader.Header.ClusterSize, clusterSize)
		}
		if reader.Header.VirtualSize > maxVirtualSize {
			maxVirtualSize = reader.Header.VirtualSize
		}

		walkErr := reader.AllocatedClusters(func(c qcow2.Cluster) error {
			if existing, ok := merged[c.BlockOffset]; ok {
				if !bytes.Equal(existing, c.Data) {
					return fmt.Errorf("element %s: block_offset %d conflicts with an earlier element's content", res.name, c.BlockOffset)
				}
				return nil
			}
			merged[c.BlockOffset] = c.Data
			return nil
		})
		f.Close() //nolint:errcheck
		if walkErr != nil {
			return "", 0, walkErr
		}
	}

	out := qcow2.NewWriter(maxVirtualSize, clusterSize)
	for blockOffset, data := range merged {
		if err := out.Put(blockOffset, data); err != nil {
			return "", 0, err
		}
	}

	mergedPath := filepath.Join(scratchDir, "merged.qcow2")
	dst, err := os.Create(mergedPath) //nolint:gosec
	if err != nil {
		return "", 0, fmt.Errorf("creating merged qcow2: %w", err)
	}
	defer dst.Close() //nolint:errcheck

	if err := out.WriteTo(dst); err != nil {
		return "", 0, fmt.Errorf("writing merged qcow2: %w", err)
	}

	return mergedPath, maxVirtualSize, nil
}

func readVirtualSize(path string) (uint64, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	reader, err := qcow2.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	return reader.Header.VirtualSize, nil
}
