package qcow2

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

const (
	headerSize      = 72
	v3ExtensionSize = 32
	headerLength    = headerSize + v3ExtensionSize
)

// Writer builds a minimal QCOW2 v3 stream out of a set of plaintext
// clusters held in memory, keyed by their logical block_offset. It exists
// for the orchestrator's merge step (§4.E), which must hand the codec a
// real QCOW2 stream assembled from more than one source image; clusters
// are always written uncompressed since the codec recompresses them anyway.
type Writer struct {
	virtualSize uint64
	clusterSize int
	clusters    map[uint64][]byte
}

// NewWriter starts a merge writer for a disk of virtualSize bytes using
// clusterSize-byte clusters. clusterSize must be a power of two.
func NewWriter(virtualSize uint64, clusterSize int) *Writer {
	return &Writer{
		virtualSize: virtualSize,
		clusterSize: clusterSize,
		clusters:    make(map[uint64][]byte),
	}
}

// Put stages one cluster's plaintext at blockOffset. data must be exactly
// clusterSize bytes and blockOffset a multiple of clusterSize. Calling Put
// twice for the same blockOffset with differing content is the caller's
// responsibility to detect (the orchestrator's merge does this before
// staging); Put itself just overwrites.
func (w *Writer) Put(blockOffset uint64, data []byte) error {
	if len(data) != w.clusterSize {
		return fmt.Errorf("qcow2: cluster at %d has length %d, want %d", blockOffset, len(data), w.clusterSize)
	}
	if blockOffset%uint64(w.clusterSize) != 0 {
		return fmt.Errorf("qcow2: block_offset %d is not cluster-aligned", blockOffset)
	}
	w.clusters[blockOffset] = data
	return nil
}

func clusterBitsFor(clusterSize int) uint32 {
	bits := uint32(0)
	for (1 << bits) < clusterSize {
		bits++
	}
	return bits
}

// WriteTo serializes the staged clusters as a standards-shaped QCOW2 v3
// stream: header, L1 table, one L2 table per populated L1 bucket, then
// cluster data in ascending block_offset order. Unpopulated regions are
// left as implicit zero clusters (missing L2 entries), matching real
// qemu-img output for a sparse image.
func (w *Writer) WriteTo(dst io.WriteSeeker) error {
	clusterBits := clusterBitsFor(w.clusterSize)
	l2EntriesPerTable := w.clusterSize / 8 //nolint:mnd // 8 bytes/entry

	offsets := make([]uint64, 0, len(w.clusters))
	for off := range w.clusters {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	l2Tables := make(map[int]map[int]uint64) // l1Index -> l2Index -> hostOffset, filled in later
	l1Indices := make([]int, 0)
	for _, off := range offsets {
		clusterIdx := off / uint64(w.clusterSize)
		l1Index := int(clusterIdx) / l2EntriesPerTable
		if _, ok := l2Tables[l1Index]; !ok {
			l2Tables[l1Index] = make(map[int]uint64)
			l1Indices = append(l1Indices, l1Index)
		}
	}
	sort.Ints(l1Indices)

	totalClusters := int(w.virtualSize) / w.clusterSize
	l1Size := (totalClusters + l2EntriesPerTable - 1) / l2EntriesPerTable
	if l1Size == 0 {
		l1Size = 1
	}

	l1TableOffset := int64(headerLength)
	l2TablesStart := alignUp(l1TableOffset+int64(l1Size)*8, int64(w.clusterSize)) //nolint:mnd

	l2TableOffset := make(map[int]int64, len(l1Indices))
	for i, l1Index := range l1Indices {
		l2TableOffset[l1Index] = l2TablesStart + int64(i)*int64(w.clusterSize)
	}
	clusterDataStart := l2TablesStart + int64(len(l1Indices))*int64(w.clusterSize)

	clusterHostOffset := make(map[uint64]int64, len(offsets))
	for i, off := range offsets {
		clusterHostOffset[off] = clusterDataStart + int64(i)*int64(w.clusterSize)

		clusterIdx := off / uint64(w.clusterSize)
		l1Index := int(clusterIdx) / l2EntriesPerTable
		l2Index := int(clusterIdx) % l2EntriesPerTable
		l2Tables[l1Index][l2Index] = uint64(clusterHostOffset[off])
	}

	if err := writeHeader(dst, w.virtualSize, clusterBits, l1Size, uint64(l1TableOffset)); err != nil {
		return err
	}

	if _, err := dst.Seek(l1TableOffset, io.SeekStart); err != nil {
		return fmt.Errorf("qcow2: seeking L1 table: %w", err)
	}
	l1Buf := make([]byte, l1Size*8) //nolint:mnd
	for i, l1Index := range l1Indices {
		binary.BigEndian.PutUint64(l1Buf[l1Index*8:], uint64(l2TablesStart+int64(i)*int64(w.clusterSize))&l1OffsetMask)
	}
	if _, err := dst.Write(l1Buf); err != nil {
		return fmt.Errorf("qcow2: writing L1 table: %w", err)
	}

	for _, l1Index := range l1Indices {
		if _, err := dst.Seek(l2TableOffset[l1Index], io.SeekStart); err != nil {
			return fmt.Errorf("qcow2: seeking L2 table: %w", err)
		}
		buf := make([]byte, w.clusterSize)
		for l2Index, hostOffset := range l2Tables[l1Index] {
			binary.BigEndian.PutUint64(buf[l2Index*8:], hostOffset&l2OffsetMask)
		}
		if _, err := dst.Write(buf); err != nil {
			return fmt.Errorf("qcow2: writing L2 table: %w", err)
		}
	}

	for _, off := range offsets {
		if _, err := dst.Seek(clusterHostOffset[off], io.SeekStart); err != nil {
			return fmt.Errorf("qcow2: seeking cluster data: %w", err)
		}
		if _, err := dst.Write(w.clusters[off]); err != nil {
			return fmt.Errorf("qcow2: writing cluster data: %w", err)
		}
	}

	return nil
}

func alignUp(v, align int64) int64 {
	if v%align == 0 {
		return v
	}
	return v + (align - v%align)
}

func writeHeader(dst io.WriteSeeker, virtualSize uint64, clusterBits uint32, l1Size int, l1Offset uint64) error {
	buf := make([]byte, headerLength)
	copy(buf[0:4], magic[:])
	binary.BigEndian.PutUint32(buf[4:8], 3) //nolint:mnd // version
	// backing_file_offset=0, backing_file_size=0
	binary.BigEndian.PutUint32(buf[20:24], clusterBits)
	binary.BigEndian.PutUint64(buf[24:32], virtualSize)
	// crypt_method=0
	binary.BigEndian.PutUint32(buf[36:40], uint32(l1Size)) //nolint:gosec
	binary.BigEndian.PutUint64(buf[40:48], l1Offset)
	// refcount_table_offset/clusters, nb_snapshots, snapshots_offset left zero: this
	// writer never needs qemu's own refcounting, only qcow2.Reader reads the stream back.
	binary.BigEndian.PutUint32(buf[headerSize+24:headerSize+28], 4) //nolint:mnd // refcount_order
	binary.BigEndian.PutUint32(buf[headerSize+28:headerSize+32], headerLength)

	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("qcow2: seeking header: %w", err)
	}
	if _, err := dst.Write(buf); err != nil {
		return fmt.Errorf("qcow2: writing header: %w", err)
	}
	return nil
}
