// Package qcow2 is a minimal QCOW2 v3 reader, plus a writer (writer.go)
// for uncompressed images. The reader exposes just enough of the format
// to feed the GBF encoder: header fields and allocated-cluster iteration
// in ascending block_offset order.
package qcow2

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

var magic = [4]byte{'Q', 'F', 'I', 0xfb}

// CompressionType mirrors the QCOW2 v3 header field of the same name.
type CompressionType uint8

const (
	CompressionZlib CompressionType = 0
	CompressionZstd CompressionType = 1
)

// MalformedImage wraps any structural defect found while parsing a QCOW2
// stream: bad magic, truncation, unsupported version, or an incompatible
// feature bit the reader doesn't implement.
type MalformedImage struct {
	Reason string
	Err    error
}

func (e *MalformedImage) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed qcow2 image: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed qcow2 image: %s", e.Reason)
}

func (e *MalformedImage) Unwrap() error { return e.Err }

func malformed(reason string, err error) error {
	return &MalformedImage{Reason: reason, Err: err}
}

const (
	incompatDirtyBit            = 1 << 0
	incompatCorruptBit          = 1 << 1
	incompatExternalDataFileBit = 1 << 2
	incompatCompressionTypeBit  = 1 << 3
	incompatExtendedL2Bit       = 1 << 4
	incompatKnownBits           = incompatDirtyBit | incompatCorruptBit | incompatExternalDataFileBit |
		incompatCompressionTypeBit | incompatExtendedL2Bit
)

// Header holds the subset of the QCOW2 v3 header Reader cares about.
type Header struct {
	ClusterBits     uint32
	ClusterSize     int
	VirtualSize     uint64
	CompressionType CompressionType
}

// Reader provides random access to a QCOW2 v3 stream's allocated clusters.
// It is stateless across calls other than holding the parsed address
// translation tables: callers supply their own io.ReadSeeker and may reuse
// a Reader's Header/cluster count freely from multiple goroutines, but
// AllocatedClusters must not be iterated concurrently on the same Reader.
type Reader struct {
	src Header

	image io.ReadSeeker

	l1Table         []uint64
	l2EntriesPerTbl int
	compressedMask  uint64

	Header Header
}

const (
	l1OffsetMask          = 0x00fffffffffffe00 // bits 9-55
	l2CompressedBit       = uint64(1) << 62
	l2NonCompressedZeroes = 1 << 0
	l2OffsetMask          = 0x00fffffffffffe00
)

// NewReader parses the header and L1 table of a QCOW2 v3 stream positioned
// at its start. It rejects non-v3 images and any incompatible feature bit
// it does not implement (backing files, external data files, dirty/corrupt,
// extended L2 entries).
func NewReader(image io.ReadSeeker) (*Reader, error) {
	header := make([]byte, 72) //nolint:mnd // fixed v2 header size
	if _, err := io.ReadFull(image, header); err != nil {
		return nil, malformed("truncated header", err)
	}

	if !bytes.Equal(header[0:4], magic[:]) {
		return nil, malformed("bad magic", nil)
	}

	version := binary.BigEndian.Uint32(header[4:8])
	if version != 3 { //nolint:mnd // only v3 is in scope
		return nil, malformed(fmt.Sprintf("unsupported version %d, only v3 is supported", version), nil)
	}

	if binary.BigEndian.Uint64(header[8:16]) != 0 {
		return nil, malformed("backing files are not supported", nil)
	}

	clusterBits := binary.BigEndian.Uint32(header[20:24])
	if clusterBits < 9 || clusterBits > 21 { //nolint:mnd // QCOW2 spec bounds
		return nil, malformed(fmt.Sprintf("cluster size 2^%d out of range", clusterBits), nil)
	}
	clusterSize := 1 << clusterBits

	virtualSize := binary.BigEndian.Uint64(header[24:32])

	if binary.BigEndian.Uint32(header[32:36]) != 0 {
		return nil, malformed("encrypted images are not supported", nil)
	}

	l1Size := binary.BigEndian.Uint32(header[36:40])
	l1Offset := binary.BigEndian.Uint64(header[40:48])

	v3 := make([]byte, 32) //nolint:mnd // v3 extension header size
	if _, err := io.ReadFull(image, v3); err != nil {
		return nil, malformed("truncated v3 header extension", err)
	}

	incompat := binary.BigEndian.Uint64(v3[0:8])
	if incompat&incompatDirtyBit != 0 {
		return nil, malformed("dirty bit set", nil)
	}
	if incompat&incompatCorruptBit != 0 {
		return nil, malformed("corrupt bit set", nil)
	}
	if incompat&incompatExternalDataFileBit != 0 {
		return nil, malformed("external data files are not supported", nil)
	}
	if incompat&incompatExtendedL2Bit != 0 {
		return nil, malformed("extended L2 entries are not supported", nil)
	}
	if incompat&^incompatKnownBits != 0 {
		return nil, malformed(fmt.Sprintf("unknown incompatible feature bits 0x%x", incompat&^incompatKnownBits), nil)
	}
	nonDefaultCompression := incompat&incompatCompressionTypeBit != 0

	headerLength := binary.BigEndian.Uint32(v3[28:32])
	if headerLength%8 != 0 || headerLength < 104 { //nolint:mnd
		return nil, malformed("invalid extended header length", nil)
	}

	rest := make([]byte, headerLength-104) //nolint:mnd
	if _, err := io.ReadFull(image, rest); err != nil {
		return nil, malformed("truncated extended header fields", err)
	}

	compType := CompressionZlib
	if nonDefaultCompression {
		if len(rest) < 1 {
			return nil, malformed("compression_type field missing", nil)
		}
		switch ct := CompressionType(rest[0]); ct {
		case CompressionZlib, CompressionZstd:
			compType = ct
		default:
			return nil, malformed(fmt.Sprintf("unknown compression type %d", ct), nil)
		}
	}

	l1Table, err := readL1Table(image, int64(l1Offset), int(l1Size))
	if err != nil {
		return nil, malformed("reading L1 table", err)
	}

	return &Reader{
		image:           image,
		l1Table:         l1Table,
		l2EntriesPerTbl: clusterSize / 8, //nolint:mnd // 8 bytes/entry
		compressedMask:  1<<(70-clusterBits) - 1,
		Header: Header{
			ClusterBits:     clusterBits,
			ClusterSize:     clusterSize,
			VirtualSize:     virtualSize,
			CompressionType: compType,
		},
	}, nil
}

func readL1Table(image io.ReadSeeker, offset int64, entries int) ([]uint64, error) {
	if _, err := image.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, entries*8) //nolint:mnd
	if _, err := io.ReadFull(image, buf); err != nil {
		return nil, err
	}
	out := make([]uint64, entries)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(buf[i*8:]) & l1OffsetMask
	}
	return out, nil
}

// ClusterCount returns the number of clusters the virtual disk spans,
// allocated or not.
func (r *Reader) ClusterCount() int {
	return int((r.Header.VirtualSize + uint64(r.Header.ClusterSize) - 1) / uint64(r.Header.ClusterSize))
}

// Cluster is one allocated cluster's decoded plaintext, at its logical
// position in the virtual disk.
type Cluster struct {
	BlockOffset uint64
	Data        []byte
}

// AllocatedClusters walks the L1/L2 tables and invokes yield once per
// allocated cluster in ascending block_offset order, with the cluster's
// decompressed plaintext. Zero clusters and unallocated L2 tables are
// skipped entirely — yield is never called for them. Returning an error
// from yield aborts the walk and that error is returned unwrapped.
func (r *Reader) AllocatedClusters(yield func(Cluster) error) error {
	totalClusters := r.ClusterCount()
	l2Entries := make([]byte, r.l2EntriesPerTbl*8) //nolint:mnd

	for l1Index, l2Offset := range r.l1Table {
		if l2Offset == 0 {
			continue
		}
		if _, err := r.image.Seek(int64(l2Offset), io.SeekStart); err != nil {
			return malformed("seeking L2 table", err)
		}

		clustersInThisTable := min(r.l2EntriesPerTbl, totalClusters-l1Index*r.l2EntriesPerTbl)
		if clustersInThisTable <= 0 {
			continue
		}
		buf := l2Entries[:clustersInThisTable*8]
		if _, err := io.ReadFull(r.image, buf); err != nil {
			return malformed("reading L2 table", err)
		}

		for l2Index := 0; l2Index < clustersInThisTable; l2Index++ {
			entry := binary.BigEndian.Uint64(buf[l2Index*8:])
			blockOffset := uint64(l1Index*r.l2EntriesPerTbl+l2Index) * uint64(r.Header.ClusterSize)

			compressed := entry&l2CompressedBit != 0
			if !compressed && entry&l2NonCompressedZeroes != 0 {
				continue // explicit zero cluster
			}

			var hostOffset uint64
			var compressedLen int64
			if compressed {
				hostOffset = entry & r.compressedMask
				sectorMask := ^r.compressedMask &^ l2CompressedBit
				compressedLen = int64((entry&sectorMask)>>(70-r.Header.ClusterBits)) * 512 //nolint:mnd
			} else {
				hostOffset = entry & l2OffsetMask
			}
			if hostOffset == 0 {
				continue // unallocated, implicit zero
			}

			data, err := r.readCluster(hostOffset, compressed, compressedLen)
			if err != nil {
				return err
			}
			if err := yield(Cluster{BlockOffset: blockOffset, Data: data}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reader) readCluster(hostOffset uint64, compressed bool, compressedLen int64) ([]byte, error) {
	if _, err := r.image.Seek(int64(hostOffset), io.SeekStart); err != nil {
		return nil, malformed("seeking cluster", err)
	}

	out := make([]byte, r.Header.ClusterSize)
	if !compressed {
		if _, err := io.ReadFull(r.image, out); err != nil {
			return nil, malformed("reading standard cluster", err)
		}
		return out, nil
	}

	var lr io.Reader = r.image
	if compressedLen > 0 {
		lr = io.LimitReader(r.image, compressedLen)
	}

	switch r.Header.CompressionType {
	case CompressionZlib:
		zr, err := zlib.NewReader(lr)
		if err != nil {
			return nil, malformed("zlib header", err)
		}
		defer zr.Close() //nolint:errcheck
		if _, err := io.ReadFull(zr, out); err != nil {
			return nil, malformed("decompressing zlib cluster", err)
		}
	case CompressionZstd:
		zr, err := zstd.NewReader(lr)
		if err != nil {
			return nil, malformed("zstd header", err)
		}
		defer zr.Close()
		if _, err := io.ReadFull(zr, out); err != nil {
			return nil, malformed("decompressing zstd cluster", err)
		}
	default:
		return nil, errors.New("qcow2: unreachable compression type")
	}
	return out, nil
}
