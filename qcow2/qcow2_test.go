package qcow2

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildImage hand-assembles a minimal QCOW2 v3 stream: a 104-byte header
// (72-byte v2 header + 32-byte v3 extension), one L1 table cluster pointing
// at one L2 table cluster, and the given cluster bodies placed back to back
// after the L2 table. clusterSize must be a power of two >= 512.
type clusterSpec struct {
	l2Index    int
	data       []byte // plaintext, len == clusterSize unless compressed
	compressed bool
}

func buildImage(t *testing.T, clusterSize int, clusters []clusterSpec) []byte {
	t.Helper()
	clusterBits := 0
	for 1<<clusterBits != clusterSize {
		clusterBits++
	}

	const headerLen = 104
	l1Offset := int64(clusterSize) // place L1 table at the second cluster for simplicity
	l2Offset := l1Offset + int64(clusterSize)
	dataStart := l2Offset + int64(clusterSize)

	buf := &bytes.Buffer{}
	buf.Write(magic[:])
	writeU32(buf, 3) // version
	writeU64(buf, 0) // backing file offset
	writeU32(buf, 0) // backing file size
	writeU32(buf, uint32(clusterBits))
	writeU64(buf, uint64(len(clusters))*uint64(clusterSize)) // virtual size, one cluster per allocated entry for simplicity
	writeU32(buf, 0)                                         // crypt method
	writeU32(buf, 1)                                         // l1 size (one entry covers our single L2 table)
	writeU64(buf, uint64(l1Offset))
	writeU64(buf, 0) // refcount table offset
	writeU32(buf, 0) // refcount table clusters
	writeU32(buf, 0) // nb snapshots
	writeU64(buf, 0) // snapshots offset
	require.Equal(t, 72, buf.Len())

	writeU64(buf, 0) // incompatible features
	writeU64(buf, 0) // compatible features
	writeU64(buf, 0) // autoclear features
	writeU32(buf, 4) // refcount order
	writeU32(buf, headerLen)
	require.Equal(t, headerLen, buf.Len())

	image := buf.Bytes()
	image = padTo(image, int(l1Offset))

	l1 := make([]byte, clusterSize)
	binary.BigEndian.PutUint64(l1[0:8], uint64(l2Offset)&l1OffsetMask)
	image = append(image, l1...)

	l2 := make([]byte, clusterSize)
	bodies := &bytes.Buffer{}
	for _, c := range clusters {
		entryOffset := dataStart + int64(bodies.Len())
		var entry uint64
		if c.compressed {
			sectors := (len(c.data) + 511) / 512 //nolint:mnd
			entry = l2CompressedBit | (uint64(sectors) << (70 - uint32(clusterBits))) | (uint64(entryOffset) & ((uint64(1) << (70 - uint32(clusterBits))) - 1))
		} else {
			entry = uint64(entryOffset) & l2OffsetMask
		}
		binary.BigEndian.PutUint64(l2[c.l2Index*8:c.l2Index*8+8], entry)
		bodies.Write(c.data)
	}
	image = append(image, l2...)
	image = append(image, bodies.Bytes()...)
	return image
}

func padTo(b []byte, n int) []byte {
	for len(b) < n {
		b = append(b, 0)
	}
	return b
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func TestNewReaderRejectsBadMagic(t *testing.T) {
	_, err := NewReader(bytes.NewReader(make([]byte, 200))) //nolint:mnd
	require.Error(t, err)
	var me *MalformedImage
	require.ErrorAs(t, err, &me)
}

func TestEmptyImageHasNoAllocatedClusters(t *testing.T) {
	raw := buildImage(t, 512, nil) //nolint:mnd
	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, 0, r.ClusterCount())

	var seen int
	require.NoError(t, r.AllocatedClusters(func(Cluster) error {
		seen++
		return nil
	}))
	require.Zero(t, seen)
}

func TestOneStandardCluster(t *testing.T) {
	const clusterSize = 512
	pattern := make([]byte, clusterSize)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	raw := buildImage(t, clusterSize, []clusterSpec{{l2Index: 0, data: pattern}})

	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, 1, r.ClusterCount())

	var got []Cluster
	require.NoError(t, r.AllocatedClusters(func(c Cluster) error {
		got = append(got, c)
		return nil
	}))
	require.Len(t, got, 1)
	require.Equal(t, uint64(0), got[0].BlockOffset)
	require.Equal(t, pattern, got[0].Data)
}

func TestOneCompressedCluster(t *testing.T) {
	const clusterSize = 512
	pattern := bytes.Repeat([]byte{0xAB}, clusterSize)

	compressed := &bytes.Buffer{}
	zw := zlib.NewWriter(compressed)
	_, err := zw.Write(pattern)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	raw := buildImage(t, clusterSize, []clusterSpec{{l2Index: 0, data: compressed.Bytes(), compressed: true}})

	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)

	var got []Cluster
	require.NoError(t, r.AllocatedClusters(func(c Cluster) error {
		got = append(got, c)
		return nil
	}))
	require.Len(t, got, 1)
	require.Equal(t, pattern, got[0].Data)
}
