package gbf

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // test fixture comparison, not a security boundary
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const l1OffsetMaskTest = 0x00fffffffffffe00
const l2OffsetMaskTest = 0x00fffffffffffe00
const l2CompressedBitTest = uint64(1) << 62

// buildQcow2 hand-assembles a minimal QCOW2 v3 stream with one L1->L2
// table and the given standard (uncompressed) clusters, mirroring the
// qcow2 package's own test fixture builder.
func buildQcow2(t *testing.T, clusterSize int, clusterData map[int][]byte, totalClusters int) []byte {
	t.Helper()
	clusterBits := 0
	for 1<<clusterBits != clusterSize {
		clusterBits++
	}

	const headerLen = 104
	l1Offset := int64(clusterSize)
	l2Offset := l1Offset + int64(clusterSize)
	dataStart := l2Offset + int64(clusterSize)

	return buildQcow2Raw(t, clusterBits, clusterSize, l1Offset, l2Offset, dataStart, headerLen, clusterData, totalClusters)
}

func buildQcow2Raw(t *testing.T, clusterBits, clusterSize int, l1Offset, l2Offset, dataStart int64, headerLen int,
	clusterData map[int][]byte, totalClusters int,
) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	buf.Write([]byte{'Q', 'F', 'I', 0xfb})
	wu32(buf, 3)
	wu64(buf, 0)
	wu32(buf, 0)
	wu32(buf, uint32(clusterBits))
	wu64(buf, uint64(totalClusters)*uint64(clusterSize))
	wu32(buf, 0)
	wu32(buf, 1)
	wu64(buf, uint64(l1Offset))
	wu64(buf, 0)
	wu32(buf, 0)
	wu32(buf, 0)
	wu64(buf, 0)
	require.Equal(t, 72, buf.Len())

	wu64(buf, 0)
	wu64(buf, 0)
	wu64(buf, 0)
	wu32(buf, 4)
	wu32(buf, uint32(headerLen)) //nolint:gosec
	require.Equal(t, headerLen, buf.Len())

	image := padTo(buf.Bytes(), int(l1Offset))

	l1 := make([]byte, clusterSize)
	binary.BigEndian.PutUint64(l1[0:8], uint64(l2Offset)&l1OffsetMaskTest)
	image = append(image, l1...)

	l2 := make([]byte, clusterSize)
	bodies := &bytes.Buffer{}
	for idx := 0; idx < totalClusters; idx++ {
		data, ok := clusterData[idx]
		if !ok {
			continue // unallocated -> implicit zero cluster
		}
		entryOffset := dataStart + int64(bodies.Len())
		entry := uint64(entryOffset) & l2OffsetMaskTest
		binary.BigEndian.PutUint64(l2[idx*8:idx*8+8], entry)
		bodies.Write(data)
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

func wu32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func wu64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

// tempFile creates a scratch *os.File of the given size, usable as an
// io.ReadWriteSeeker for test sources and destinations.
func tempFile(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "dst.raw"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	t.Cleanup(func() { f.Close() }) //nolint:errcheck
	return f
}

func TestEncodeDecodeEmptyRoundTrip(t *testing.T) {
	const virtualSize = 64 * 1024 * 1024 //nolint:mnd
	raw := buildQcow2(t, 512, nil, int(virtualSize/512)) //nolint:mnd

	gbfFile := tempFile(t, 0)
	err := Encode(bytes.NewReader(raw), gbfFile, virtualSize, EncodeOptions{Name: "Empty test"})
	require.NoError(t, err)

	_, err = gbfFile.Seek(0, 0)
	require.NoError(t, err)
	opened, err := Open(gbfFile, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(virtualSize), opened.Primary.Size)
	require.Equal(t, "Empty test", opened.Primary.Name)
	require.Equal(t, uint32(0), opened.Protected.ClusterCount)

	dst := tempFile(t, virtualSize)
	_, err = gbfFile.Seek(0, 0)
	require.NoError(t, err)
	require.NoError(t, Decode(gbfFile, dst, DecodeOptions{}))

	_, err = dst.Seek(0, 0)
	require.NoError(t, err)
	gotSize, err := dst.Seek(0, 2) //nolint:mnd
	require.NoError(t, err)
	require.Equal(t, int64(virtualSize), gotSize)
}

func TestEncodeDecodeSmallDataRoundTrip(t *testing.T) {
	const clusterSize = 64 * 1024 //nolint:mnd
	pattern := make([]byte, clusterSize)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	raw := buildQcow2(t, clusterSize, map[int][]byte{0: pattern}, 1)

	gbfFile := tempFile(t, 0)
	require.NoError(t, Encode(bytes.NewReader(raw), gbfFile, clusterSize, EncodeOptions{Name: "Small data"}))

	dst := tempFile(t, clusterSize)
	_, err := gbfFile.Seek(0, 0)
	require.NoError(t, err)
	require.NoError(t, Decode(gbfFile, dst, DecodeOptions{}))

	_, err = dst.Seek(0, 0)
	require.NoError(t, err)
	got := make([]byte, clusterSize)
	_, err = dst.Read(got)
	require.NoError(t, err)
	require.Equal(t, pattern, got)

	sum := sha1.Sum(got) //nolint:gosec
	expected := sha1.Sum(pattern) //nolint:gosec
	require.Equal(t, expected, sum)
}

// instrumentedFile counts bytes actually written, so the differential
// write property (no I/O for already-correct blocks) is directly testable.
type instrumentedFile struct {
	*os.File
	written *int
}

func (f instrumentedFile) Write(p []byte) (int, error) {
	n, err := f.File.Write(p)
	*f.written += n
	return n, err
}

func TestDecodeSkipsAlreadyCorrectBlocks(t *testing.T) {
	const clusterSize = 512
	pattern := bytes.Repeat([]byte{0x42}, clusterSize)
	raw := buildQcow2(t, clusterSize, map[int][]byte{0: pattern}, 1)

	gbfFile := tempFile(t, 0)
	require.NoError(t, Encode(bytes.NewReader(raw), gbfFile, clusterSize, EncodeOptions{Name: "Diff"}))

	dst := tempFile(t, clusterSize)
	_, err := dst.Write(pattern) // pre-fill with the correct content
	require.NoError(t, err)

	written := 0
	instrumented := instrumentedFile{File: dst, written: &written}

	_, err = gbfFile.Seek(0, 0)
	require.NoError(t, err)
	require.NoError(t, Decode(gbfFile, instrumented, DecodeOptions{}))
	require.Zero(t, written)
}

func TestDecodeWrongPassword(t *testing.T) {
	const clusterSize = 512
	pattern := bytes.Repeat([]byte{0x7}, clusterSize)
	raw := buildQcow2(t, clusterSize, map[int][]byte{0: pattern}, 1)

	alpha, beta := "alpha", "beta"
	gbfFile := tempFile(t, 0)
	require.NoError(t, Encode(bytes.NewReader(raw), gbfFile, clusterSize, EncodeOptions{
		Name: "Secret", Password: &alpha, ClusterEncryption: true,
	}))

	dst := tempFile(t, clusterSize)
	_, err := gbfFile.Seek(0, 0)
	require.NoError(t, err)
	err = Decode(gbfFile, dst, DecodeOptions{Password: &beta})
	require.ErrorIs(t, err, ErrWrongPassword)
}

func TestEncodeDecodeWithPasswordRoundTrips(t *testing.T) {
	const clusterSize = 512
	pattern := bytes.Repeat([]byte{0x9}, clusterSize)
	raw := buildQcow2(t, clusterSize, map[int][]byte{0: pattern}, 1)

	pw := "correct horse battery staple"
	gbfFile := tempFile(t, 0)
	require.NoError(t, Encode(bytes.NewReader(raw), gbfFile, clusterSize, EncodeOptions{
		Name: "Encrypted", Password: &pw, ClusterEncryption: true,
	}))

	dst := tempFile(t, clusterSize)
	_, err := gbfFile.Seek(0, 0)
	require.NoError(t, err)
	require.NoError(t, Decode(gbfFile, dst, DecodeOptions{Password: &pw, VerifyDigest: true}))

	_, err = dst.Seek(0, 0)
	require.NoError(t, err)
	got := make([]byte, clusterSize)
	_, err = dst.Read(got)
	require.NoError(t, err)
	require.Equal(t, pattern, got)
}

func TestRekeyChangesPassword(t *testing.T) {
	const clusterSize = 512
	pattern := bytes.Repeat([]byte{0x1}, clusterSize)
	raw := buildQcow2(t, clusterSize, map[int][]byte{0: pattern}, 1)

	alpha, beta := "alpha", "beta"
	gbfFile := tempFile(t, 0)
	require.NoError(t, Encode(bytes.NewReader(raw), gbfFile, clusterSize, EncodeOptions{
		Name: "Rekey", Password: &alpha, ClusterEncryption: true,
	}))

	_, err := gbfFile.Seek(0, 0)
	require.NoError(t, err)
	require.NoError(t, Rekey(gbfFile, &alpha, &beta))

	dst := tempFile(t, clusterSize)
	_, err = gbfFile.Seek(0, 0)
	require.NoError(t, err)
	require.NoError(t, Decode(gbfFile, dst, DecodeOptions{Password: &beta}))

	_, err = dst.Seek(0, 0)
	require.NoError(t, err)
	got := make([]byte, clusterSize)
	_, err = dst.Read(got)
	require.NoError(t, err)
	require.Equal(t, pattern, got)

	_, err = gbfFile.Seek(0, 0)
	require.NoError(t, err)
	err = Decode(gbfFile, tempFile(t, clusterSize), DecodeOptions{Password: &alpha})
	require.ErrorIs(t, err, ErrWrongPassword)
}
