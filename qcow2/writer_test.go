package qcow2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type memFile struct {
	buf *bytes.Reader
	raw []byte
	pos int64
}

func newMemFile(size int) *memFile {
	return &memFile{raw: make([]byte, size)}
}

func (m *memFile) Write(p []byte) (int, error) {
	end := int(m.pos) + len(p)
	if end > len(m.raw) {
		grown := make([]byte, end)
		copy(grown, m.raw)
		m.raw = grown
	}
	copy(m.raw[m.pos:], p)
	m.pos += int64(len(p))
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		m.pos = offset
	case 1:
		m.pos += offset
	case 2:
		m.pos = int64(len(m.raw)) + offset
	}
	return m.pos, nil
}

func (m *memFile) Read(p []byte) (int, error) {
	n := copy(p, m.raw[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func TestWriterRoundTripsThroughReader(t *testing.T) {
	const clusterSize = 512
	w := NewWriter(uint64(10*clusterSize), clusterSize)

	clusterA := bytes.Repeat([]byte{0xAA}, clusterSize)
	clusterB := bytes.Repeat([]byte{0xBB}, clusterSize)
	require.NoError(t, w.Put(0, clusterA))
	require.NoError(t, w.Put(9*clusterSize, clusterB))

	f := newMemFile(0)
	require.NoError(t, w.WriteTo(f))

	f.pos = 0
	reader, err := NewReader(f)
	require.NoError(t, err)
	require.Equal(t, clusterSize, reader.Header.ClusterSize)
	require.Equal(t, uint64(10*clusterSize), reader.Header.VirtualSize)

	got := map[uint64][]byte{}
	require.NoError(t, reader.AllocatedClusters(func(c Cluster) error {
		got[c.BlockOffset] = c.Data
		return nil
	}))

	require.Len(t, got, 2)
	require.Equal(t, clusterA, got[0])
	require.Equal(t, clusterB, got[9*clusterSize])
}

func TestWriterRejectsWrongClusterLength(t *testing.T) {
	w := NewWriter(4096, 512) //nolint:mnd
	err := w.Put(0, make([]byte, 100))
	require.Error(t, err)
}
