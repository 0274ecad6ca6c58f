package gbf

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic identifies a GBF file: C0 1D B0 01.
var Magic = [4]byte{0xC0, 0x1D, 0xB0, 0x01}

const FormatVersion = 1

// EncryptionType selects the cipher protecting a section. Only one scheme
// is defined; the field exists so a future format revision can add one
// without breaking the wire layout.
type EncryptionType uint8

const (
	EncryptionNone       EncryptionType = 0
	EncryptionAes256Gcm  EncryptionType = 1
)

// CompressionType selects the cluster compression codec.
type CompressionType uint8

const (
	CompressionNone CompressionType = 0
	CompressionZstd CompressionType = 1
)

const (
	nameFieldSize   = 64
	nonceSize       = 12
	kdfSaltSize     = 16
	clusterKeySize  = 128
	gcmTagSize      = 16
	digestEntrySize = 8 + 8 + 32 // cluster_offset + block_offset + digest
)

// PrimaryHeader is always plaintext: offset 0 of the file.
type PrimaryHeader struct {
	Size             uint64
	Timestamp        uint64
	HeaderEncryption EncryptionType
	Name             string
	ProtectedNonce   [nonceSize]byte
	// KDFSalt seeds Argon2id for the password-derived header key. Generated
	// fresh per image; stored plaintext since a KDF salt need not be secret.
	KDFSalt [kdfSaltSize]byte
}

const primaryHeaderSize = 4 + 1 + 8 + 8 + 1 + nameFieldSize + nonceSize + kdfSaltSize

func (h *PrimaryHeader) marshal() []byte {
	buf := make([]byte, primaryHeaderSize)
	copy(buf[0:4], Magic[:])
	buf[4] = FormatVersion
	binary.BigEndian.PutUint64(buf[5:13], h.Size)
	binary.BigEndian.PutUint64(buf[13:21], h.Timestamp)
	buf[21] = byte(h.HeaderEncryption)
	nameBytes := []byte(h.Name)
	if len(nameBytes) > nameFieldSize {
		nameBytes = nameBytes[:nameFieldSize]
	}
	copy(buf[22:22+nameFieldSize], nameBytes)
	copy(buf[86:86+nonceSize], h.ProtectedNonce[:])
	copy(buf[98:98+kdfSaltSize], h.KDFSalt[:])
	return buf
}

func unmarshalPrimaryHeader(buf []byte) (*PrimaryHeader, error) {
	if len(buf) < primaryHeaderSize {
		return nil, fmt.Errorf("%w: primary header truncated", ErrShortRead)
	}
	if !bytes.Equal(buf[0:4], Magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedImage)
	}
	if buf[4] != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrMalformedImage, buf[4])
	}

	h := &PrimaryHeader{
		Size:             binary.BigEndian.Uint64(buf[5:13]),
		Timestamp:        binary.BigEndian.Uint64(buf[13:21]),
		HeaderEncryption: EncryptionType(buf[21]),
	}
	name := buf[22 : 22+nameFieldSize]
	h.Name = string(bytes.TrimRight(name, "\x00"))
	copy(h.ProtectedNonce[:], buf[86:86+nonceSize])
	copy(h.KDFSalt[:], buf[98:98+kdfSaltSize])

	switch h.HeaderEncryption {
	case EncryptionNone, EncryptionAes256Gcm:
	default:
		return nil, fmt.Errorf("%w: header encryption type %d", ErrUnknownEncryption, h.HeaderEncryption)
	}
	return h, nil
}

// ProtectedHeader follows the primary header, encrypted under the
// password-derived key when HeaderEncryption != None.
type ProtectedHeader struct {
	BlockSize    uint32
	ClusterCount uint32
	CompType     CompressionType
	EncType      EncryptionType // cluster encryption
	ConfigNonce  [nonceSize]byte
	ConfigSize   uint32
	VaultNonce   [nonceSize]byte
	// DigestNonce seals the digest table under the cluster key. Only
	// meaningful when EncType != EncryptionNone; zero-value otherwise.
	DigestNonce [nonceSize]byte
}

const protectedHeaderSize = 4 + 4 + 1 + 1 + nonceSize + 4 + nonceSize + nonceSize

func (h *ProtectedHeader) marshal() []byte {
	buf := make([]byte, protectedHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.BlockSize)
	binary.BigEndian.PutUint32(buf[4:8], h.ClusterCount)
	buf[8] = byte(h.CompType)
	buf[9] = byte(h.EncType)
	copy(buf[10:10+nonceSize], h.ConfigNonce[:])
	binary.BigEndian.PutUint32(buf[10+nonceSize:14+nonceSize], h.ConfigSize)
	copy(buf[14+nonceSize:14+2*nonceSize], h.VaultNonce[:])
	copy(buf[14+2*nonceSize:14+3*nonceSize], h.DigestNonce[:])
	return buf
}

func unmarshalProtectedHeader(buf []byte) (*ProtectedHeader, error) {
	if len(buf) < protectedHeaderSize {
		return nil, fmt.Errorf("%w: protected header truncated", ErrShortRead)
	}
	h := &ProtectedHeader{
		BlockSize:    binary.BigEndian.Uint32(buf[0:4]),
		ClusterCount: binary.BigEndian.Uint32(buf[4:8]),
		CompType:     CompressionType(buf[8]),
		EncType:      EncryptionType(buf[9]),
		ConfigSize:   binary.BigEndian.Uint32(buf[10+nonceSize : 14+nonceSize]),
	}
	copy(h.ConfigNonce[:], buf[10:10+nonceSize])
	copy(h.VaultNonce[:], buf[14+nonceSize:14+2*nonceSize])
	copy(h.DigestNonce[:], buf[14+2*nonceSize:14+3*nonceSize])

	switch h.CompType {
	case CompressionNone, CompressionZstd:
	default:
		return nil, fmt.Errorf("%w: cluster compression type %d", ErrUnknownCompression, h.CompType)
	}
	switch h.EncType {
	case EncryptionNone, EncryptionAes256Gcm:
	default:
		return nil, fmt.Errorf("%w: cluster encryption type %d", ErrUnknownEncryption, h.EncType)
	}
	return h, nil
}

// Vault holds the cluster key and per-cluster nonces. Present only when
// ProtectedHeader.EncType != EncryptionNone.
type Vault struct {
	ClusterKey [clusterKeySize]byte
	Nonces     [][nonceSize]byte
}

func (v *Vault) marshal() []byte {
	buf := make([]byte, clusterKeySize+4+len(v.Nonces)*nonceSize)
	copy(buf[0:clusterKeySize], v.ClusterKey[:])
	binary.BigEndian.PutUint32(buf[clusterKeySize:clusterKeySize+4], uint32(len(v.Nonces)))
	off := clusterKeySize + 4
	for _, n := range v.Nonces {
		copy(buf[off:off+nonceSize], n[:])
		off += nonceSize
	}
	return buf
}

func unmarshalVault(buf []byte) (*Vault, error) {
	if len(buf) < clusterKeySize+4 {
		return nil, fmt.Errorf("%w: vault truncated", ErrShortRead)
	}
	v := &Vault{}
	copy(v.ClusterKey[:], buf[0:clusterKeySize])
	count := binary.BigEndian.Uint32(buf[clusterKeySize : clusterKeySize+4])
	off := clusterKeySize + 4
	if len(buf) < off+int(count)*nonceSize {
		return nil, fmt.Errorf("%w: vault nonce list truncated", ErrShortRead)
	}
	v.Nonces = make([][nonceSize]byte, count)
	for i := range v.Nonces {
		copy(v.Nonces[i][:], buf[off:off+nonceSize])
		off += nonceSize
	}
	return v, nil
}

func vaultSize(nonceCount int) int {
	return clusterKeySize + 4 + nonceCount*nonceSize
}

// DigestEntry maps one cluster-table record to the block it decodes to.
// Fixed-width so the table can be parsed as a flat array once read. When
// cluster encryption is on the whole table is sealed as one AES-256-GCM
// blob (ProtectedHeader.DigestNonce); otherwise it's stored plaintext.
type DigestEntry struct {
	ClusterOffset uint64
	BlockOffset   uint64
	Digest        [32]byte
}

func (e *DigestEntry) marshal() []byte {
	buf := make([]byte, digestEntrySize)
	binary.BigEndian.PutUint64(buf[0:8], e.ClusterOffset)
	binary.BigEndian.PutUint64(buf[8:16], e.BlockOffset)
	copy(buf[16:48], e.Digest[:])
	return buf
}

func unmarshalDigestEntry(buf []byte) DigestEntry {
	var e DigestEntry
	e.ClusterOffset = binary.BigEndian.Uint64(buf[0:8])
	e.BlockOffset = binary.BigEndian.Uint64(buf[8:16])
	copy(e.Digest[:], buf[16:48])
	return e
}
