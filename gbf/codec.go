// Package gbf implements the Goldboot Image Format: a random-access,
// cluster-based, compressed, optionally encrypted container, and the codec
// that converts a source QCOW2 into GBF and back out to a raw block
// device with differential writing.
package gbf

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/goldboot/goldboot/progress"
	"github.com/goldboot/goldboot/qcow2"
)

// EncodeOptions configures one QCOW2 → GBF encode.
type EncodeOptions struct {
	Name              string
	Password          *string // nil means HeaderEncryption = None
	ClusterEncryption bool
	Config            []byte // opaque recipe blob, persisted verbatim
	Progress          progress.Tracker
}

// Encode reads every allocated cluster of src (positioned at the start of
// a QCOW2 v3 stream) and writes a complete GBF file to dst.
func Encode(src io.ReadSeeker, dst io.WriteSeeker, virtualSize uint64, opts EncodeOptions) error {
	tracker := opts.Progress
	if tracker == nil {
		tracker = progress.Nop
	}

	reader, err := qcow2.NewReader(src)
	if err != nil {
		return fmt.Errorf("gbf: reading source qcow2: %w", err)
	}
	clusterCount := 0
	if err := reader.AllocatedClusters(func(qcow2.Cluster) error {
		clusterCount++
		return nil
	}); err != nil {
		return fmt.Errorf("gbf: counting allocated clusters: %w", err)
	}

	primary := &PrimaryHeader{
		Size:      virtualSize,
		Timestamp: uint64(time.Now().Unix()), //nolint:gosec // unix seconds fits uint64
		Name:      opts.Name,
	}
	if opts.Password != nil {
		primary.HeaderEncryption = EncryptionAes256Gcm
	}
	if err := fillRandom(primary.ProtectedNonce[:]); err != nil {
		return err
	}
	if err := fillRandom(primary.KDFSalt[:]); err != nil {
		return err
	}

	protected := &ProtectedHeader{
		BlockSize:    uint32(reader.Header.ClusterSize), //nolint:gosec // cluster size is small
		ClusterCount: uint32(clusterCount),               //nolint:gosec
		CompType:     CompressionZstd,
	}
	if opts.ClusterEncryption {
		protected.EncType = EncryptionAes256Gcm
	}
	if err := fillRandom(protected.ConfigNonce[:]); err != nil {
		return err
	}
	if err := fillRandom(protected.VaultNonce[:]); err != nil {
		return err
	}
	if err := fillRandom(protected.DigestNonce[:]); err != nil {
		return err
	}
	protected.ConfigSize = uint32(len(opts.Config)) //nolint:gosec

	var vault *Vault
	var clusterKey []byte
	if opts.ClusterEncryption {
		vault = &Vault{Nonces: make([][nonceSize]byte, clusterCount)}
		if err := fillRandom(vault.ClusterKey[:]); err != nil {
			return err
		}
		for i := range vault.Nonces {
			if err := fillRandom(vault.Nonces[i][:]); err != nil {
				return err
			}
		}
		clusterKey, err = clusterAESKey(vault.ClusterKey[:])
		if err != nil {
			return err
		}
	}

	// Layout: primary | protected(+tag) | config(+tag) | vault(+tag) | digest table(+tag if cluster-encrypted) | cluster records
	offset := int64(primaryHeaderSize)
	protectedOffset := offset
	offset += int64(sealedSize(protectedHeaderSize, primary.HeaderEncryption))
	configOffset := offset
	offset += int64(sealedSize(int(protected.ConfigSize), primary.HeaderEncryption))
	var vaultOffset int64
	if opts.ClusterEncryption {
		vaultOffset = offset
		offset += int64(sealedSize(vaultSize(clusterCount), primary.HeaderEncryption))
	}
	digestTableOffset := offset
	offset += int64(sealedSize(clusterCount*digestEntrySize, protected.EncType))
	clusterTableStart := offset

	// Reserve the header region with zeros so cluster writes can seek past it.
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("gbf: seeking dst: %w", err)
	}
	if _, err := dst.Write(make([]byte, clusterTableStart)); err != nil {
		return fmt.Errorf("%w: reserving header region: %v", ErrShortWrite, err) //nolint:errorlint
	}

	digests := make([]DigestEntry, 0, clusterCount)
	seenBlockOffsets := make(map[uint64]struct{}, clusterCount)

	zstdEncoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return fmt.Errorf("gbf: zstd encoder: %w", err)
	}
	defer zstdEncoder.Close() //nolint:errcheck

	clusterOffset := clusterTableStart
	idx := 0
	err = reader.AllocatedClusters(func(c qcow2.Cluster) error {
		if _, dup := seenBlockOffsets[c.BlockOffset]; dup {
			return fmt.Errorf("%w: duplicate block_offset %d", ErrMalformedSource, c.BlockOffset)
		}
		seenBlockOffsets[c.BlockOffset] = struct{}{}

		digest := sha256.Sum256(c.Data)

		payload := zstdEncoder.EncodeAll(c.Data, nil)
		if opts.ClusterEncryption {
			payload, err = seal(clusterKey, vault.Nonces[idx][:], payload)
			if err != nil {
				return err
			}
		}

		record := make([]byte, 4+len(payload))
		binary.BigEndian.PutUint32(record[0:4], uint32(len(payload))) //nolint:gosec
		copy(record[4:], payload)

		if _, err := dst.Seek(clusterOffset, io.SeekStart); err != nil {
			return fmt.Errorf("gbf: seeking cluster table: %w", err)
		}
		if _, err := dst.Write(record); err != nil {
			return fmt.Errorf("%w: writing cluster record: %v", ErrShortWrite, err) //nolint:errorlint
		}

		digests = append(digests, DigestEntry{
			ClusterOffset: uint64(clusterOffset),
			BlockOffset:   c.BlockOffset,
			Digest:        digest,
		})

		clusterOffset += int64(len(record))
		idx++
		tracker.OnEvent(Event{Phase: PhaseEncodeCluster, ClusterIndex: idx, ClusterTotal: clusterCount})
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := dst.Seek(digestTableOffset, io.SeekStart); err != nil {
		return fmt.Errorf("gbf: seeking digest table: %w", err)
	}
	digestBuf := &bytes.Buffer{}
	for _, d := range digests {
		digestBuf.Write(d.marshal())
	}
	digestBytes := digestBuf.Bytes()
	if opts.ClusterEncryption {
		digestBytes, err = seal(clusterKey, protected.DigestNonce[:], digestBytes)
		if err != nil {
			return err
		}
	}
	if _, err := dst.Write(digestBytes); err != nil {
		return fmt.Errorf("%w: writing digest table: %v", ErrShortWrite, err) //nolint:errorlint
	}

	var headerKey []byte
	if opts.Password != nil {
		headerKey = deriveKey(*opts.Password, primary.KDFSalt)
	}

	if opts.ClusterEncryption {
		vaultPlain := vault.marshal()
		vaultBytes := vaultPlain
		if headerKey != nil {
			vaultBytes, err = seal(headerKey, protected.VaultNonce[:], vaultPlain)
			if err != nil {
				return err
			}
		}
		if _, err := dst.Seek(vaultOffset, io.SeekStart); err != nil {
			return fmt.Errorf("gbf: seeking vault: %w", err)
		}
		if _, err := dst.Write(vaultBytes); err != nil {
			return fmt.Errorf("%w: writing vault: %v", ErrShortWrite, err) //nolint:errorlint
		}
	}

	configBytes := opts.Config
	if headerKey != nil {
		configBytes, err = seal(headerKey, protected.ConfigNonce[:], opts.Config)
		if err != nil {
			return err
		}
	}
	if _, err := dst.Seek(configOffset, io.SeekStart); err != nil {
		return fmt.Errorf("gbf: seeking config blob: %w", err)
	}
	if _, err := dst.Write(configBytes); err != nil {
		return fmt.Errorf("%w: writing config blob: %v", ErrShortWrite, err) //nolint:errorlint
	}

	protectedPlain := protected.marshal()
	protectedBytes := protectedPlain
	if headerKey != nil {
		protectedBytes, err = seal(headerKey, primary.ProtectedNonce[:], protectedPlain)
		if err != nil {
			return err
		}
	}
	if _, err := dst.Seek(protectedOffset, io.SeekStart); err != nil {
		return fmt.Errorf("gbf: seeking protected header: %w", err)
	}
	if _, err := dst.Write(protectedBytes); err != nil {
		return fmt.Errorf("%w: writing protected header: %v", ErrShortWrite, err) //nolint:errorlint
	}

	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("gbf: seeking primary header: %w", err)
	}
	if _, err := dst.Write(primary.marshal()); err != nil {
		return fmt.Errorf("%w: writing primary header: %v", ErrShortWrite, err) //nolint:errorlint
	}

	return nil
}

func sealedSize(plainSize int, enc EncryptionType) int {
	if enc == EncryptionAes256Gcm {
		return plainSize + gcmTagSize
	}
	return plainSize
}
