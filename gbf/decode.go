package gbf

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/goldboot/goldboot/progress"
)

// DecodeOptions configures one GBF → raw decode.
type DecodeOptions struct {
	Password *string
	Progress progress.Tracker
	// VerifyDigest re-hashes every block it writes and fails with
	// ErrDigestMismatch on mismatch. Off by default since it doubles the
	// hashing work the encoder already did.
	VerifyDigest bool
}

// Opened is a parsed GBF file ready for Decode or Rekey, holding the
// decrypted header state. Read with Open; it keeps no reference to src.
type Opened struct {
	Primary   *PrimaryHeader
	Protected *ProtectedHeader
	Vault     *Vault // nil unless Protected.EncType != EncryptionNone
	Config    []byte

	headerKey         []byte // nil if unencrypted
	clusterKey        []byte // nil unless Protected.EncType != EncryptionNone
	digestTableOffset int64
}

// Open reads and decrypts every header section of src (the primary header,
// protected header, config blob, and vault), leaving the digest table and
// cluster records unread. A wrong password surfaces as ErrWrongPassword.
func Open(src io.ReadSeeker, password *string) (*Opened, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("gbf: seeking to start: %w", err)
	}
	primaryBuf := make([]byte, primaryHeaderSize)
	if _, err := io.ReadFull(src, primaryBuf); err != nil {
		return nil, fmt.Errorf("%w: reading primary header: %v", ErrShortRead, err) //nolint:errorlint
	}
	primary, err := unmarshalPrimaryHeader(primaryBuf)
	if err != nil {
		return nil, err
	}

	var headerKey []byte
	if primary.HeaderEncryption == EncryptionAes256Gcm {
		if password == nil {
			return nil, fmt.Errorf("%w: image requires a password", ErrWrongPassword)
		}
		headerKey = deriveKey(*password, primary.KDFSalt)
	}

	protectedBuf := make([]byte, sealedSize(protectedHeaderSize, primary.HeaderEncryption))
	if _, err := io.ReadFull(src, protectedBuf); err != nil {
		return nil, fmt.Errorf("%w: reading protected header: %v", ErrShortRead, err) //nolint:errorlint
	}
	if headerKey != nil {
		protectedBuf, err = open(headerKey, primary.ProtectedNonce[:], protectedBuf)
		if err != nil {
			return nil, err
		}
	}
	protected, err := unmarshalProtectedHeader(protectedBuf)
	if err != nil {
		return nil, err
	}

	configBuf := make([]byte, sealedSize(int(protected.ConfigSize), primary.HeaderEncryption))
	if _, err := io.ReadFull(src, configBuf); err != nil {
		return nil, fmt.Errorf("%w: reading config blob: %v", ErrShortRead, err) //nolint:errorlint
	}
	if headerKey != nil {
		configBuf, err = open(headerKey, protected.ConfigNonce[:], configBuf)
		if err != nil {
			return nil, err
		}
	}

	var vault *Vault
	var clusterKey []byte
	if protected.EncType == EncryptionAes256Gcm {
		vaultBuf := make([]byte, sealedSize(vaultSize(int(protected.ClusterCount)), primary.HeaderEncryption))
		if _, err := io.ReadFull(src, vaultBuf); err != nil {
			return nil, fmt.Errorf("%w: reading vault: %v", ErrShortRead, err) //nolint:errorlint
		}
		if headerKey != nil {
			vaultBuf, err = open(headerKey, protected.VaultNonce[:], vaultBuf)
			if err != nil {
				return nil, err
			}
		}
		vault, err = unmarshalVault(vaultBuf)
		if err != nil {
			return nil, err
		}
		clusterKey, err = clusterAESKey(vault.ClusterKey[:])
		if err != nil {
			return nil, err
		}
	}

	pos, err := src.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("gbf: locating digest table: %w", err)
	}

	return &Opened{
		Primary:           primary,
		Protected:         protected,
		Vault:             vault,
		Config:            configBuf,
		headerKey:         headerKey,
		clusterKey:        clusterKey,
		digestTableOffset: pos,
	}, nil
}

// DigestTable reads and returns the full digest table, decrypting it under
// the cluster key first when cluster encryption is on (ProtectedHeader's
// EncType, independent of header/password encryption).
func (o *Opened) DigestTable(src io.ReadSeeker) ([]DigestEntry, error) {
	if _, err := src.Seek(o.digestTableOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("gbf: seeking digest table: %w", err)
	}
	rawSize := int(o.Protected.ClusterCount) * digestEntrySize
	buf := make([]byte, sealedSize(rawSize, o.Protected.EncType))
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, fmt.Errorf("%w: reading digest table: %v", ErrShortRead, err) //nolint:errorlint
	}
	if o.Protected.EncType == EncryptionAes256Gcm {
		var err error
		buf, err = open(o.clusterKey, o.Protected.DigestNonce[:], buf)
		if err != nil {
			return nil, err
		}
	}

	entries := make([]DigestEntry, o.Protected.ClusterCount)
	for i := range entries {
		entries[i] = unmarshalDigestEntry(buf[i*digestEntrySize : (i+1)*digestEntrySize])
	}
	return entries, nil
}

// Decode writes the decoded content of src onto dst, skipping any block
// whose destination content already matches its digest-table entry
// (differential write). dst is extended to Primary.Size if shorter; blocks
// with no digest-table entry are never written (they are implicitly zero).
func Decode(src io.ReadSeeker, dst io.ReadWriteSeeker, opts DecodeOptions) error {
	tracker := opts.Progress
	if tracker == nil {
		tracker = progress.Nop
	}

	opened, err := Open(src, opts.Password)
	if err != nil {
		return err
	}

	if f, ok := dst.(interface{ Truncate(int64) error }); ok {
		if size, serr := currentSize(dst); serr == nil && size < int64(opened.Primary.Size) {
			if terr := f.Truncate(int64(opened.Primary.Size)); terr != nil {
				return fmt.Errorf("gbf: extending destination: %w", terr)
			}
		}
	}

	entries, err := opened.DigestTable(src)
	if err != nil {
		return err
	}

	blockSize := int(opened.Protected.BlockSize)
	zstdDecoder, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("gbf: zstd decoder: %w", err)
	}
	defer zstdDecoder.Close()

	block := make([]byte, blockSize)
	for i, e := range entries {
		if _, err := dst.Seek(int64(e.BlockOffset), io.SeekStart); err != nil {
			return fmt.Errorf("gbf: seeking destination block: %w", err)
		}
		n, rerr := io.ReadFull(dst, block)
		current := block[:n]
		if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF { //nolint:errorlint
			return fmt.Errorf("gbf: reading destination block: %w", rerr)
		}

		if n == blockSize && sha256.Sum256(current) == e.Digest {
			tracker.OnEvent(Event{Phase: PhaseDecodeCluster, ClusterIndex: i + 1, ClusterTotal: len(entries), Skipped: true})
			continue
		}

		plaintext, err := opened.readCluster(src, zstdDecoder, e, i)
		if err != nil {
			return err
		}
		if opts.VerifyDigest {
			if sha256.Sum256(plaintext) != e.Digest {
				return fmt.Errorf("%w: block at offset %d", ErrDigestMismatch, e.BlockOffset)
			}
		}

		if _, err := dst.Seek(int64(e.BlockOffset), io.SeekStart); err != nil {
			return fmt.Errorf("gbf: seeking destination block: %w", err)
		}
		if _, err := dst.Write(plaintext); err != nil {
			return fmt.Errorf("%w: writing destination block: %v", ErrShortWrite, err) //nolint:errorlint
		}
		tracker.OnEvent(Event{Phase: PhaseDecodeCluster, ClusterIndex: i + 1, ClusterTotal: len(entries)})
	}
	return nil
}

// nonceIndex is the cluster's position in the on-disk digest table, which
// the encoder guarantees equals the order cluster nonces were generated in
// (both are assigned in the same §4.A traversal). Decode relies on this to
// locate the right nonce in the vault without a per-cluster nonce pointer
// in the wire format.
func (o *Opened) readCluster(src io.ReadSeeker, zstdDecoder *zstd.Decoder, e DigestEntry, nonceIndex int) ([]byte, error) {
	if _, err := src.Seek(int64(e.ClusterOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("gbf: seeking cluster record: %w", err)
	}
	sizeBuf := make([]byte, 4)
	if _, err := io.ReadFull(src, sizeBuf); err != nil {
		return nil, fmt.Errorf("%w: reading cluster record size: %v", ErrShortRead, err) //nolint:errorlint
	}
	size := binary.BigEndian.Uint32(sizeBuf)
	payload := make([]byte, size)
	if _, err := io.ReadFull(src, payload); err != nil {
		return nil, fmt.Errorf("%w: reading cluster record body: %v", ErrShortRead, err) //nolint:errorlint
	}

	if o.Protected.EncType == EncryptionAes256Gcm {
		var err error
		payload, err = open(o.clusterKey, o.Vault.Nonces[nonceIndex][:], payload)
		if err != nil {
			return nil, err
		}
	}

	switch o.Protected.CompType {
	case CompressionZstd:
		plain, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, o.Protected.BlockSize))
		if err != nil {
			return nil, fmt.Errorf("gbf: zstd decode: %w", err)
		}
		if len(plain) != int(o.Protected.BlockSize) {
			return nil, fmt.Errorf("%w: decompressed cluster length %d != block_size %d",
				ErrMalformedImage, len(plain), o.Protected.BlockSize)
		}
		return plain, nil
	case CompressionNone:
		return payload, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, o.Protected.CompType)
	}
}

func currentSize(s io.Seeker) (int64, error) {
	cur, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := s.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}
