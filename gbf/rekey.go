package gbf

import (
	"fmt"
	"io"
)

// Rekey re-encrypts the protected header, config blob, and vault of an
// existing GBF file under a new password, with fresh nonces. The cluster
// table is never touched: it is encrypted (if at all) under the cluster
// key preserved inside the vault, which Rekey carries over unchanged.
//
// rw must be the GBF file opened for read+write; newPassword == nil selects
// a plaintext header region. Rekey never moves the digest table or the
// clusters, so when the new header encryption mode differs from the old
// one (turning encryption on or off changes the region's size) it returns
// an error before writing anything.
func Rekey(rw io.ReadWriteSeeker, oldPassword, newPassword *string) error {
	opened, err := Open(rw, oldPassword)
	if err != nil {
		return err
	}

	newPrimary := *opened.Primary
	if err := fillRandom(newPrimary.ProtectedNonce[:]); err != nil {
		return err
	}
	if err := fillRandom(newPrimary.KDFSalt[:]); err != nil {
		return err
	}
	if newPassword != nil {
		newPrimary.HeaderEncryption = EncryptionAes256Gcm
	} else {
		newPrimary.HeaderEncryption = EncryptionNone
	}

	var newKey []byte
	if newPassword != nil {
		newKey = deriveKey(*newPassword, newPrimary.KDFSalt)
	}

	newProtected := *opened.Protected
	if err := fillRandom(newProtected.ConfigNonce[:]); err != nil {
		return err
	}
	if err := fillRandom(newProtected.VaultNonce[:]); err != nil {
		return err
	}

	protectedPlain := newProtected.marshal()
	protectedBytes := protectedPlain
	if newKey != nil {
		protectedBytes, err = seal(newKey, newPrimary.ProtectedNonce[:], protectedPlain)
		if err != nil {
			return err
		}
	}

	configBytes := opened.Config
	if newKey != nil {
		configBytes, err = seal(newKey, newProtected.ConfigNonce[:], opened.Config)
		if err != nil {
			return err
		}
	}

	var vaultBytes []byte
	if opened.Vault != nil {
		vaultPlain := opened.Vault.marshal()
		vaultBytes = vaultPlain
		if newKey != nil {
			vaultBytes, err = seal(newKey, newProtected.VaultNonce[:], vaultPlain)
			if err != nil {
				return err
			}
		}
	}

	// All sections preserve their original on-disk size class (sealed vs
	// plain) only if encryption state didn't change; since header
	// encryption can flip on/off here, recompute offsets the same way
	// Encode does rather than reusing opened.digestTableOffset.
	offset := int64(primaryHeaderSize)
	protectedOffset := offset
	offset += int64(sealedSize(protectedHeaderSize, newPrimary.HeaderEncryption))
	configOffset := offset
	offset += int64(sealedSize(int(newProtected.ConfigSize), newPrimary.HeaderEncryption))
	var vaultOffset int64
	if opened.Vault != nil {
		vaultOffset = offset
		offset += int64(sealedSize(vaultSize(len(opened.Vault.Nonces)), newPrimary.HeaderEncryption))
	}
	newDigestTableOffset := offset

	if newDigestTableOffset != opened.digestTableOffset {
		return fmt.Errorf("gbf: rekey changed header region size (%d -> %d bytes); "+
			"cluster table would need to move, which rekey never does", opened.digestTableOffset, newDigestTableOffset)
	}

	if _, err := rw.Seek(protectedOffset, io.SeekStart); err != nil {
		return fmt.Errorf("gbf: seeking protected header: %w", err)
	}
	if _, err := rw.Write(protectedBytes); err != nil {
		return fmt.Errorf("%w: writing protected header: %v", ErrShortWrite, err) //nolint:errorlint
	}

	if _, err := rw.Seek(configOffset, io.SeekStart); err != nil {
		return fmt.Errorf("gbf: seeking config blob: %w", err)
	}
	if _, err := rw.Write(configBytes); err != nil {
		return fmt.Errorf("%w: writing config blob: %v", ErrShortWrite, err) //nolint:errorlint
	}

	if opened.Vault != nil {
		if _, err := rw.Seek(vaultOffset, io.SeekStart); err != nil {
			return fmt.Errorf("gbf: seeking vault: %w", err)
		}
		if _, err := rw.Write(vaultBytes); err != nil {
			return fmt.Errorf("%w: writing vault: %v", ErrShortWrite, err) //nolint:errorlint
		}
	}

	if _, err := rw.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("gbf: seeking primary header: %w", err)
	}
	if _, err := rw.Write(newPrimary.marshal()); err != nil {
		return fmt.Errorf("%w: writing primary header: %v", ErrShortWrite, err) //nolint:errorlint
	}
	return nil
}
