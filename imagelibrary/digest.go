package imagelibrary

import "strings"

// Digest identifies a built GBF image by the SHA-256 of the whole GBF
// file, in "algorithm:hex" form (e.g. "sha256:abcdef...").
type Digest string

// NewDigest prefixes a raw hex string with "sha256:".
func NewDigest(hex string) Digest {
	return Digest("sha256:" + hex)
}

// Hex strips the algorithm prefix.
func (d Digest) Hex() string {
	return strings.TrimPrefix(string(d), "sha256:")
}

func (d Digest) String() string {
	return string(d)
}
