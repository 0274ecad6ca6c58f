package gbf

import "errors"

// Sentinel errors for the conditions callers need to branch on (e.g. a CLI
// re-prompting for a password). Wrapped with fmt.Errorf("...: %w", ...) at
// the call site so errors.Is still matches.
var (
	ErrMalformedImage    = errors.New("gbf: malformed image")
	ErrMalformedSource   = errors.New("gbf: malformed source")
	ErrUnknownCompression = errors.New("gbf: unknown compression type")
	ErrUnknownEncryption  = errors.New("gbf: unknown encryption type")
	ErrWrongPassword      = errors.New("gbf: wrong password")
	ErrDigestMismatch     = errors.New("gbf: digest mismatch")
	ErrShortRead          = errors.New("gbf: short read")
	ErrShortWrite         = errors.New("gbf: short write")
)
