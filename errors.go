package pe

import "github.com/pkg/errors"

var (
	// ErrNotPE marks inputs that fail the DOS or NT magic checks.
	ErrNotPE = errors.New("not a PE file")

	// ErrTruncated marks reads that ran past the end of the stream.
	ErrTruncated = errors.New("truncated PE file")

	// ErrUnsupportedOptionalHeader marks optional-header magics other than
	// PE32 and PE32+, and optional headers too small to carry one.
	ErrUnsupportedOptionalHeader = errors.New("unsupported optional header")

	// ErrUnsupportedCertType marks WIN_CERTIFICATE entries that do not wrap
	// PKCS#7 SignedData.
	ErrUnsupportedCertType = errors.New("unsupported certificate type")
)
