// Package errors defines the typed error categories surfaced by package mdoc.
//
// Every category wraps an underlying cause and carries a short machine title,
// mirroring the {title, details} error shape used elsewhere in this module
// family so callers can render a consistent error body regardless of which
// layer raised it.
package errors

import "fmt"

// Category classifies the stage of mdoc processing that failed.
type Category string

const (
	// CategoryParse marks malformed CBOR or a structurally invalid envelope.
	CategoryParse Category = "parse_error"
	// CategoryCrypto marks an invalid signature, MAC, or unsupported/mismatched key material.
	CategoryCrypto Category = "crypto_error"
	// CategoryTrust marks a certificate chain that does not build to a trust anchor.
	CategoryTrust Category = "trust_error"
	// CategoryIntegrity marks a value-digest mismatch for a disclosed item.
	CategoryIntegrity Category = "integrity_error"
	// CategoryValidity marks a document outside its validity window.
	CategoryValidity Category = "validity_error"
	// CategoryBuilder marks misuse of a builder (missing required step, conflicting options).
	CategoryBuilder Category = "builder_error"
)

// Error is the typed error returned by mdoc operations.
type Error struct {
	Category Category
	Title    string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Title, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Title)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

func newf(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Title: fmt.Sprintf(format, args...)}
}

func wrapf(cat Category, err error, format string, args ...any) *Error {
	return &Error{Category: cat, Title: fmt.Sprintf(format, args...), Err: err}
}

// Parse constructs a CategoryParse error.
func Parse(format string, args ...any) *Error { return newf(CategoryParse, format, args...) }

// ParseWrap constructs a CategoryParse error wrapping err.
func ParseWrap(err error, format string, args ...any) *Error {
	return wrapf(CategoryParse, err, format, args...)
}

// Crypto constructs a CategoryCrypto error.
func Crypto(format string, args ...any) *Error { return newf(CategoryCrypto, format, args...) }

// CryptoWrap constructs a CategoryCrypto error wrapping err.
func CryptoWrap(err error, format string, args ...any) *Error {
	return wrapf(CategoryCrypto, err, format, args...)
}

// Trust constructs a CategoryTrust error.
func Trust(format string, args ...any) *Error { return newf(CategoryTrust, format, args...) }

// TrustWrap constructs a CategoryTrust error wrapping err.
func TrustWrap(err error, format string, args ...any) *Error {
	return wrapf(CategoryTrust, err, format, args...)
}

// Integrity constructs a CategoryIntegrity error.
func Integrity(format string, args ...any) *Error { return newf(CategoryIntegrity, format, args...) }

// Validity constructs a CategoryValidity error.
func Validity(format string, args ...any) *Error { return newf(CategoryValidity, format, args...) }

// Builder constructs a CategoryBuilder error.
func Builder(format string, args ...any) *Error { return newf(CategoryBuilder, format, args...) }

// Is reports whether err carries the given category, walking wrapped causes.
func Is(err error, cat Category) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Category == cat {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
