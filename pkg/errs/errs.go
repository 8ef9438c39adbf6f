// Package errs defines the error kinds surfaced by the PDB synthesis pipeline.
//
// Every kind wraps an optional cause and can be matched with errors.As.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ParseError reports a malformed map file line.
type ParseError struct {
	Line   int    // 1-based line number
	Text   string // Offending line, trimmed
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Reason, e.Text)
}

// NewParseError returns a ParseError for the given line.
func NewParseError(line int, text, reason string) error {
	return errors.WithStack(&ParseError{Line: line, Text: text, Reason: reason})
}

// UnsupportedFormatError reports an input binary that is not a PE image.
type UnsupportedFormatError struct {
	Path string
	Err  error
}

func (e *UnsupportedFormatError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: unsupported binary format", e.Path)
	}
	return fmt.Sprintf("%s: unsupported binary format: %v", e.Path, e.Err)
}

func (e *UnsupportedFormatError) Unwrap() error { return e.Err }

// NewUnsupportedFormatError returns an UnsupportedFormatError for path.
func NewUnsupportedFormatError(path string, cause error) error {
	return errors.WithStack(&UnsupportedFormatError{Path: path, Err: cause})
}

// AddressOutOfRangeError reports an address that no section contains.
type AddressOutOfRangeError struct {
	Address uint64
}

func (e *AddressOutOfRangeError) Error() string {
	return fmt.Sprintf("address 0x%x is not inside any section", e.Address)
}

// NewAddressOutOfRangeError returns an AddressOutOfRangeError for addr.
func NewAddressOutOfRangeError(addr uint64) error {
	return errors.WithStack(&AddressOutOfRangeError{Address: addr})
}

// StateError reports misuse of a builder API, such as initializing twice or
// mutating after commit.
type StateError struct {
	Op     string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// NewStateError returns a StateError for op.
func NewStateError(op, reason string) error {
	return errors.WithStack(&StateError{Op: op, Reason: reason})
}

// IOError reports a failed file open, read or write.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError returns an IOError wrapping cause.
func NewIOError(op, path string, cause error) error {
	return errors.WithStack(&IOError{Op: op, Path: path, Err: cause})
}
