// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package errs defines the single sum-type error value used across the
// decoder: every failure, from a malformed Huffman table to an index
// checkpoint that doesn't match its archive, reports as a *Error
// carrying a Kind a caller can switch on with errors.As, rather than
// as one of many ad-hoc sentinel or string-typed errors per package
// (the style internal/bzip2/bzip2.go's StructuralError uses, unified
// here above rather than replaced within internal/bzip2 itself).
package errs

import (
	"fmt"
)

// Kind classifies an Error for programmatic handling.
type Kind int

const (
	// Unknown is the zero value and should not be constructed directly.
	Unknown Kind = iota
	// Truncated indicates the underlying source ended before a block,
	// stream, or index structure was fully readable.
	Truncated
	// Malformed indicates bytes were present but violate the format
	// (bad magic, non-optimal Huffman tree, CRC mismatch, and so on).
	Malformed
	// Unsupported indicates well-formed input using a feature this
	// decoder does not implement (e.g. randomized bzip2 blocks).
	Unsupported
	// IndexMismatch indicates an imported index's checkpoints disagree
	// with the archive it is being applied to.
	IndexMismatch
	// IO wraps a failure from the underlying source (os.File, network
	// reader, and so on) that is not itself a format violation.
	IO
)

func (k Kind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case Malformed:
		return "malformed"
	case Unsupported:
		return "unsupported"
	case IndexMismatch:
		return "index mismatch"
	case IO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the decoder's single error type. Component adjectives
// (bzip2 block decode, DEFLATE block decode, block finder, index
// import) are carried in the Component field rather than via distinct
// Go types, so callers can match on Kind regardless of which stage of
// the pipeline produced it.
type Error struct {
	Kind      Kind
	Component string // e.g. "bzip2", "deflate", "blockfinder", "index"
	Offset    int64  // byte or bit offset into the source, -1 if not applicable
	Err       error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Offset >= 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s at offset %d: %v", e.Component, e.Kind, e.Offset, e.Err)
		}
		return fmt.Sprintf("%s: %s at offset %d", e.Component, e.Kind, e.Offset)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with no offset information.
func New(component string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Component: component, Offset: -1, Err: err}
}

// At constructs an Error anchored to a specific offset (bits for
// bitio-level failures, bytes for source/index failures).
func At(component string, kind Kind, offset int64, err error) *Error {
	return &Error{Kind: kind, Component: component, Offset: offset, Err: err}
}

// Is reports whether err is an *Error of the given Kind, unwrapping as
// needed. It exists so call sites can write errs.Is(err, errs.Truncated)
// instead of a type assertion followed by a field comparison.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
