// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package source adapts arbitrary file-like inputs to the compressed
// stream contract required by the decoder core: read, optional
// positional read, optional seek/size, and optional clone for
// concurrent workers.
package source

import (
	"fmt"
	"io"
)

// Reader is the minimum contract the core requires of a compressed
// input: sequential reads to end of file.
type Reader interface {
	io.Reader
}

// Sizer is implemented by readers that can report their total size
// cheaply.
type Sizer interface {
	Size() (int64, error)
}

// Cloner is implemented by readers that can produce an independent
// handle onto the same underlying data, safe for concurrent use from
// another goroutine.
type Cloner interface {
	Clone() (ReadAtCloser, error)
}

// ReadAtCloser is what a worker needs: positional reads plus a Close
// it owns exclusively.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// noopCloser adapts an io.ReaderAt that has no independent lifetime
// (e.g. a shared, already-open *os.File) into a ReadAtCloser whose
// Close is a no-op, since the original file owns the descriptor.
type noopCloser struct {
	io.ReaderAt
}

func (noopCloser) Close() error { return nil }

// Clone returns an independent positional reader over r's data. It
// prefers r's own Clone implementation; failing that, if r already
// implements io.ReaderAt, positional reads carry no mutable state so
// the same value can safely be shared across goroutines. Otherwise an
// error is returned: the caller must fall back to SinglePass (see
// singlepass.go), sharing one reader behind a mutex.
func Clone(r Reader) (ReadAtCloser, error) {
	if c, ok := r.(Cloner); ok {
		return c.Clone()
	}
	if ra, ok := r.(io.ReaderAt); ok {
		return noopCloser{ra}, nil
	}
	return nil, fmt.Errorf("source: %T is neither Cloner nor io.ReaderAt; wrap with SinglePass", r)
}

// Size reports the size of r if cheaply knowable.
func Size(r Reader) (int64, bool) {
	if s, ok := r.(Sizer); ok {
		if n, err := s.Size(); err == nil {
			return n, true
		}
	}
	return 0, false
}
