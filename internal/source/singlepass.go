// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package source

import (
	"fmt"
	"io"
	"sync"
)

// chunkSize is the retention granularity for SinglePass's buffering of
// non-seekable inputs.
const chunkSize = 4 * 1024 * 1024

// SinglePass wraps a non-seekable io.Reader (e.g. a pipe or an HTTP
// response body) and retains every byte read so far in fixed-size
// chunks, turning it into a ReadAtCloser: reads within the already
// buffered range succeed, reads beyond the underlying reader's current
// position transparently advance it and retain the new bytes, and
// reads that would require rewinding the origin past what has been
// retained fail.
type SinglePass struct {
	mu       sync.Mutex
	rd       io.Reader
	chunks   [][]byte // chunkSize byte chunks, last may be shorter
	size     int64    // bytes retained so far
	err      error    // sticky error from the underlying reader, if any
	closeFn  func() error
}

// NewSinglePass returns a SinglePass wrapper around rd. If rd
// implements io.Closer, closing the SinglePass closes rd.
func NewSinglePass(rd io.Reader) *SinglePass {
	sp := &SinglePass{rd: rd}
	if c, ok := rd.(io.Closer); ok {
		sp.closeFn = c.Close
	}
	return sp
}

// Clone implements Cloner. The clone shares the retained chunk list
// and the underlying reader (guarded by the shared mutex), since a
// genuinely independent second read position over an un-seekable
// source is impossible without duplicating the entire stream.
func (sp *SinglePass) Clone() (ReadAtCloser, error) {
	return sp, nil
}

// Close implements io.Closer.
func (sp *SinglePass) Close() error {
	if sp.closeFn != nil {
		return sp.closeFn()
	}
	return nil
}

// fill reads forward until at least upto bytes have been retained, or
// the underlying reader is exhausted/errors.
func (sp *SinglePass) fill(upto int64) error {
	for sp.size < upto {
		if sp.err != nil {
			return sp.err
		}
		var cur []byte
		if len(sp.chunks) > 0 {
			last := sp.chunks[len(sp.chunks)-1]
			if len(last) < chunkSize {
				cur = last
			}
		}
		if cur == nil {
			cur = make([]byte, 0, chunkSize)
			sp.chunks = append(sp.chunks, cur)
		}
		idx := len(sp.chunks) - 1
		room := chunkSize - len(sp.chunks[idx])
		buf := make([]byte, room)
		n, err := sp.rd.Read(buf)
		if n > 0 {
			sp.chunks[idx] = append(sp.chunks[idx], buf[:n]...)
			sp.size += int64(n)
		}
		if err != nil {
			sp.err = err
			if sp.size >= upto {
				return nil
			}
			return err
		}
	}
	return nil
}

// ReadAt implements io.ReaderAt. Ranges within the retained prefix are
// served from the chunk list; ranges extending past it trigger more
// reads from the underlying source.
func (sp *SinglePass) ReadAt(p []byte, off int64) (int, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("source: negative offset %d", off)
	}
	want := off + int64(len(p))
	if err := sp.fill(want); err != nil && sp.size < want {
		if err == io.EOF && sp.size > off {
			// Partial read up to EOF is legal for ReadAt only when it
			// also returns io.EOF; fall through to copy what we have.
		} else {
			return 0, err
		}
	}
	if off >= sp.size {
		return 0, io.EOF
	}
	n := 0
	remaining := p
	pos := off
	end := min64(want, sp.size)
	for pos < end {
		chunkIdx := pos / chunkSize
		chunkOff := pos % chunkSize
		chunk := sp.chunks[chunkIdx]
		avail := int64(len(chunk)) - chunkOff
		if avail <= 0 {
			break
		}
		take := avail
		if take > int64(len(remaining)) {
			take = int64(len(remaining))
		}
		copy(remaining[:take], chunk[chunkOff:chunkOff+take])
		remaining = remaining[take:]
		n += int(take)
		pos += take
	}
	if int64(off)+int64(n) < want {
		return n, io.EOF
	}
	return n, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
