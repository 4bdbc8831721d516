// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package bitio provides a random-access, bit-level view over a
// positional byte source, in both bit orderings the supported stream
// formats require: MSB-first (bzip2) and LSB-first (DEFLATE). It
// generalizes the per-format bit readers in internal/bzip2/bit_reader.go
// and the LSB refill/shift approach used by dsnet-compress's flate
// bitReader (see DESIGN.md).
package bitio

import (
	"errors"
	"io"
)

// Order selects which end of each byte is consumed first.
type Order int

const (
	// LSB consumes the low bit of each byte first (DEFLATE, RFC 1951
	// §3.1.1): multi-bit fields are assembled by shifting each new bit
	// into higher positions as they're read.
	LSB Order = iota
	// MSB consumes the high bit of each byte first (bzip2): multi-bit
	// fields are assembled by shifting the accumulator left.
	MSB
)

// ErrUnexpectedEOF is returned when a read would consume past the end
// of the source.
var ErrUnexpectedEOF = io.ErrUnexpectedEOF

const refillChunk = 4096

// Reader is a bit-level cursor over an io.ReaderAt. It is never shared
// between goroutines: each worker constructs its own Reader over a
// cloned/positional source.
type Reader struct {
	src   io.ReaderAt
	order Order
	size  int64 // total size in bytes, -1 if unknown
	eof   bool  // not set by any method; EOF() is computed from size

	buf   []byte // refill buffer
	bufAt int64  // byte offset of buf[0] in src
	bufN  int    // valid bytes in buf

	bitPos int64 // next bit to deliver, absolute from file start
}

// New returns a Reader over src using the given bit ordering. size, if
// known (e.g. from a Sizer), enables EOF detection without an extra
// failed read; pass -1 if unknown.
func New(src io.ReaderAt, order Order, size int64) *Reader {
	return &Reader{src: src, order: order, size: size, buf: make([]byte, refillChunk)}
}

// Tell returns the current bit position.
func (r *Reader) Tell() int64 { return r.bitPos }

// Seek moves the cursor to an absolute bit position.
func (r *Reader) Seek(bitPos int64) {
	r.bitPos = bitPos
	r.bufN = 0 // force refill from the new position
}

// EOF reports whether the cursor has reached a known end of stream.
func (r *Reader) EOF() bool {
	if r.size < 0 {
		return false
	}
	return r.bitPos >= r.size*8
}

// byteAt returns the byte containing the given absolute bit position,
// refilling the internal buffer as needed.
func (r *Reader) byteAt(bitPos int64) (byte, error) {
	byteOff := bitPos / 8
	if r.bufN == 0 || byteOff < r.bufAt || byteOff >= r.bufAt+int64(r.bufN) {
		n, err := r.src.ReadAt(r.buf, byteOff)
		if n == 0 && err != nil && err != io.EOF {
			return 0, err
		}
		if n == 0 {
			return 0, ErrUnexpectedEOF
		}
		r.bufAt = byteOff
		r.bufN = n
	}
	idx := byteOff - r.bufAt
	if idx < 0 || idx >= int64(r.bufN) {
		return 0, ErrUnexpectedEOF
	}
	return r.buf[idx], nil
}

// ReadBits consumes the next n bits (0 <= n <= 57) and returns them
// right-aligned in a uint64.
func (r *Reader) ReadBits(n uint) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	if n > 57 {
		return 0, errors.New("bitio: ReadBits supports at most 57 bits per call")
	}
	var out uint64
	switch r.order {
	case LSB:
		for i := uint(0); i < n; i++ {
			bit, err := r.readBitLSB()
			if err != nil {
				return 0, err
			}
			out |= bit << i
		}
	default: // MSB
		for i := uint(0); i < n; i++ {
			bit, err := r.readBitMSB()
			if err != nil {
				return 0, err
			}
			out = (out << 1) | bit
		}
	}
	return out, nil
}

func (r *Reader) readBitLSB() (uint64, error) {
	b, err := r.byteAt(r.bitPos)
	if err != nil {
		return 0, err
	}
	shift := uint(r.bitPos % 8)
	bit := (b >> shift) & 1
	r.bitPos++
	return uint64(bit), nil
}

func (r *Reader) readBitMSB() (uint64, error) {
	b, err := r.byteAt(r.bitPos)
	if err != nil {
		return 0, err
	}
	shift := 7 - uint(r.bitPos%8)
	bit := (b >> shift) & 1
	r.bitPos++
	return uint64(bit), nil
}

// PeekBits returns the next n bits without consuming them.
func (r *Reader) PeekBits(n uint) (uint64, error) {
	save := r.bitPos
	v, err := r.ReadBits(n)
	r.bitPos = save
	return v, err
}

// ReadBit consumes a single bit.
func (r *Reader) ReadBit() (bool, error) {
	v, err := r.ReadBits(1)
	return v != 0, err
}

// AlignByte discards bits up to the next byte boundary, as required
// before a DEFLATE stored block.
func (r *Reader) AlignByte() {
	if rem := r.bitPos % 8; rem != 0 {
		r.bitPos += 8 - rem
	}
}

// ReadBytes reads n literal, byte-aligned bytes (the cursor must
// already be byte-aligned).
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if r.bitPos%8 != 0 {
		return nil, errors.New("bitio: ReadBytes called off a byte boundary")
	}
	out := make([]byte, n)
	off := r.bitPos / 8
	read := 0
	for read < n {
		m, err := r.src.ReadAt(out[read:], off+int64(read))
		read += m
		if err != nil {
			if err == io.EOF && read == n {
				break
			}
			if read < n {
				return nil, ErrUnexpectedEOF
			}
		}
	}
	r.bitPos += int64(n) * 8
	return out, nil
}
