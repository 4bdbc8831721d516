// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package gzipheader parses the RFC 1952 member framing (header and
// trailer) that surrounds each gzip member's raw DEFLATE payload, so
// internal/engine and the top-level Reader can locate where DEFLATE
// decoding should start and validate the trailing CRC32/ISIZE once it
// completes. Compression (the reverse direction) is out of scope.
package gzipheader

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/mxmlnkn/rapidgzip/internal/errs"
)

const (
	id1 = 0x1f
	id2 = 0x8b
	cmDeflate = 8

	flText    = 1 << 0
	flHCRC    = 1 << 1
	flExtra   = 1 << 2
	flName    = 1 << 3
	flComment = 1 << 4
)

// Header holds the fields of one gzip member header, per RFC 1952 §2.3.
type Header struct {
	ModTime  uint32
	XFL      byte
	OS       byte
	Name     string
	Comment  string
	HeaderCRC16 bool

	// DataStartByte is the byte offset, relative to the start of the
	// whole input, at which the raw DEFLATE stream begins.
	DataStartByte int64
}

// reader sequences positional reads from an io.ReaderAt starting at a
// fixed base offset, the way a plain io.Reader would, without needing
// the caller to track a cursor itself.
type reader struct {
	src io.ReaderAt
	pos int64
}

func (r *reader) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := r.src.ReadAt(buf[read:], r.pos+int64(read))
		read += m
		if err != nil {
			if err == io.EOF && read == n {
				break
			}
			return nil, err
		}
	}
	r.pos += int64(n)
	return buf, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ParseHeader reads one gzip member header starting at baseByte in
// src, returning the header fields and the byte offset of the raw
// DEFLATE data relative to the start of the whole src (not relative to
// baseByte), so the caller can feed it directly to bitio as a bit
// offset (*8).
func ParseHeader(src io.ReaderAt, baseByte int64) (*Header, error) {
	r := &reader{src: src, pos: baseByte}

	magic, err := r.read(2)
	if err != nil {
		return nil, errs.At("gzipheader", errs.Truncated, baseByte*8, err)
	}
	if magic[0] != id1 || magic[1] != id2 {
		return nil, errs.At("gzipheader", errs.Malformed, baseByte*8, fmt.Errorf("gzipheader: bad magic %x%x", magic[0], magic[1]))
	}
	cm, err := r.byte()
	if err != nil {
		return nil, errs.At("gzipheader", errs.Truncated, baseByte*8, err)
	}
	if cm != cmDeflate {
		return nil, errs.At("gzipheader", errs.Unsupported, baseByte*8, fmt.Errorf("gzipheader: unsupported compression method %d", cm))
	}
	flg, err := r.byte()
	if err != nil {
		return nil, errs.At("gzipheader", errs.Truncated, baseByte*8, err)
	}
	mtimeB, err := r.read(4)
	if err != nil {
		return nil, errs.At("gzipheader", errs.Truncated, baseByte*8, err)
	}
	xfl, err := r.byte()
	if err != nil {
		return nil, errs.At("gzipheader", errs.Truncated, baseByte*8, err)
	}
	os, err := r.byte()
	if err != nil {
		return nil, errs.At("gzipheader", errs.Truncated, baseByte*8, err)
	}

	h := &Header{
		ModTime: binary.LittleEndian.Uint32(mtimeB),
		XFL:     xfl,
		OS:      os,
	}

	if flg&flExtra != 0 {
		xlenB, err := r.read(2)
		if err != nil {
			return nil, errs.At("gzipheader", errs.Truncated, baseByte*8, err)
		}
		xlen := int(binary.LittleEndian.Uint16(xlenB))
		if _, err := r.read(xlen); err != nil {
			return nil, errs.At("gzipheader", errs.Truncated, baseByte*8, err)
		}
	}
	if flg&flName != 0 {
		name, err := readCString(r)
		if err != nil {
			return nil, errs.At("gzipheader", errs.Truncated, baseByte*8, err)
		}
		h.Name = name
	}
	if flg&flComment != 0 {
		comment, err := readCString(r)
		if err != nil {
			return nil, errs.At("gzipheader", errs.Truncated, baseByte*8, err)
		}
		h.Comment = comment
	}
	if flg&flHCRC != 0 {
		if _, err := r.read(2); err != nil {
			return nil, errs.At("gzipheader", errs.Truncated, baseByte*8, err)
		}
		h.HeaderCRC16 = true
	}

	h.DataStartByte = r.pos
	return h, nil
}

func readCString(r *reader) (string, error) {
	var out []byte
	for {
		b, err := r.byte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return string(out), nil
}

// Trailer is the 8-byte footer following every member's DEFLATE
// stream: the CRC32 of the uncompressed data and its size modulo 2^32.
type Trailer struct {
	CRC32 uint32
	ISIZE uint32
}

// ParseTrailer reads the 8-byte trailer at byte offset off in src.
func ParseTrailer(src io.ReaderAt, off int64) (*Trailer, error) {
	buf := make([]byte, 8)
	if _, err := readFull(src, buf, off); err != nil {
		return nil, errs.At("gzipheader", errs.Truncated, off*8, err)
	}
	return &Trailer{
		CRC32: binary.LittleEndian.Uint32(buf[0:4]),
		ISIZE: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

func readFull(src io.ReaderAt, buf []byte, off int64) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := src.ReadAt(buf[read:], off+int64(read))
		read += n
		if err != nil {
			if err == io.EOF && read == len(buf) {
				break
			}
			return read, err
		}
	}
	return read, nil
}

// Checksum accumulates the running CRC32 of the uncompressed bytes of
// one member, for comparison against its Trailer.CRC32 once decoding
// reaches BFINAL.
type Checksum struct {
	crc  uint32
	size uint32
}

// Write implements io.Writer, folding p into the running checksum.
func (c *Checksum) Write(p []byte) (int, error) {
	c.crc = crc32.Update(c.crc, crc32.IEEETable, p)
	c.size += uint32(len(p))
	return len(p), nil
}

// Verify reports whether the accumulated checksum matches t.
func (c *Checksum) Verify(t *Trailer) error {
	if c.crc != t.CRC32 {
		return errs.New("gzipheader", errs.Malformed, fmt.Errorf("gzipheader: CRC32 mismatch: got %#08x, want %#08x", c.crc, t.CRC32))
	}
	if c.size != t.ISIZE {
		return errs.New("gzipheader", errs.Malformed, fmt.Errorf("gzipheader: ISIZE mismatch: got %d, want %d", c.size, t.ISIZE))
	}
	return nil
}
