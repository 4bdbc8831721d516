// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package index reads and writes the on-disk checkpoint index that
// lets a Reader seek without decoding everything before the target
// offset. The canonical binary layout is grounded on
// original_source/src/rapidgzip/IndexFileFormat.hpp's GZIDX format
// (itself compatible with indexed_gzip's zran_export_index):
//
//	00  "GZIDX"    5 bytes, file magic
//	05  \x01       file format version
//	06  \x00       flags (unused)
//	07  uint64     compressed size in bytes
//	15  uint64     uncompressed size in bytes
//	23  uint32     checkpoint spacing hint (uncompressed bytes)
//	27  uint32     window size in bytes
//	31  uint32     number of checkpoints
//	35  ...        checkpoints, each:
//	     uint64    compressed offset, rounded down to a byte (bits = offset*8 + bitOffset)
//	     uint64    uncompressed offset in bytes
//	     uint8     sub-byte bit offset (0-7)
//	     uint8     1 if this checkpoint carries window data, else 0
//	...            window data for checkpoints with the flag set, windowSize bytes each
//
// Legacy shapes (samtools .gzi, BGZF virtual-offset tables) carry no
// windows at all, because every BGZF block boundary is also a fresh
// DEFLATE stream reset; they are supported for import only (§4.H,
// §12.6), represented the same way but with Window always nil.
package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mxmlnkn/rapidgzip/internal/errs"
)

const (
	magic          = "GZIDX"
	fileVersion    = 1
	defaultWindowB = 32768
)

// Checkpoint anchors one point in the compressed stream to the
// corresponding uncompressed byte offset, optionally with the 32 KiB
// of decoded bytes immediately preceding it.
type Checkpoint struct {
	CompressedOffsetBits   int64
	UncompressedOffsetByte int64
	Window                 []byte // nil if this checkpoint carries no window (stream start, or a legacy import)
}

// Index is the in-memory form of an imported or about-to-be-exported
// index.
type Index struct {
	CompressedSize   int64
	UncompressedSize int64
	CheckpointSpacing uint32
	WindowSize        uint32
	Checkpoints       []Checkpoint
}

// Export serializes idx in the canonical GZIDX shape.
func Export(w io.Writer, idx *Index) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magic); err != nil {
		return errs.New("index", errs.IO, err)
	}
	if err := bw.WriteByte(fileVersion); err != nil {
		return errs.New("index", errs.IO, err)
	}
	if err := bw.WriteByte(0); err != nil {
		return errs.New("index", errs.IO, err)
	}
	var hdr [4 + 8 + 8]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(idx.CompressedSize))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(idx.UncompressedSize))
	binary.LittleEndian.PutUint32(hdr[16:20], idx.CheckpointSpacing)
	windowSize := idx.WindowSize
	if windowSize == 0 {
		windowSize = defaultWindowB
	}
	var wsz [4]byte
	binary.LittleEndian.PutUint32(wsz[:], windowSize)
	if _, err := bw.Write(hdr[:20]); err != nil {
		return errs.New("index", errs.IO, err)
	}
	if _, err := bw.Write(wsz[:]); err != nil {
		return errs.New("index", errs.IO, err)
	}
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(idx.Checkpoints)))
	if _, err := bw.Write(n[:]); err != nil {
		return errs.New("index", errs.IO, err)
	}

	for _, cp := range idx.Checkpoints {
		byteOff := cp.CompressedOffsetBits / 8
		bitRem := uint8(cp.CompressedOffsetBits % 8)
		var rec [18]byte
		binary.LittleEndian.PutUint64(rec[0:8], uint64(byteOff))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(cp.UncompressedOffsetByte))
		rec[16] = bitRem
		if len(cp.Window) > 0 {
			rec[17] = 1
		}
		if _, err := bw.Write(rec[:]); err != nil {
			return errs.New("index", errs.IO, err)
		}
	}
	for _, cp := range idx.Checkpoints {
		if len(cp.Window) == 0 {
			continue
		}
		if _, err := bw.Write(cp.Window); err != nil {
			return errs.New("index", errs.IO, err)
		}
	}
	return bw.Flush()
}

// Import reads a canonical GZIDX index.
func Import(r io.Reader) (*Index, error) {
	br := bufio.NewReader(r)
	var m [5]byte
	if _, err := io.ReadFull(br, m[:]); err != nil {
		return nil, errs.At("index", errs.Truncated, 0, err)
	}
	if string(m[:]) != magic {
		return nil, errs.At("index", errs.Malformed, 0, fmt.Errorf("bad magic %q", m))
	}
	var vf [2]byte
	if _, err := io.ReadFull(br, vf[:]); err != nil {
		return nil, errs.At("index", errs.Truncated, 5, err)
	}
	var hdr [24]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, errs.At("index", errs.Truncated, 7, err)
	}
	idx := &Index{
		CompressedSize:    int64(binary.LittleEndian.Uint64(hdr[0:8])),
		UncompressedSize:  int64(binary.LittleEndian.Uint64(hdr[8:16])),
		CheckpointSpacing: binary.LittleEndian.Uint32(hdr[16:20]),
		WindowSize:        binary.LittleEndian.Uint32(hdr[20:24]),
	}
	var nb [4]byte
	if _, err := io.ReadFull(br, nb[:]); err != nil {
		return nil, errs.At("index", errs.Truncated, 31, err)
	}
	n := binary.LittleEndian.Uint32(nb[:])
	idx.Checkpoints = make([]Checkpoint, n)
	hasWindow := make([]bool, n)
	for i := uint32(0); i < n; i++ {
		var rec [18]byte
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			return nil, errs.At("index", errs.Truncated, int64(35+18*i), err)
		}
		byteOff := int64(binary.LittleEndian.Uint64(rec[0:8]))
		bitRem := rec[16]
		idx.Checkpoints[i] = Checkpoint{
			CompressedOffsetBits:   byteOff*8 + int64(bitRem),
			UncompressedOffsetByte: int64(binary.LittleEndian.Uint64(rec[8:16])),
		}
		hasWindow[i] = rec[17] != 0
	}
	windowSize := int(idx.WindowSize)
	if windowSize == 0 {
		windowSize = defaultWindowB
	}
	for i := uint32(0); i < n; i++ {
		if !hasWindow[i] {
			continue
		}
		win := make([]byte, windowSize)
		if _, err := io.ReadFull(br, win); err != nil {
			return nil, errs.At("index", errs.Truncated, -1, err)
		}
		idx.Checkpoints[i].Window = win
	}
	return idx, nil
}

// ValidateAgainst checks idx's recorded sizes against the archive it
// is about to be applied to: an imported index must match the archive
// it is applied to.
func ValidateAgainst(idx *Index, compressedSize int64) error {
	if idx.CompressedSize >= 0 && compressedSize >= 0 && idx.CompressedSize != compressedSize {
		return errs.New("index", errs.IndexMismatch,
			fmt.Errorf("index was built for a %d byte archive, got %d bytes", idx.CompressedSize, compressedSize))
	}
	return nil
}

// FromBGZI constructs a windowless Index from a legacy samtools .gzi
// table: compressed/uncompressed offset pairs, one per BGZF block
// boundary (§4.H, §12.6). No window is needed because every BGZF
// block independently resets its DEFLATE stream.
func FromBGZI(pairs [][2]int64, compressedSize, uncompressedSize int64) *Index {
	idx := &Index{
		CompressedSize:   compressedSize,
		UncompressedSize: uncompressedSize,
		WindowSize:       defaultWindowB,
	}
	idx.Checkpoints = make([]Checkpoint, len(pairs))
	for i, p := range pairs {
		idx.Checkpoints[i] = Checkpoint{CompressedOffsetBits: p[0] * 8, UncompressedOffsetByte: p[1]}
	}
	return idx
}
