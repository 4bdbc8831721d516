// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package huffman builds and decodes canonical Huffman codes for the
// DEFLATE alphabets: literal/length (286 symbols), distance (30
// symbols) and precode (19 symbols). The construction and decode loop
// follow Mark Adler's puff.c reference decoder's range-table approach
// (min code value and count per length, permutation array ranked by
// length then symbol). internal/bzip2/huffman.go solves the
// same problem with a binary tree plus 8-bit shortcut instead, which
// is kept as-is for bzip2's larger, run-length-augmented alphabet; the
// two are independent by design (see DESIGN.md).
package huffman

import "errors"

// MaxCodeLength is the longest canonical code DEFLATE allows.
const MaxCodeLength = 15

// ErrNotOptimal is returned when a set of code lengths does not form a
// complete (Kraft-optimal) canonical code: some codes would be
// ambiguous or some would be unreachable.
var ErrNotOptimal = errors.New("huffman: code lengths do not form a complete tree")

// ErrBadLength is returned when a length falls outside [0, MaxCodeLength].
var ErrBadLength = errors.New("huffman: code length out of range")

// Table is a built canonical Huffman decoder.
type Table struct {
	maxLen  int
	count   [MaxCodeLength + 1]int // number of codes of each length
	first   [MaxCodeLength + 1]int // minimum canonical code value at each length
	offset  [MaxCodeLength + 1]int // rank offset into permute for each length
	permute []uint16               // rank-ordered symbol table
}

// BitSource is anything that can hand the decoder one bit at a time,
// MSB-first within the code (the convention RFC 1951 uses when
// packing Huffman codes, independent of the underlying byte's bit
// ordering — see bitio.Reader.ReadBits(1)).
type BitSource interface {
	ReadBit() (bool, error)
}

// Build constructs a canonical Huffman table from a code-length vector.
// lengths[i] == 0 means symbol i is unused. maxLen bounds the lengths
// (15 for DEFLATE's literal/length and distance alphabets, 7 for its
// precode alphabet, though callers may pass a larger maxLen and rely
// on the lengths themselves being <= maxLen).
func Build(lengths []int, maxLen int) (*Table, error) {
	if maxLen > MaxCodeLength {
		maxLen = MaxCodeLength
	}
	t := &Table{maxLen: maxLen}
	for _, l := range lengths {
		if l < 0 || l > maxLen {
			return nil, ErrBadLength
		}
		t.count[l]++
	}
	t.count[0] = 0

	// Kraft-optimality: left is the number of unfilled leaves remaining
	// at each level of a depth-maxLen binary tree; it must reach
	// exactly zero once every length has been accounted for and must
	// never go negative (over-subscribed) nor stay positive forever
	// (incomplete).
	left := 1
	for l := 1; l <= maxLen; l++ {
		left <<= 1
		left -= t.count[l]
		if left < 0 {
			return nil, ErrNotOptimal
		}
	}
	if left != 0 {
		// A table with a single used symbol (e.g. one precode symbol)
		// is the degenerate-but-legal one-length-1-code case; anything
		// else with left > 0 is a genuinely incomplete code.
		used := 0
		for l := 1; l <= maxLen; l++ {
			used += t.count[l]
		}
		if used != 1 {
			return nil, ErrNotOptimal
		}
	}

	// offset[l] = rank of the first code of length l within permute.
	off := 0
	for l := 1; l <= maxLen; l++ {
		t.offset[l] = off
		off += t.count[l]
	}
	t.permute = make([]uint16, off)
	ranks := t.offset // copy to mutate while placing symbols
	for sym, l := range lengths {
		if l == 0 {
			continue
		}
		t.permute[ranks[l]] = uint16(sym)
		ranks[l]++
	}

	// first[l] = minimum canonical code value of length l.
	code := 0
	first := 0
	for l := 1; l <= maxLen; l++ {
		t.first[l] = first
		first += t.count[l]
		first <<= 1
		code <<= 1
		_ = code
	}
	return t, nil
}

// Decode reads bits from src until the accumulated code falls within a
// known length's range: min[len] <= code < min[len]+count[len].
func (t *Table) Decode(src BitSource) (int, error) {
	code, first, index := 0, 0, 0
	for l := 1; l <= t.maxLen; l++ {
		bit, err := src.ReadBit()
		if err != nil {
			return 0, err
		}
		if bit {
			code |= 1
		}
		count := t.count[l]
		if code-first < count {
			return int(t.permute[index+(code-first)]), nil
		}
		index += count
		first += count
		first <<= 1
		code <<= 1
	}
	return 0, errors.New("huffman: invalid code")
}
