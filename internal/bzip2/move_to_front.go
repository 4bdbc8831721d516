// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bzip2

// moveToFrontDecoder implements a move-to-front list. Such a list is
// an efficient way to transform a string with repeating elements, but
// where the number of unique elements is small, into one with lots of
// leading zeros. This is ideal for the next step, a run-length
// encoding, and the two together are the major compression levers in
// bzip2.
//
// See http://en.wikipedia.org/wiki/Move-to-front_transform
type moveToFrontDecoder struct {
	// Rather than actually keep the list in memory, the symbols are
	// stored as a slice of bytes and each decode call walks along it
	// until it finds the indicated element, moving everything before
	// it up by one place, as the MTF transform requires.
	symbols []byte
}

// newMTFDecoder creates a move-to-front decoder with an initial
// symbol list given by symbols, which must be unique; the returned
// decoder retains symbols and reorders it in place.
func newMTFDecoder(symbols []byte) *moveToFrontDecoder {
	if len(symbols) > 256 {
		panic("too many symbols")
	}
	return &moveToFrontDecoder{symbols: symbols}
}

// newMTFDecoderWithRange creates a move-to-front decoder with an
// initial symbol list of 0...n-1, as used for decoding the list of
// Huffman tree selectors.
func newMTFDecoderWithRange(n int) *moveToFrontDecoder {
	if n > 256 {
		panic("newMTFDecoderWithRange: n too large")
	}
	m := &moveToFrontDecoder{symbols: make([]byte, n)}
	for i := 0; i < n; i++ {
		m.symbols[i] = byte(i)
	}
	return m
}

// First returns the symbol at the front of the list without mutating
// it, used when a run-length of zero needs to map to the current
// front element.
func (m *moveToFrontDecoder) First() byte {
	return m.symbols[0]
}

// Decode moves the i'th element in the list to the front and returns
// it.
func (m *moveToFrontDecoder) Decode(i int) (b byte) {
	// Implement move-to-front with a simple copy. This approach is
	// simple but is O(n) in the number of symbols, matching bzip2's
	// symbol alphabet being at most 256 entries, so the linear scan
	// never dominates decode time in practice.
	b = m.symbols[i]
	copy(m.symbols[1:i+1], m.symbols[0:i])
	m.symbols[0] = b
	return
}
