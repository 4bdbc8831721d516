// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package blockfinder

// StoredCandidate locates a DEFLATE stored block by the bit offset of
// its 3-bit BFINAL+BTYPE header; the LEN/~LEN pair starts at the next
// byte boundary after that header.
type StoredCandidate struct {
	HeaderBit int64 // bit offset of the BFINAL/BTYPE bits that precede LEN/~LEN
}

// FindStoredBlocks scans byte-aligned positions in [startByte, endByte)
// for the LEN/~LEN invariant (§4.E: "a separate linear scan for the
// LEN / ~LEN invariant preceded by 3+ zero padding bits"), since a
// stored block's header is only 3 bits (BFINAL=x, BTYPE=00) followed
// by 0-7 bits of zero padding up to the next byte boundary — far too
// short to filter the way the dynamic-header LUT does, so the
// invariant on LEN itself carries the discriminating power instead.
func FindStoredBlocks(src interface {
	ReadAt(p []byte, off int64) (int, error)
}, startByte, endByte int64) []StoredCandidate {
	var out []StoredCandidate
	var buf [4]byte
	for off := startByte; off+4 <= endByte; off++ {
		n, err := src.ReadAt(buf[:], off)
		if n < 4 {
			if err != nil {
				break
			}
			continue
		}
		length := int(buf[0]) | int(buf[1])<<8
		nlength := int(buf[2]) | int(buf[3])<<8
		if length != (^nlength)&0xffff {
			continue
		}
		// Confirm the byte immediately preceding LEN is consistent with
		// a 3-bit header plus zero padding: the header's 3 bits occupy
		// the low 3 bits of the prior byte read MSB-aligned-from-LSB,
		// and DEFLATE requires the remaining bits up to the byte
		// boundary to be zero.
		if off == 0 {
			continue
		}
		var prev [1]byte
		if _, err := src.ReadAt(prev[:], off-1); err != nil {
			continue
		}
		if prev[0]&0xf8 != 0 {
			continue
		}
		btype := (prev[0] >> 1) & 0x3
		if btype != 0 {
			continue
		}
		headerBit := (off-1)*8 + 0
		out = append(out, StoredCandidate{HeaderBit: headerBit})
	}
	return out
}
