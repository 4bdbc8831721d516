// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package blockfinder

import "github.com/mxmlnkn/rapidgzip/internal/bitstream"

// bzip2BlockMagic and bzip2EndMagic are bzip2's 48-bit compressed
// magic numbers (see internal/bzip2/bzip2.go), expressed as the 6
// bytes internal/bitstream.Init expects.
var (
	bzip2BlockMagic = [6]byte{0x31, 0x41, 0x59, 0x26, 0x53, 0x59}
	bzip2EndMagic   = [6]byte{0x17, 0x72, 0x45, 0x38, 0x50, 0x90}
)

// Bzip2Candidate is a bit offset at which a bzip2 block (or the
// end-of-stream marker) begins.
type Bzip2Candidate struct {
	OffsetBits int64
	EndOfBlock bool // true if this is the end-of-stream magic rather than a block start
}

// FindBzip2Blocks scans data (a contiguous, already-in-memory region
// of the archive — bzip2 archives are split by the caller into
// windows small enough to buffer, since internal/bitstream.Scan works
// over an in-memory slice) for block-start and end-of-stream magic
// numbers. The false-positive rate of a 48-bit magic is astronomically
// low (§4.E), so unlike DEFLATE no secondary filter is applied.
func FindBzip2Blocks(data []byte) []Bzip2Candidate {
	blockPretest, blockFirst, blockSecond := bitstream.Init(bzip2BlockMagic)
	endPretest, endFirst, endSecond := bitstream.Init(bzip2EndMagic)

	var out []Bzip2Candidate
	searched := data
	base := 0
	for {
		bPos, bBit := bitstream.Scan(blockPretest, blockFirst, blockSecond, searched)
		ePos, eBit := bitstream.Scan(endPretest, endFirst, endSecond, searched)

		switch {
		case bPos < 0 && ePos < 0:
			return out
		case ePos < 0 || (bPos >= 0 && bPos <= ePos):
			out = append(out, Bzip2Candidate{OffsetBits: int64(base+bPos)*8 + int64(bBit)})
			advance := bPos + 1
			searched = searched[advance:]
			base += advance
		default:
			out = append(out, Bzip2Candidate{OffsetBits: int64(base+ePos)*8 + int64(eBit), EndOfBlock: true})
			advance := ePos + 1
			searched = searched[advance:]
			base += advance
		}
	}
}
