// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package blockfinder locates plausible block starts in a compressed
// stream at bit granularity, so the chunk fetcher can split a stream
// into independently decodable chunks without first decoding it
// serially. It reuses the 48-bit magic scanner (internal/bitstream) for
// bzip2 and adds a three-filter cascade for DEFLATE dynamic-Huffman
// blocks that has no bzip2 analogue, since DEFLATE carries no block
// magic at all.
package blockfinder

import (
	"github.com/mxmlnkn/rapidgzip/internal/bitio"
	"github.com/mxmlnkn/rapidgzip/internal/deflate"
	"github.com/mxmlnkn/rapidgzip/internal/huffman"
)

// headerLUT13 is filter 1 of §4.E: a precomputed table over the next
// 13 bits (BFINAL, BTYPE, HLIT and HDIST) that rejects a candidate
// outright when its first three bits are not "BFINAL=0, BTYPE=10" —
// 7 in 8 (87.5%) of random bit offsets, a cheap LUT eliminating most
// positions before any Huffman-table work happens.
var headerLUT13 [1 << 13]bool

func init() {
	for v := 0; v < len(headerLUT13); v++ {
		bfinal := v & 1
		btype := (v >> 1) & 0x3
		headerLUT13[v] = bfinal == 0 && btype == 2
	}
}

// DeflateCandidate is a bit offset at which a dynamic-Huffman DEFLATE
// block plausibly begins, confirmed through all three filters.
type DeflateCandidate struct {
	OffsetBits int64
}

// FindDeflateCandidates scans [startBit, endBit) for dynamic-Huffman
// block starts. Non-final, non-stored, dynamic blocks only (§4.E):
// stored blocks are found separately by FindStoredBlocks, and final
// blocks are never indexed because no parallelism is gained from
// indexing the last chunk of a stream.
func FindDeflateCandidates(src interface {
	ReadAt(p []byte, off int64) (int, error)
}, startBit, endBit int64) []DeflateCandidate {
	var out []DeflateCandidate
	for bit := startBit; bit < endBit; bit++ {
		br := bitio.New(src, bitio.LSB, -1)
		br.Seek(bit)
		v, err := br.PeekBits(13)
		if err != nil {
			break
		}
		if !headerLUT13[v] {
			continue
		}

		// Filter 1 passed; consume BFINAL+BTYPE and run filter 2+3.
		probe := bitio.New(src, bitio.LSB, -1)
		probe.Seek(bit)
		if _, err := probe.ReadBits(3); err != nil {
			continue
		}
		if !precodeHistogramPlausible(probe) {
			continue
		}
		probe.Seek(bit + 3)
		if err := deflate.ProbeDynamicHeader(probe); err != nil {
			continue
		}
		out = append(out, DeflateCandidate{OffsetBits: bit})
	}
	return out
}

// precodeHistogramPlausible is filter 2 of §4.E: it parses the HCLEN
// precode code-length bits that would immediately follow a
// BFINAL=0/BTYPE=10 header and checks they form a Kraft-optimal code,
// without yet decoding the (potentially large) literal/length and
// distance code-length streams that filter 3 requires. This reuses
// internal/huffman's own optimality check rather than a separately
// maintained histogram LUT, since the check is identical either way:
// a non-optimal precode can never yield a valid header.
func precodeHistogramPlausible(br *bitio.Reader) bool {
	start := br.Tell()
	defer br.Seek(start)

	if _, err := br.ReadBits(5); err != nil { // HLIT
		return false
	}
	if _, err := br.ReadBits(5); err != nil { // HDIST
		return false
	}
	hclenV, err := br.ReadBits(4)
	if err != nil {
		return false
	}
	hclen := int(hclenV) + 4

	lengths := make([]int, 19)
	order := [19]int{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}
	for i := 0; i < hclen; i++ {
		v, err := br.ReadBits(3)
		if err != nil {
			return false
		}
		lengths[order[i]] = int(v)
	}
	_, buildErr := huffman.Build(lengths, 7)
	return buildErr == nil
}
