// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package deflate decodes RFC 1951 DEFLATE blocks. It supports "marker
// mode": when the 32 KiB history preceding a block is
// not yet known (because this block is being decoded in parallel,
// ahead of the chunk that would normally establish that history),
// back-references that reach before the block's own output are
// recorded as marker symbols (values >= 256) rather than failing.
// internal/window resolves them once the real preceding bytes become
// available.
package deflate

import (
	"errors"
	"fmt"

	"github.com/mxmlnkn/rapidgzip/internal/bitio"
	"github.com/mxmlnkn/rapidgzip/internal/huffman"
)

// Error kinds scoped to block decoding.
var (
	ErrInvalidBlockType    = errors.New("deflate: invalid block type")
	ErrInvalidStoredLength = errors.New("deflate: LEN != ~LEN in stored block")
	ErrPrecodeNotOptimal   = errors.New("deflate: precode Huffman tree not optimal")
	ErrLiteralNotOptimal   = errors.New("deflate: literal/length Huffman tree not optimal")
	ErrDistanceNotOptimal  = errors.New("deflate: distance Huffman tree not optimal")
	ErrInvalidSymbol       = errors.New("deflate: invalid symbol")
	ErrDistanceTooLarge    = errors.New("deflate: back-reference distance exceeds available history")
)

// SegmentKind distinguishes resolved bytes from still-unresolved
// marker symbols within a Chunk's output.
type SegmentKind int

const (
	SegBytes SegmentKind = iota
	SegMarkers
)

// Segment is a contiguous run of a Chunk's output that is either all
// real bytes or all markers.
type Segment struct {
	Kind    SegmentKind
	Bytes   []byte   // valid when Kind == SegBytes
	Markers []uint16 // valid when Kind == SegMarkers; each is windowIndex+256
}

// Chunk is the decoded output of one or more consecutive DEFLATE
// blocks, possibly still containing unresolved markers.
type Chunk struct {
	Segments       []Segment
	EncodedEndBits int64 // bit position immediately after the last consumed block
	Final          bool  // the last block decoded had BFINAL=1
	NumBytes       int   // total logical length across all segments
}

// logical output accumulator: values 0-255 are real bytes, values
// >=256 are markers (value-256 indexes into the 32 KiB preceding
// window).
type builder struct {
	out []uint16
}

func (b *builder) emit(v uint16) { b.out = append(b.out, v) }

func (b *builder) segments() []Segment {
	var segs []Segment
	i := 0
	for i < len(b.out) {
		j := i
		isMarker := b.out[i] >= 256
		for j < len(b.out) && (b.out[j] >= 256) == isMarker {
			j++
		}
		if isMarker {
			segs = append(segs, Segment{Kind: SegMarkers, Markers: append([]uint16(nil), b.out[i:j]...)})
		} else {
			bs := make([]byte, j-i)
			for k := i; k < j; k++ {
				bs[k-i] = byte(b.out[k])
			}
			segs = append(segs, Segment{Kind: SegBytes, Bytes: bs})
		}
		i = j
	}
	return segs
}

// DecodeChunk decodes DEFLATE blocks starting at br's current
// position until at least minBits compressed bits have been consumed
// or a final block completes, whichever comes first. window is the 32
// KiB of real bytes immediately preceding br's start position, or nil
// if not yet known (marker mode).
func DecodeChunk(br *bitio.Reader, window []byte, minBits int64) (*Chunk, error) {
	b := &builder{}
	startBit := br.Tell()
	final := false
	for {
		f, err := decodeOneBlock(br, window, b)
		if err != nil {
			return nil, err
		}
		if f {
			final = true
			break
		}
		if br.Tell()-startBit >= minBits {
			break
		}
		if br.EOF() {
			break
		}
	}
	return &Chunk{
		Segments:       b.segments(),
		EncodedEndBits: br.Tell(),
		Final:          final,
		NumBytes:       len(b.out),
	}, nil
}

// resolveRef returns the logical value (real byte or marker) at
// distance back from the current output position, consulting window
// when the reference reaches before this block's own output.
func resolveRef(out []uint16, window []byte, distance int) (uint16, error) {
	pos := len(out) - distance
	if pos >= 0 {
		return out[pos], nil
	}
	if window != nil {
		widx := len(window) + pos
		if widx < 0 {
			return 0, ErrDistanceTooLarge
		}
		return uint16(window[widx]), nil
	}
	widx := WindowSize + pos
	if widx < 0 {
		return 0, ErrDistanceTooLarge
	}
	return uint16(256 + widx), nil
}

// decodeOneBlock decodes a single block, appending its output to b.
// Returns true if this was the final block (BFINAL=1).
func decodeOneBlock(br *bitio.Reader, window []byte, b *builder) (bool, error) {
	bfinal, err := br.ReadBit()
	if err != nil {
		return false, err
	}
	btype, err := br.ReadBits(2)
	if err != nil {
		return false, err
	}
	switch btype {
	case 0: // stored
		br.AlignByte()
		lenBytes, err := br.ReadBytes(4)
		if err != nil {
			return false, err
		}
		length := int(lenBytes[0]) | int(lenBytes[1])<<8
		nlength := int(lenBytes[2]) | int(lenBytes[3])<<8
		if length != (^nlength)&0xffff {
			return false, ErrInvalidStoredLength
		}
		data, err := br.ReadBytes(length)
		if err != nil {
			return false, err
		}
		for _, by := range data {
			b.emit(uint16(by))
		}
		return bfinal, nil

	case 1: // fixed
		return bfinal, decodeSymbols(br, window, b, fixedLiteralTable, fixedDistanceTable)

	case 2: // dynamic
		lit, dist, err := readDynamicTables(br)
		if err != nil {
			return false, err
		}
		return bfinal, decodeSymbols(br, window, b, lit, dist)

	default:
		return false, ErrInvalidBlockType
	}
}

// ProbeDynamicHeader attempts to parse a dynamic-block header (BFINAL
// and BTYPE are assumed already consumed by the caller) starting at
// br's current position, for use by internal/blockfinder's filter 3
// (§4.E: "attempt to build the precode, literal/length, and distance
// tables exactly as §4.C; success = real block start"). br is left
// positioned just after the header on success and restored to its
// starting position on failure, so a failed probe never disturbs the
// caller's scan.
func ProbeDynamicHeader(br *bitio.Reader) error {
	start := br.Tell()
	_, _, err := readDynamicTables(br)
	if err != nil {
		br.Seek(start)
		return err
	}
	return nil
}

// readDynamicTables decodes HLIT/HDIST/HCLEN and the two code-length
// streams per RFC 1951 §3.2.7, building the literal/length and
// distance tables.
func readDynamicTables(br *bitio.Reader) (lit, dist *huffman.Table, err error) {
	hlitV, err := br.ReadBits(5)
	if err != nil {
		return nil, nil, err
	}
	hlit := int(hlitV) + 257
	hdistV, err := br.ReadBits(5)
	if err != nil {
		return nil, nil, err
	}
	hdist := int(hdistV) + 1
	hclenV, err := br.ReadBits(4)
	if err != nil {
		return nil, nil, err
	}
	hclen := int(hclenV) + 4

	precodeLengths := make([]int, 19)
	for i := 0; i < hclen; i++ {
		v, err := br.ReadBits(3)
		if err != nil {
			return nil, nil, err
		}
		precodeLengths[precodeOrder[i]] = int(v)
	}
	precode, err := huffman.Build(precodeLengths, 7)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPrecodeNotOptimal, err)
	}

	total := hlit + hdist
	allLengths := make([]int, 0, total)
	var prev int
	for len(allLengths) < total {
		sym, err := precode.Decode(br)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case sym < 16:
			allLengths = append(allLengths, sym)
			prev = sym
		case sym == 16:
			if len(allLengths) == 0 {
				return nil, nil, ErrInvalidSymbol
			}
			v, err := br.ReadBits(2)
			if err != nil {
				return nil, nil, err
			}
			for i := 0; i < int(v)+3; i++ {
				allLengths = append(allLengths, prev)
			}
		case sym == 17:
			v, err := br.ReadBits(3)
			if err != nil {
				return nil, nil, err
			}
			for i := 0; i < int(v)+3; i++ {
				allLengths = append(allLengths, 0)
			}
		case sym == 18:
			v, err := br.ReadBits(7)
			if err != nil {
				return nil, nil, err
			}
			for i := 0; i < int(v)+11; i++ {
				allLengths = append(allLengths, 0)
			}
		default:
			return nil, nil, ErrInvalidSymbol
		}
	}
	if len(allLengths) != total {
		return nil, nil, ErrInvalidSymbol
	}

	lit, err = huffman.Build(allLengths[:hlit], huffman.MaxCodeLength)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrLiteralNotOptimal, err)
	}
	dist, err = huffman.Build(allLengths[hlit:], huffman.MaxCodeLength)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDistanceNotOptimal, err)
	}
	return lit, dist, nil
}

// decodeSymbols runs the literal/length + distance decode loop common
// to fixed and dynamic blocks.
func decodeSymbols(br *bitio.Reader, window []byte, b *builder, lit, dist *huffman.Table) error {
	for {
		sym, err := lit.Decode(br)
		if err != nil {
			return err
		}
		switch {
		case sym < 256:
			b.emit(uint16(sym))
		case sym == 256:
			return nil
		case sym <= 285:
			idx := sym - 257
			length := lengthBase[idx]
			if lengthExtra[idx] > 0 {
				extra, err := br.ReadBits(uint(lengthExtra[idx]))
				if err != nil {
					return err
				}
				length += int(extra)
			}
			dsym, err := dist.Decode(br)
			if err != nil {
				return err
			}
			if dsym >= 30 {
				return ErrInvalidSymbol
			}
			distance := distBase[dsym]
			if distExtra[dsym] > 0 {
				extra, err := br.ReadBits(uint(distExtra[dsym]))
				if err != nil {
					return err
				}
				distance += int(extra)
			}
			for i := 0; i < length; i++ {
				v, err := resolveRef(b.out, window, distance)
				if err != nil {
					return err
				}
				b.emit(v)
			}
		default:
			return ErrInvalidSymbol
		}
	}
}
