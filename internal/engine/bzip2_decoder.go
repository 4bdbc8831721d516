// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"io"

	"github.com/mxmlnkn/rapidgzip/internal/bzip2"
	"github.com/mxmlnkn/rapidgzip/internal/source"
)

// bzip2ReadBudget bounds how many compressed bytes are read from src to
// decode a single block: bzip2 never expands a block by more than a
// small constant overhead over blockSizeBytes, so twice the configured
// block size leaves ample headroom without reading the rest of the
// archive into memory.
func bzip2ReadBudget(blockSizeBytes int) int { return blockSizeBytes*2 + 4096 }

// NewBzip2Decoder returns a Decoder that decodes exactly one bzip2
// block starting at offsetBits, which must point at the start of a
// block's 48-bit magic as found by internal/blockfinder.FindBzip2Blocks.
// bzip2 blocks are independently decodable (no block depends on any
// preceding history), so the incoming window is always ignored and the
// returned trailing window is always nil.
func NewBzip2Decoder(blockSizeBytes int) Decoder {
	return func(ctx context.Context, src source.ReadAtCloser, offsetBits int64, _ []byte, _ int64) (*Chunk, []byte, error) {
		magicEndBits := offsetBits + 48
		byteOff := magicEndBits / 8
		startBit := int(magicEndBits % 8)

		buf := make([]byte, bzip2ReadBudget(blockSizeBytes))
		n, err := src.ReadAt(buf, byteOff)
		if n == 0 && err != nil && err != io.EOF {
			return nil, nil, err
		}
		buf = buf[:n]

		br := bzip2.NewBlockReader(blockSizeBytes, buf, startBit)
		data, err := io.ReadAll(br)
		if err != nil {
			return nil, nil, err
		}

		blockReader, _ := br.(*bzip2.BlockReader)
		encodedBits := int64(48)
		var blockCRC uint32
		if blockReader != nil {
			encodedBits += blockReader.BitsConsumed()
			blockCRC = blockReader.BlockCRC()
		}

		chunk := &Chunk{
			EncodedOffsetBits: offsetBits,
			EncodedSizeBits:   encodedBits,
			DecodedSizeByte:   int64(len(data)),
			Data:              data,
			CRC:               blockCRC,
			HasCRC:            true,
		}
		return chunk, nil, nil
	}
}
