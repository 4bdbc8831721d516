// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rapidgzip

import (
	"context"
	"io"

	"github.com/mxmlnkn/rapidgzip/internal/engine"
)

// BlockReport describes one decoded chunk's placement in the
// compressed and decompressed streams, without retaining its decoded
// bytes.
type BlockReport struct {
	Format            Format
	CompressedOffset  int64 // bits
	CompressedSize    int64 // bits
	DecodedOffset     int64 // bytes
	DecodedSize       int64 // bytes
	CRC               uint32
	HasCRC            bool
	EndsStreamOrBlock bool
}

// Analyze decodes rd block by block, the way Read does, but discards
// each chunk's payload as soon as it has been reported: it exercises
// the same fetcher, decoders and block finder a normal Reader uses
// (backing the cmd/pbzip2 "analyze" subcommand) without ever holding a
// full decompressed copy of the stream in memory.
func Analyze(ctx context.Context, rd io.Reader, opts ...Option) ([]BlockReport, error) {
	r, err := NewReader(ctx, rd, opts...)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var reports []BlockReport
	var decoded int64
	var last *engine.Chunk
	for !r.eof {
		if err := r.advanceChunk(); err != nil {
			return reports, err
		}
		if r.cur == nil || r.cur == last {
			continue
		}
		last = r.cur
		size := int64(len(r.cur.Data))
		reports = append(reports, BlockReport{
			Format:            r.format,
			CompressedOffset:  r.cur.EncodedOffsetBits,
			CompressedSize:    r.cur.EncodedSizeBits,
			DecodedOffset:     decoded,
			DecodedSize:       size,
			CRC:               r.cur.CRC,
			HasCRC:            r.cur.HasCRC,
			EndsStreamOrBlock: r.cur.StreamBoundary,
		})
		decoded += size
		// Drop the payload now that it has been reported; Analyze never
		// needs to hold more than one chunk's bytes at a time.
		r.cur.Data = nil
	}
	return reports, nil
}
