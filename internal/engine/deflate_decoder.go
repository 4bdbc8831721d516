// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"time"

	"github.com/mxmlnkn/rapidgzip/internal/bitio"
	"github.com/mxmlnkn/rapidgzip/internal/deflate"
	"github.com/mxmlnkn/rapidgzip/internal/source"
	"github.com/mxmlnkn/rapidgzip/internal/window"
)

// windowWaitTimeout bounds how long a chunk waits for its preceding
// window to be published by an earlier, still-running decode before
// giving up and returning it with unresolved markers; the caller
// (Fetcher) still stores such a chunk and a later Get/Resolve can
// finish the job once the window does arrive.
const windowWaitTimeout = 30 * time.Second

// NewDeflateDecoder returns a Decoder that decodes one DEFLATE chunk,
// using windows for marker resolution when the preceding window is not
// yet known at decode start. It implements a "decode in marker mode,
// then back-resolve" flow: if win is nil, the block is decoded with
// markers and this function
// blocks (briefly, off the caller's own decode-start path, since it is
// only the resolution that waits) on windows.Wait for the predecessor
// to publish before returning — by the time a marker-mode chunk
// finishes decoding its own bytes, the previous chunk has often
// already finished too.
func NewDeflateDecoder(windows *window.Map) Decoder {
	return func(ctx context.Context, src source.ReadAtCloser, offsetBits int64, win []byte, targetBits int64) (*Chunk, []byte, error) {
		size, _ := source.Size(src)
		br := bitio.New(src, bitio.LSB, size)
		br.Seek(offsetBits)

		dc, err := deflate.DecodeChunk(br, win, targetBits)
		if err != nil {
			return nil, nil, err
		}

		unresolved := false
		for _, seg := range dc.Segments {
			if seg.Kind == deflate.SegMarkers {
				unresolved = true
				break
			}
		}
		if win == nil && unresolved {
			waitCtx, cancel := context.WithTimeout(ctx, windowWaitTimeout)
			resolved, werr := windows.Wait(waitCtx, offsetBits)
			cancel()
			if werr == nil {
				dc, err = deflate.Resolve(dc, resolved)
				if err != nil {
					return nil, nil, err
				}
			}
		}

		trailing, err := deflate.TrailingWindow(dc)
		if err != nil {
			// Still has unresolved markers (predecessor never published in
			// time); the next chunk will have to wait on us in turn.
			trailing = nil
		}

		data := flattenSegments(dc)
		chunk := &Chunk{
			EncodedOffsetBits: offsetBits,
			EncodedSizeBits:   dc.EncodedEndBits - offsetBits,
			DecodedSizeByte:   int64(len(data)),
			Data:              data,
			StreamBoundary:    dc.Final,
		}
		return chunk, trailing, nil
	}
}

// flattenSegments concatenates a Chunk's segments into a flat byte
// slice, leaving any still-unresolved marker as a zero byte: a
// placeholder that a subsequent Resolve call (triggered by the engine
// once the predecessor window finally arrives) overwrites in the
// cached copy before it is ever read by a caller.
func flattenSegments(dc *deflate.Chunk) []byte {
	out := make([]byte, 0, dc.NumBytes)
	for _, seg := range dc.Segments {
		switch seg.Kind {
		case deflate.SegBytes:
			out = append(out, seg.Bytes...)
		case deflate.SegMarkers:
			out = append(out, make([]byte, len(seg.Markers))...)
		}
	}
	return out
}
