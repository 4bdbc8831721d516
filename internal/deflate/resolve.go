// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package deflate

import "errors"

// ErrUnresolvedMarker is returned by Resolve when window is shorter
// than a marker's index requires.
var ErrUnresolvedMarker = errors.New("deflate: window too short to resolve marker")

// Resolve rewrites every SegMarkers segment in chunk using window, the
// now-known 32 KiB (or shorter, for the first chunk of the stream)
// that preceded the chunk's first block. It is idempotent: chunks with
// no marker segments are returned unchanged, and Resolve never mutates
// the Bytes segments already present.
func Resolve(chunk *Chunk, window []byte) (*Chunk, error) {
	hasMarkers := false
	for _, s := range chunk.Segments {
		if s.Kind == SegMarkers {
			hasMarkers = true
			break
		}
	}
	if !hasMarkers {
		return chunk, nil
	}

	out := &Chunk{
		Segments:       make([]Segment, 0, len(chunk.Segments)),
		EncodedEndBits: chunk.EncodedEndBits,
		Final:          chunk.Final,
		NumBytes:       chunk.NumBytes,
	}
	for _, s := range chunk.Segments {
		if s.Kind == SegBytes {
			out.Segments = append(out.Segments, s)
			continue
		}
		bs := make([]byte, len(s.Markers))
		for i, m := range s.Markers {
			widx := len(window) - WindowSize + int(m) - 256
			if widx < 0 || widx >= len(window) {
				return nil, ErrUnresolvedMarker
			}
			bs[i] = window[widx]
		}
		out.Segments = append(out.Segments, Segment{Kind: SegBytes, Bytes: bs})
	}
	return out, nil
}

// TrailingWindow returns the last WindowSize decoded bytes of chunk
// (or fewer, if chunk is shorter), for use as the preceding window of
// the next chunk. chunk must already be fully resolved (no
// SegMarkers): a chunk decoded in marker mode only knows its own
// output, which by construction cannot itself contain unresolved
// markers referring further back than its own start once a full 32
// KiB has been produced, at which point marker resolution transitions
// to normal mode.
func TrailingWindow(chunk *Chunk) ([]byte, error) {
	total := chunk.NumBytes
	want := WindowSize
	if want > total {
		want = total
	}
	out := make([]byte, 0, want)
	skip := total - want
	for _, s := range chunk.Segments {
		var segLen int
		switch s.Kind {
		case SegBytes:
			segLen = len(s.Bytes)
		case SegMarkers:
			segLen = len(s.Markers)
		}
		if skip >= segLen {
			skip -= segLen
			continue
		}
		if s.Kind == SegMarkers {
			return nil, ErrUnresolvedMarker
		}
		out = append(out, s.Bytes[skip:]...)
		skip = 0
	}
	return out, nil
}
