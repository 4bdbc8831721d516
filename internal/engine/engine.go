// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package engine turns (compressed file offset -> decoded chunk)
// requests into scheduled work, memoizes results, and prefetches ahead
// of a read cursor. Fetcher dispatches either bzip2 or DEFLATE chunk
// decode against chunks discovered by internal/blockfinder (or supplied
// up front by an imported internal/index), bounds concurrency with
// golang.org/x/sync/semaphore, and deduplicates concurrent requests for
// the same offset with golang.org/x/sync/singleflight.
package engine

import (
	"context"
	"runtime"
	"strconv"
	"sync"

	"github.com/coreos/pkg/capnslog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/mxmlnkn/rapidgzip/internal/cache"
	"github.com/mxmlnkn/rapidgzip/internal/errs"
	"github.com/mxmlnkn/rapidgzip/internal/source"
	"github.com/mxmlnkn/rapidgzip/internal/window"
)

var plog = capnslog.NewPackageLogger("github.com/mxmlnkn/rapidgzip", "engine")

// Format selects which block decoder a Fetcher dispatches to.
type Format int

const (
	Gzip Format = iota
	Bzip2
)

// Chunk is a decoded unit of work: a contiguous compressed range
// turned into bytes, ready to be written to the reader's output once
// all earlier chunks have been.
type Chunk struct {
	EncodedOffsetBits int64
	EncodedSizeBits   int64
	DecodedOffsetByte int64
	DecodedSizeByte   int64
	Data              []byte
	CRC               uint32
	HasCRC            bool
	StreamBoundary    bool // true if this chunk ends a gzip member; never set for bzip2
}

// Decoder produces a Chunk for the compressed range starting at
// offsetBits, given the 32 KiB window preceding it (nil if offsetBits
// is a stream boundary or the format needs none, as bzip2 always
// does), and the trailing window to publish for the next chunk. It
// must not retain src beyond the call.
type Decoder func(ctx context.Context, src source.ReadAtCloser, offsetBits int64, window []byte, targetBits int64) (chunk *Chunk, trailingWindow []byte, err error)

// Fetcher is a memoizing, prefetching, bounded-concurrency scheduler
// over Decoder.
type Fetcher struct {
	srcTemplate source.ReadAtCloser
	decode      Decoder
	findNext    BoundaryFinder
	targetBits  int64
	cache       *cache.Cache
	windows     *window.Map
	sem         *semaphore.Weighted
	group       singleflight.Group
	prefetchN   int64

	// metaMu/meta hold the small, non-evictable bookkeeping
	// (everything but Data) for every chunk the cache has ever held, so
	// a cache hit on the (potentially evicted-and-reloaded) byte payload
	// can still be reassembled into a full Chunk. Unlike Data itself
	// this is cheap enough to never need eviction.
	metaMu sync.Mutex
	meta   map[int64]Chunk
}

// New constructs a Fetcher. concurrency bounds simultaneous decodes;
// targetBits is the nominal compressed chunk size (default 4 MiB
// compressed, expressed in bits since chunk boundaries are bit-granular
// for DEFLATE). findNext locates the real chunk-start offsets
// schedulePrefetch walks forward through (via
// NewBzip2BoundaryFinder/NewDeflateBoundaryFinder); a nil findNext
// disables prefetch and leaves Get as the only source of decoded
// chunks.
func New(src source.ReadAtCloser, decode Decoder, findNext BoundaryFinder, concurrency int, targetBits int64, c *cache.Cache, w *window.Map) *Fetcher {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(-1)
	}
	return &Fetcher{
		srcTemplate: src,
		decode:      decode,
		findNext:    findNext,
		targetBits:  targetBits,
		cache:       c,
		windows:     w,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		prefetchN:   int64(concurrency),
		meta:        make(map[int64]Chunk),
	}
}

// Get returns the decoded chunk starting at offsetBits, decoding it
// (and blocking on any identical in-flight request) if it is not
// already cached. Get also schedules prefetch of the chunks that would
// plausibly follow, so that a later Get(i+1), Get(i+2), ... is likely
// to already be scheduled or done by the time it is called.
func (f *Fetcher) Get(ctx context.Context, offsetBits int64) (*Chunk, error) {
	if c, ok := f.lookup(offsetBits); ok {
		f.schedulePrefetch(offsetBits)
		return c, nil
	}

	v, err, _ := f.group.Do(strconv.FormatInt(offsetBits, 10), func() (interface{}, error) {
		return f.decodeAndStore(ctx, offsetBits)
	})
	if err != nil {
		return nil, err
	}
	f.schedulePrefetch(offsetBits)
	return v.(*Chunk), nil
}

// lookup returns a previously decoded chunk, reconstituting it from
// the byte cache and the metadata sidecar if the byte payload had to
// be reloaded from the cache's disk-spill tier.
func (f *Fetcher) lookup(offsetBits int64) (*Chunk, bool) {
	data, ok := f.cache.Get(cache.Key(offsetBits))
	if !ok {
		return nil, false
	}
	f.metaMu.Lock()
	m, ok := f.meta[offsetBits]
	f.metaMu.Unlock()
	if !ok {
		return nil, false
	}
	m.Data = data
	return &m, true
}

func (f *Fetcher) decodeAndStore(ctx context.Context, offsetBits int64) (*Chunk, error) {
	win, _ := f.windows.Get(offsetBits)
	chunk, trailing, err := f.runDecode(ctx, offsetBits, win)
	if err != nil {
		return nil, err
	}
	f.windows.Put(offsetBits+chunk.EncodedSizeBits, trailing)
	f.cache.Add(cache.Key(offsetBits), chunk.Data)
	meta := *chunk
	meta.Data = nil
	f.metaMu.Lock()
	f.meta[offsetBits] = meta
	f.metaMu.Unlock()
	return chunk, nil
}

func (f *Fetcher) runDecode(ctx context.Context, offsetBits int64, win []byte) (*Chunk, []byte, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, errs.New("engine", errs.IO, err)
	}
	defer f.sem.Release(1)

	cloned, err := f.srcTemplate.Clone()
	if err != nil {
		return nil, nil, errs.New("engine", errs.IO, err)
	}
	defer cloned.Close()

	return f.decode(ctx, cloned, offsetBits, win, f.targetBits)
}

// schedulePrefetch dispatches decode of the chunks immediately
// following offsetBits without blocking the caller; errors are
// logged, not returned, since a prefetch failure should never surface
// until (if ever) that chunk is actually requested via Get.
//
// Unlike a sequential decode, which always lands on a real boundary as
// a side effect of having decoded everything before it, prefetch has
// no such guarantee: bzip2 block sizes are data-dependent and DEFLATE
// block sizes are bit-granular, so offsetBits+targetBits is essentially
// never itself a valid block start. schedulePrefetch instead clones the
// source once and walks forward through real, filter-verified
// candidates returned by findNext, launching one decode per candidate
// found. If findNext is nil, or a lookahead window turns up no further
// candidate, prefetch simply schedules fewer than prefetchN chunks this
// round; Get still decodes on demand when the reader catches up.
func (f *Fetcher) schedulePrefetch(offsetBits int64) {
	if f.findNext == nil {
		return
	}
	go func() {
		cloned, err := f.srcTemplate.Clone()
		if err != nil {
			return
		}
		defer cloned.Close()

		after := offsetBits
		lookahead := f.targetBits * 4
		for i := int64(0); i < f.prefetchN; i++ {
			off, ok := f.findNext(cloned, after, lookahead)
			if !ok {
				return
			}
			after = off

			if _, ok := f.lookup(off); ok {
				continue
			}
			go func(off int64) {
				_, _, _ = f.group.Do(strconv.FormatInt(off, 10), func() (interface{}, error) {
					c, err := f.decodeAndStore(context.Background(), off)
					if err != nil {
						plog.Debugf("prefetch of chunk at bit offset %d failed (will retry on demand): %v", off, err)
					}
					return c, err
				})
			}(off)
		}
	}()
}

// ReleaseBefore drops window entries no longer reachable from any
// future Get call once the read cursor has passed offsetBits.
func (f *Fetcher) ReleaseBefore(offsetBits int64) {
	f.windows.ReleaseUpTo(offsetBits)
}
