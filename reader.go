// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rapidgzip

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/coreos/pkg/capnslog"

	"github.com/mxmlnkn/rapidgzip/internal/bitio"
	"github.com/mxmlnkn/rapidgzip/internal/cache"
	"github.com/mxmlnkn/rapidgzip/internal/engine"
	"github.com/mxmlnkn/rapidgzip/internal/errs"
	"github.com/mxmlnkn/rapidgzip/internal/gzipheader"
	"github.com/mxmlnkn/rapidgzip/internal/index"
	"github.com/mxmlnkn/rapidgzip/internal/source"
	"github.com/mxmlnkn/rapidgzip/internal/window"
)

var plog = capnslog.NewPackageLogger("github.com/mxmlnkn/rapidgzip", "rapidgzip")

const (
	defaultChunkBits   = 4 * 1024 * 1024 * 8 // 4 MiB, in bits
	defaultCacheChunks = 64
	checkpointEvery    = 16 * 1024 * 1024 // decoded bytes between recorded checkpoints

	bzip2EOSMagic = uint64(0x177245385090)
	bzip2BlkMagic = uint64(0x314159265359)
)

// Format identifies which compressed container a Reader decodes.
type Format int

const (
	Bzip2 Format = iota
	Gzip
)

func (f Format) String() string {
	if f == Gzip {
		return "gzip"
	}
	return "bzip2"
}

// Progress reports the delivery of one decoded chunk.
type Progress struct {
	Format          Format
	CompressedBytes int64
	DecodedBytes    int64
}

type readerOpts struct {
	concurrency int
	chunkBits   int64
	cacheChunks int
	spillDir    string
	progressCh  chan<- Progress
	idx         *index.Index
}

// Option configures NewReader.
type Option func(*readerOpts)

// WithConcurrency bounds the number of chunks decoded simultaneously;
// 0 (the default) uses runtime.GOMAXPROCS.
func WithConcurrency(n int) Option { return func(o *readerOpts) { o.concurrency = n } }

// WithChunkSize overrides the nominal compressed chunk size used to
// pace DEFLATE chunk boundaries. bzip2 ignores this: its chunk size is
// always one block, fixed by the stream header.
func WithChunkSize(bits int64) Option { return func(o *readerOpts) { o.chunkBits = bits } }

// WithCacheChunks bounds the number of decoded chunks kept in memory.
func WithCacheChunks(n int) Option { return func(o *readerOpts) { o.cacheChunks = n } }

// WithDiskSpill enables a disk-backed overflow tier for evicted chunks.
func WithDiskSpill(dir string) Option { return func(o *readerOpts) { o.spillDir = dir } }

// WithProgress delivers one Progress value per chunk consumed by Read.
// Sends are non-blocking: a full channel silently drops an update
// rather than stalling decoding.
func WithProgress(ch chan<- Progress) Option { return func(o *readerOpts) { o.progressCh = ch } }

// WithIndex preloads an index built by a previous run, enabling Seek
// without decoding everything before the target offset.
func WithIndex(idx *index.Index) Option { return func(o *readerOpts) { o.idx = idx } }

// Reader decodes a gzip or bzip2 stream, exposing ordinary sequential
// io.Reader semantics plus Seek/Tell/Size backed by a bounded
// concurrency chunk fetcher. Exactly one goroutine may
// call into a Reader at a time; the concurrency it drives internally
// is invisible to the caller.
type Reader struct {
	ctx         context.Context
	format      Format
	src         source.ReadAtCloser
	size        int64
	haveSize    bool
	concurrency int
	chunkBits   int64

	windows *window.Map
	cache   *cache.Cache
	fetcher *engine.Fetcher
	hdrBR   *bitio.Reader

	idx        *index.Index
	progressCh chan<- Progress

	bzBlockSizeBytes int
	bzStreamCRC      uint32
	gzChecksum       *gzipheader.Checksum

	memberStartBit int64
	nextChunkBit   int64
	decodedPos     int64

	cur    *engine.Chunk
	curPos int
	eof    bool
	err    error

	checkpoints     []index.Checkpoint
	sinceCheckpoint int64
}

// NewReader constructs a Reader over rd, sniffing the gzip or bzip2
// magic at its start. rd need not be seekable: a non-seekable rd is
// wrapped in a single-pass buffer that retains every byte read from
// it, so Seek still works in both directions.
func NewReader(ctx context.Context, rd io.Reader, opts ...Option) (*Reader, error) {
	o := &readerOpts{}
	for _, fn := range opts {
		fn(o)
	}
	if o.concurrency <= 0 {
		o.concurrency = runtime.GOMAXPROCS(-1)
	}
	if o.chunkBits <= 0 {
		o.chunkBits = defaultChunkBits
	}
	if o.cacheChunks <= 0 {
		o.cacheChunks = defaultCacheChunks
	}

	src, err := source.Clone(rd)
	if err != nil {
		src = source.NewSinglePass(rd)
	}
	size, haveSize := source.Size(src)

	magic := make([]byte, 4)
	n, rerr := src.ReadAt(magic, 0)
	if rerr != nil && rerr != io.EOF && n < 4 {
		return nil, errs.At("rapidgzip", errs.IO, 0, rerr)
	}
	if n < 4 {
		return nil, errs.At("rapidgzip", errs.Truncated, 0, fmt.Errorf("rapidgzip: input too short to contain a format header"))
	}

	var format Format
	switch {
	case magic[0] == 0x1f && magic[1] == 0x8b:
		format = Gzip
	case n >= 4 && magic[0] == 'B' && magic[1] == 'Z' && magic[2] == 'h' && magic[3] >= '0' && magic[3] <= '9':
		format = Bzip2
	default:
		return nil, errs.At("rapidgzip", errs.Malformed, 0, fmt.Errorf("rapidgzip: unrecognized magic %x", magic[:n]))
	}

	var cacheOpts []cache.Option
	if o.spillDir != "" {
		cacheOpts = append(cacheOpts, cache.WithSpillDir(o.spillDir))
	}
	c, err := cache.New(o.cacheChunks, cacheOpts...)
	if err != nil {
		return nil, errs.New("rapidgzip", errs.IO, err)
	}

	r := &Reader{
		ctx:         ctx,
		format:      format,
		src:         src,
		size:        size,
		haveSize:    haveSize,
		concurrency: o.concurrency,
		chunkBits:   o.chunkBits,
		windows:     &window.Map{},
		cache:       c,
		idx:         o.idx,
		progressCh:  o.progressCh,
	}

	var decoder engine.Decoder
	var findNext engine.BoundaryFinder
	switch format {
	case Bzip2:
		blockSizeBytes, perr := parseBzip2Header(magic)
		if perr != nil {
			return nil, perr
		}
		r.bzBlockSizeBytes = blockSizeBytes
		decoder = engine.NewBzip2Decoder(blockSizeBytes)
		findNext = engine.NewBzip2BoundaryFinder()
		r.memberStartBit = 32
		r.hdrBR = bitio.New(src, bitio.MSB, sizeOrNeg(size, haveSize))
	case Gzip:
		hdr, herr := gzipheader.ParseHeader(src, 0)
		if herr != nil {
			return nil, herr
		}
		decoder = engine.NewDeflateDecoder(r.windows)
		findNext = engine.NewDeflateBoundaryFinder()
		r.gzChecksum = &gzipheader.Checksum{}
		r.memberStartBit = hdr.DataStartByte * 8
		r.hdrBR = bitio.New(src, bitio.LSB, sizeOrNeg(size, haveSize))
	}
	r.fetcher = engine.New(src, decoder, findNext, o.concurrency, r.chunkBits, c, r.windows)
	r.nextChunkBit = r.memberStartBit
	return r, nil
}

func sizeOrNeg(size int64, have bool) int64 {
	if !have {
		return -1
	}
	return size
}

func parseBzip2Header(magic []byte) (int, error) {
	if len(magic) < 4 || magic[3] < '0' || magic[3] > '9' {
		return 0, errs.At("bzip2", errs.Malformed, 0, fmt.Errorf("bad block size digit"))
	}
	return 100 * 1000 * int(magic[3]-'0'), nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	total := 0
	for total < len(p) {
		if r.cur == nil || r.curPos >= len(r.cur.Data) {
			if r.eof {
				if total > 0 {
					return total, nil
				}
				return 0, io.EOF
			}
			if err := r.advanceChunk(); err != nil {
				r.err = err
				if total > 0 {
					return total, nil
				}
				return 0, err
			}
			continue
		}
		n := copy(p[total:], r.cur.Data[r.curPos:])
		total += n
		r.curPos += n
		r.decodedPos += int64(n)
	}
	return total, nil
}

func (r *Reader) advanceChunk() error {
	if r.format == Gzip {
		return r.advanceGzip()
	}
	return r.advanceBzip2()
}

func (r *Reader) advanceBzip2() error {
	r.hdrBR.Seek(r.nextChunkBit)
	magicVal, err := r.hdrBR.PeekBits(48)
	if err != nil {
		return errs.At("bzip2", errs.Truncated, r.nextChunkBit, fmt.Errorf("failed to find trailer"))
	}

	if magicVal == bzip2EOSMagic {
		return r.finishBzip2Stream()
	}
	if magicVal != bzip2BlkMagic {
		return errs.At("bzip2", errs.Malformed, r.nextChunkBit, fmt.Errorf("expected block or end-of-stream magic"))
	}

	chunk, err := r.fetcher.Get(r.ctx, r.nextChunkBit)
	if err != nil {
		return err
	}
	r.bzStreamCRC = (r.bzStreamCRC<<1 | r.bzStreamCRC>>31) ^ chunk.CRC
	r.recordCheckpoint(chunk)
	r.nextChunkBit += chunk.EncodedSizeBits
	r.fetcher.ReleaseBefore(r.nextChunkBit)
	r.cur = chunk
	r.curPos = 0
	r.reportProgress(chunk)
	return nil
}

// finishBzip2Stream verifies the stream-level CRC following the
// end-of-stream magic and, per bzcat's multistream convention, checks
// for an immediately concatenated second "BZh" header (scanner.go's
// handleSkippedEOS does the equivalent check at the byte-stream
// level).
func (r *Reader) finishBzip2Stream() error {
	r.hdrBR.Seek(r.nextChunkBit + 48)
	wantCRC, err := r.hdrBR.ReadBits(32)
	if err != nil {
		return errs.At("bzip2", errs.Truncated, r.nextChunkBit+48, fmt.Errorf("failed to find trailer"))
	}
	if uint32(wantCRC) != r.bzStreamCRC {
		return errs.At("bzip2", errs.Malformed, r.nextChunkBit, fmt.Errorf(
			"mismatched stream CRCs: calculated=%#08x != stored=%#08x", r.bzStreamCRC, uint32(wantCRC)))
	}
	r.hdrBR.AlignByte()
	r.nextChunkBit = r.hdrBR.Tell()
	r.fetcher.ReleaseBefore(r.nextChunkBit)

	hdrBytes, err := r.hdrBR.ReadBytes(4)
	if err == nil && len(hdrBytes) == 4 && hdrBytes[0] == 'B' && hdrBytes[1] == 'Z' && hdrBytes[2] == 'h' &&
		hdrBytes[3] >= '0' && hdrBytes[3] <= '9' {
		blockSizeBytes, perr := parseBzip2Header(hdrBytes)
		if perr != nil {
			return perr
		}
		r.bzBlockSizeBytes = blockSizeBytes
		r.bzStreamCRC = 0
		r.fetcher = engine.New(r.src, engine.NewBzip2Decoder(blockSizeBytes), engine.NewBzip2BoundaryFinder(), r.concurrency, r.chunkBits, r.cache, r.windows)
		r.memberStartBit = r.hdrBR.Tell()
		r.nextChunkBit = r.memberStartBit
		return nil
	}
	r.eof = true
	return nil
}

func (r *Reader) advanceGzip() error {
	chunk, err := r.fetcher.Get(r.ctx, r.nextChunkBit)
	if err != nil {
		return err
	}
	r.gzChecksum.Write(chunk.Data)
	r.recordCheckpoint(chunk)
	r.nextChunkBit += chunk.EncodedSizeBits
	r.fetcher.ReleaseBefore(r.nextChunkBit)
	r.cur = chunk
	r.curPos = 0
	r.reportProgress(chunk)

	if chunk.StreamBoundary {
		return r.finishGzipMember()
	}
	return nil
}

func (r *Reader) finishGzipMember() error {
	r.hdrBR.Seek(r.nextChunkBit)
	r.hdrBR.AlignByte()
	trailerByte := r.hdrBR.Tell() / 8

	trailer, err := gzipheader.ParseTrailer(r.src, trailerByte)
	if err != nil {
		return err
	}
	if err := r.gzChecksum.Verify(trailer); err != nil {
		return err
	}

	nextByte := trailerByte + 8
	magic := make([]byte, 2)
	n, _ := r.src.ReadAt(magic, nextByte)
	if n < 2 || magic[0] != 0x1f || magic[1] != 0x8b {
		r.eof = true
		return nil
	}

	hdr, err := gzipheader.ParseHeader(r.src, nextByte)
	if err != nil {
		return err
	}
	r.gzChecksum = &gzipheader.Checksum{}
	r.memberStartBit = hdr.DataStartByte * 8
	r.nextChunkBit = r.memberStartBit
	r.hdrBR.Seek(r.nextChunkBit)
	return nil
}

// recordCheckpoint appends a seek checkpoint roughly every
// checkpointEvery decoded bytes, always including the very first chunk
// of a stream so Seek(0) never needs a full reset.
func (r *Reader) recordCheckpoint(chunk *engine.Chunk) {
	r.sinceCheckpoint += chunk.DecodedSizeByte
	if len(r.checkpoints) > 0 && r.sinceCheckpoint < checkpointEvery {
		return
	}
	r.sinceCheckpoint = 0
	win, _ := r.windows.Get(chunk.EncodedOffsetBits)
	r.checkpoints = append(r.checkpoints, index.Checkpoint{
		CompressedOffsetBits:   chunk.EncodedOffsetBits,
		UncompressedOffsetByte: r.decodedPos,
		Window:                 win,
	})
}

func (r *Reader) reportProgress(chunk *engine.Chunk) {
	if r.progressCh == nil {
		return
	}
	select {
	case r.progressCh <- Progress{Format: r.format, CompressedBytes: chunk.EncodedSizeBits / 8, DecodedBytes: chunk.DecodedSizeByte}:
	default:
	}
}

// Tell returns the current absolute position in the decompressed
// stream.
func (r *Reader) Tell() int64 { return r.decodedPos }

// Size reports the total decompressed size, which is only known up
// front when an index was loaded via WithIndex/ImportIndex.
func (r *Reader) Size() (int64, bool) {
	if r.idx != nil {
		return r.idx.UncompressedSize, true
	}
	return 0, false
}

// Seek repositions the read cursor to an absolute decompressed byte
// offset. A forward seek discards and re-decodes
// (or, once prefetched, simply skips) the intervening bytes; a
// backward seek resumes from the latest known checkpoint at or before
// the target — built up as Read progresses, or loaded up front via
// WithIndex/ImportIndex — falling all the way back to the start of the
// current member only when no closer checkpoint exists.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.decodedPos + offset
	case io.SeekEnd:
		size, ok := r.Size()
		if !ok {
			return 0, errs.New("rapidgzip", errs.Unsupported, fmt.Errorf("rapidgzip: SeekEnd requires a loaded index"))
		}
		target = size + offset
	default:
		return 0, errs.New("rapidgzip", errs.Unsupported, fmt.Errorf("rapidgzip: unknown whence %d", whence))
	}
	if target < 0 {
		return 0, errs.New("rapidgzip", errs.Malformed, fmt.Errorf("rapidgzip: negative seek target %d", target))
	}

	if target < r.decodedPos {
		r.rewindTo(target)
	}
	if err := r.skipTo(target); err != nil {
		return 0, err
	}
	return r.decodedPos, nil
}

func (r *Reader) rewindTo(target int64) {
	cp, ok := r.bestCheckpoint(target)
	if !ok {
		r.resetToStart()
		return
	}
	if len(cp.Window) > 0 {
		r.windows.Put(cp.CompressedOffsetBits, cp.Window)
	}
	r.nextChunkBit = cp.CompressedOffsetBits
	r.decodedPos = cp.UncompressedOffsetByte
	r.cur = nil
	r.curPos = 0
	r.eof = false
	r.err = nil
}

func (r *Reader) bestCheckpoint(target int64) (index.Checkpoint, bool) {
	var best index.Checkpoint
	found := false
	consider := func(cp index.Checkpoint) {
		if cp.UncompressedOffsetByte <= target && (!found || cp.UncompressedOffsetByte > best.UncompressedOffsetByte) {
			best, found = cp, true
		}
	}
	for _, cp := range r.checkpoints {
		consider(cp)
	}
	if r.idx != nil {
		for _, cp := range r.idx.Checkpoints {
			consider(cp)
		}
	}
	return best, found
}

func (r *Reader) resetToStart() {
	r.nextChunkBit = r.memberStartBit
	r.decodedPos = 0
	r.cur = nil
	r.curPos = 0
	r.eof = false
	r.err = nil
	r.bzStreamCRC = 0
	if r.format == Gzip {
		r.gzChecksum = &gzipheader.Checksum{}
	}
}

// skipTo reads and discards forward until decodedPos reaches target.
func (r *Reader) skipTo(target int64) error {
	if target == r.decodedPos {
		return nil
	}
	buf := make([]byte, 256*1024)
	for r.decodedPos < target {
		want := target - r.decodedPos
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, err := r.Read(buf[:want])
		if n == 0 && err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
	return nil
}

// ImportIndex loads a previously exported index, validating it against
// this archive's known compressed size when available, and enables it
// for subsequent Seek calls.
func (r *Reader) ImportIndex(rd io.Reader) error {
	idx, err := index.Import(rd)
	if err != nil {
		return err
	}
	if r.haveSize {
		if err := index.ValidateAgainst(idx, r.size); err != nil {
			return err
		}
	}
	r.idx = idx
	return nil
}

// ExportIndex writes the checkpoints accumulated by decoding so far in
// the canonical GZIDX shape, suitable for a later WithIndex/ImportIndex
// call against the same archive.
func (r *Reader) ExportIndex(w io.Writer) error {
	idx := &index.Index{
		CompressedSize:    r.size,
		UncompressedSize:  r.decodedPos,
		CheckpointSpacing: checkpointEvery,
		WindowSize:        window.Size,
		Checkpoints:       append([]index.Checkpoint(nil), r.checkpoints...),
	}
	return index.Export(w, idx)
}

// Close releases the reader's cache (including any disk-spill tier)
// and, if the underlying source owns a file descriptor, closes it.
func (r *Reader) Close() error {
	var err error
	if r.cache != nil {
		err = r.cache.Close()
	}
	if cerr := r.src.Close(); err == nil {
		err = cerr
	}
	return err
}
