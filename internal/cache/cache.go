// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package cache holds decoded chunks in memory under a W-TinyLFU
// admission/eviction policy, so chunks already decoded stay available
// for a re-seek without a full re-decode, subject to a bounded memory
// budget. Chunks evicted from memory optionally spill to a
// github.com/cockroachdb/pebble/v2 on-disk store instead of being
// dropped outright, so a cold re-seek costs a pebble Get rather than a
// full re-decode.
package cache

import (
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble/v2"
	"github.com/dgryski/go-tinylfu"
	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/mxmlnkn/rapidgzip", "cache")

// Key identifies a chunk by the compressed bit offset its decode
// started at: two chunks can never share an offset, since chunk
// boundaries are discovered in strict increasing order.
type Key int64

func hashKey(k Key) uint64 {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(int64(k) >> (8 * i))
	}
	return xxhash.Sum64(b[:])
}

// Cache holds up to the number of decoded chunk payloads given to New,
// evicting the least-valuable entries under TinyLFU's admission policy
// once full. It stores only the decoded byte payload; callers (e.g.
// internal/engine) keep any small, non-evictable metadata (offsets,
// CRC) alongside it themselves. A *pebble.DB spill tier is optional:
// pass nil to disable it and simply recompute an evicted chunk on
// demand instead.
type Cache struct {
	lfu   *tinylfu.T[Key, []byte]
	spill *pebble.DB
}

// Option configures New.
type Option func(*options)

type options struct {
	spillDir string
}

// WithSpillDir enables the disk-spill tier at the given pebble
// database directory.
func WithSpillDir(dir string) Option {
	return func(o *options) { o.spillDir = dir }
}

// New creates a Cache admitting roughly nChunks chunks into its
// in-memory window, with a main segment ten times as large, per the
// teacher's tinylfu sizing convention (nBlock, nBlock*10).
func New(nChunks int, opts ...Option) (*Cache, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache{}
	if o.spillDir != "" {
		db, err := pebble.Open(o.spillDir, &pebble.Options{})
		if err != nil {
			return nil, err
		}
		c.spill = db
	}
	c.lfu = tinylfu.New[Key, []byte](nChunks, nChunks*10, hashKey, tinylfu.OnEvict(c.onEvict))
	return c, nil
}

// onEvict is the TinyLFU eviction callback: it spills the evicted
// chunk to disk rather than discarding it, when a spill tier is
// configured.
func (c *Cache) onEvict(k Key, v []byte) {
	if c.spill == nil {
		return
	}
	keyBytes := encodeKey(k)
	if err := c.spill.Set(keyBytes, v, pebble.NoSync); err != nil {
		plog.Warningf("failed to spill chunk at offset %d to disk: %v", int64(k), err)
	}
}

func encodeKey(k Key) []byte {
	var b [8]byte
	v := uint64(int64(k))
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b[:]
}

// Get returns the chunk payload for k, consulting the in-memory LFU
// first and the disk spill tier second. A disk hit is re-admitted to
// memory.
func (c *Cache) Get(k Key) ([]byte, bool) {
	if v, ok := c.lfu.Get(k); ok {
		return v, true
	}
	if c.spill == nil {
		return nil, false
	}
	data, closer, err := c.spill.Get(encodeKey(k))
	if err != nil {
		return nil, false
	}
	defer closer.Close()
	v := append([]byte(nil), data...)
	c.lfu.Add(k, v)
	return v, true
}

// Add admits a freshly decoded chunk payload.
func (c *Cache) Add(k Key, v []byte) {
	c.lfu.Add(k, v)
}

// Close releases the disk spill tier, if any.
func (c *Cache) Close() error {
	if c.spill != nil {
		return c.spill.Close()
	}
	return nil
}
