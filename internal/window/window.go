// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package window stores the 32 KiB of decoded bytes that precede each
// chunk boundary, so a chunk decoded in marker mode (internal/deflate's
// SegMarkers) or a chunk decoded independently (internal/bzip2 needs
// no preceding window at all, but DEFLATE and random-access seeks
// both do) can be resolved without re-decoding everything before it.
//
// It generalizes original_source/src/rapidgzip/WindowMap.hpp: a
// std::map keyed by encoded bit offset, guarded by a single mutex, with
// idempotent re-insertion (the same offset inserted twice must carry
// equal content) and a sparse/dense storage tier so that windows which
// are never resolved never pay the inflate cost.
package window

import (
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Size is the fixed DEFLATE history window, matching
// internal/deflate.WindowSize; bzip2 chunks never need a window since
// every bzip2 block is independently decodable.
const Size = 32768

// entry holds a window either already resolved (dense) or still
// compressed in its raw-deflate "sparse" form (see WindowMap.hpp's
// CompressedVector), inflated lazily on first Get or Wait call.
type entry struct {
	dense    []byte
	sparse   []byte // raw DEFLATE-compressed form of dense, if Put was given one
	inflated bool
}

// Map is a concurrency-safe collection of windows keyed by encoded bit
// offset. The zero value is ready to use.
type Map struct {
	mu       sync.Mutex
	entries  map[uint64]*entry
	offsets  map[uint64]int64       // hash -> original offset, for Offsets()
	waiters  map[uint64][]chan struct{}
}

func (m *Map) ensure() {
	if m.entries == nil {
		m.entries = make(map[uint64]*entry)
		m.offsets = make(map[uint64]int64)
		m.waiters = make(map[uint64][]chan struct{})
	}
}

func (m *Map) wake(k uint64) {
	for _, ch := range m.waiters[k] {
		close(ch)
	}
	delete(m.waiters, k)
}

// Wait blocks until a window is recorded for offsetBits (returning it
// immediately if one already is), or ctx is done. This is how a chunk
// decoded in marker mode (internal/deflate's §4.C back-resolution)
// waits for an out-of-order predecessor to publish the window it
// needs, without serializing the decode of the marker-mode chunk
// itself behind that wait.
func (m *Map) Wait(ctx context.Context, offsetBits int64) ([]byte, error) {
	m.mu.Lock()
	m.ensure()
	k := key(offsetBits)
	if e, ok := m.entries[k]; ok {
		m.mu.Unlock()
		dense, _ := m.inflate(e, offsetBits)
		return dense, nil
	}
	ch := make(chan struct{})
	m.waiters[k] = append(m.waiters[k], ch)
	m.mu.Unlock()

	select {
	case <-ch:
		dense, ok := m.Get(offsetBits)
		if !ok {
			return nil, fmt.Errorf("window: wait woke for offset %d but no window was recorded", offsetBits)
		}
		return dense, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Map) inflate(e *entry, offsetBits int64) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !e.inflated {
		r := flate.NewReader(bytes.NewReader(e.sparse))
		defer r.Close()
		dense, err := io.ReadAll(r)
		if err != nil {
			panic(fmt.Sprintf("window: corrupt sparse entry at offset %d: %v", offsetBits, err))
		}
		e.dense = dense
		e.inflated = true
		e.sparse = nil
	}
	return e.dense, true
}

func key(offsetBits int64) uint64 {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(offsetBits >> (8 * i))
	}
	return xxhash.Sum64(b[:])
}

// Put inserts the dense (already-inflated) window preceding
// offsetBits. Re-inserting the same offset with equal content is a
// no-op; re-inserting with different content is a programmer error
// and panics, mirroring WindowMap::emplaceShared's invalid_argument.
func (m *Map) Put(offsetBits int64, dense []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure()
	k := key(offsetBits)
	if existing, ok := m.entries[k]; ok {
		if existing.inflated && !bytes.Equal(existing.dense, dense) {
			panic(fmt.Sprintf("window: offset %d already has a different window", offsetBits))
		}
		return
	}
	cp := append([]byte(nil), dense...)
	m.entries[k] = &entry{dense: cp, inflated: true}
	m.offsets[k] = offsetBits
	m.wake(k)
}

// PutSparse inserts a window still in its raw-DEFLATE-compressed form;
// it is inflated on first Get.
func (m *Map) PutSparse(offsetBits int64, sparse []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure()
	k := key(offsetBits)
	if _, ok := m.entries[k]; ok {
		return
	}
	m.entries[k] = &entry{sparse: append([]byte(nil), sparse...)}
	m.offsets[k] = offsetBits
	m.wake(k)
}

// Get returns the dense window preceding offsetBits, inflating a
// sparse entry if necessary, or (nil, false) if no window has been
// recorded for that offset.
func (m *Map) Get(offsetBits int64) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure()
	e, ok := m.entries[key(offsetBits)]
	if !ok {
		return nil, false
	}
	if !e.inflated {
		r := flate.NewReader(bytes.NewReader(e.sparse))
		defer r.Close()
		dense, err := io.ReadAll(r)
		if err != nil {
			panic(fmt.Sprintf("window: corrupt sparse entry at offset %d: %v", offsetBits, err))
		}
		e.dense = dense
		e.inflated = true
		e.sparse = nil
	}
	return e.dense, true
}

// Has reports whether a window is recorded for offsetBits, without
// forcing an inflate.
func (m *Map) Has(offsetBits int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure()
	_, ok := m.entries[key(offsetBits)]
	return ok
}

// ReleaseUpTo drops every window whose offset is strictly less than
// offsetBits, per WindowMap::releaseUpTo: once the parallel reader's
// read cursor has passed an offset, earlier windows can never be
// needed again (chunks only ever need the window immediately
// preceding them, never an arbitrary earlier one).
func (m *Map) ReleaseUpTo(offsetBits int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure()
	for k, off := range m.offsets {
		if off < offsetBits {
			delete(m.entries, k)
			delete(m.offsets, k)
		}
	}
}

// Len returns the number of recorded windows.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Offsets returns the recorded offsets in ascending order, for
// building an index export.
func (m *Map) Offsets() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure()
	out := make([]int64, 0, len(m.offsets))
	for _, off := range m.offsets {
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
