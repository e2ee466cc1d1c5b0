package xfer

import (
	"sort"
	"sync"

	"github.com/SUS81/sdk/xferkey"
)

// chunkMacEntry is one entry of a ChunkMacMap: the MAC of the chunk starting
// at a given offset, and whether that chunk has been durably written.
type chunkMacEntry struct {
	mac      xferkey.Block
	finished bool
}

// ChunkMacMap is an ordered mapping from chunk-start offset to its MAC and
// completion state. Go has no built-in ordered map, so the offsets are kept
// in a separately maintained sorted slice alongside the lookup table rather
// than relying on map iteration order.
type ChunkMacMap struct {
	mux     sync.RWMutex
	entries map[int64]*chunkMacEntry
	order   []int64 // sorted ascending
}

// NewChunkMacMap returns an empty ChunkMacMap.
func NewChunkMacMap() *ChunkMacMap {
	return &ChunkMacMap{entries: make(map[int64]*chunkMacEntry)}
}

// Insert records the MAC for the chunk starting at pos. It does not mark the
// chunk finished; call MarkFinished once the bytes are durably written.
func (m *ChunkMacMap) Insert(pos int64, mac xferkey.Block) {
	m.mux.Lock()
	defer m.mux.Unlock()

	if _, exists := m.entries[pos]; !exists {
		m.insertOrdered(pos)
	}
	m.entries[pos] = &chunkMacEntry{mac: mac}
}

// insertOrdered inserts pos into the sorted order slice. Caller holds mux.
func (m *ChunkMacMap) insertOrdered(pos int64) {
	i := sort.Search(len(m.order), func(i int) bool { return m.order[i] >= pos })
	m.order = append(m.order, 0)
	copy(m.order[i+1:], m.order[i:])
	m.order[i] = pos
}

// MarkFinished marks the chunk starting at pos as durably written. It is a
// no-op if pos was never inserted.
func (m *ChunkMacMap) MarkFinished(pos int64) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if e, exists := m.entries[pos]; exists {
		e.finished = true
	}
}

// Entry returns the MAC and finished state recorded for pos, and whether pos
// was recorded at all. Used when serializing the whole map for persistence.
func (m *ChunkMacMap) Entry(pos int64) (xferkey.Block, bool, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	e, exists := m.entries[pos]
	if !exists {
		return xferkey.Block{}, false, false
	}
	return e.mac, e.finished, true
}

// Contains reports whether pos has a recorded MAC.
func (m *ChunkMacMap) Contains(pos int64) bool {
	m.mux.RLock()
	defer m.mux.RUnlock()
	_, exists := m.entries[pos]
	return exists
}

// Finished reports whether the chunk at pos exists and is marked finished.
func (m *ChunkMacMap) Finished(pos int64) bool {
	m.mux.RLock()
	defer m.mux.RUnlock()
	e, exists := m.entries[pos]
	return exists && e.finished
}

// Len returns the number of recorded chunk entries.
func (m *ChunkMacMap) Len() int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return len(m.order)
}

// Offsets returns a copy of the recorded chunk offsets in ascending order.
func (m *ChunkMacMap) Offsets() []int64 {
	m.mux.RLock()
	defer m.mux.RUnlock()
	out := make([]int64, len(m.order))
	copy(out, m.order)
	return out
}

// Clear removes every entry. Used on EKEY so a restart re-downloads the
// whole file rather than trusting any previously accepted chunk MAC.
func (m *ChunkMacMap) Clear() {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.entries = make(map[int64]*chunkMacEntry)
	m.order = nil
}

// MacOfMacs folds every recorded chunk MAC, in ascending offset order, into
// the whole-file integrity tag.
func (m *ChunkMacMap) MacOfMacs(c *xferkey.Cipher) xferkey.Block {
	return m.macOfMacsGaps(c, -1, -1, -1, -1)
}

// MacOfMacsGaps computes the same fold as MacOfMacs but skips any chunk
// offset lying in [a,b) or [c,d). Used by the legacy-MAC-recovery search.
// Pass a==b and c==d (or negative bounds) to disable a gap.
func (m *ChunkMacMap) MacOfMacsGaps(cph *xferkey.Cipher, a, b, c, d int64) xferkey.Block {
	return m.macOfMacsGaps(cph, a, b, c, d)
}

func (m *ChunkMacMap) macOfMacsGaps(cph *xferkey.Cipher, a, b, c, d int64) xferkey.Block {
	m.mux.RLock()
	defer m.mux.RUnlock()

	macs := make([]xferkey.Block, 0, len(m.order))
	for _, pos := range m.order {
		if inGap(pos, a, b) || inGap(pos, c, d) {
			continue
		}
		macs = append(macs, m.entries[pos].mac)
	}

	return cph.MacOfMacs(macs)
}

func inGap(pos, start, end int64) bool {
	if start < 0 || end < 0 || start == end {
		return false
	}
	return pos >= start && pos < end
}

// FinishedUploadChunks merges completed uploader-local MACs from other into
// m, marking each merged chunk finished. Used when a late connection's
// SUCCESS races the earlier connections' own chunk-MAC writes.
func (m *ChunkMacMap) FinishedUploadChunks(other *ChunkMacMap) {
	other.mux.RLock()
	entries := make(map[int64]chunkMacEntry, len(other.order))
	order := make([]int64, len(other.order))
	copy(order, other.order)
	for _, pos := range order {
		entries[pos] = *other.entries[pos]
	}
	other.mux.RUnlock()

	m.mux.Lock()
	defer m.mux.Unlock()
	for _, pos := range order {
		e := entries[pos]
		if !e.finished {
			continue
		}
		if _, exists := m.entries[pos]; !exists {
			m.insertOrdered(pos)
		}
		m.entries[pos] = &chunkMacEntry{mac: e.mac, finished: true}
	}
}
