package xfer

import (
	"sort"
	"sync"
)

// Buffer is the contract both transfer-buffer modes (non-RAID and RAID)
// satisfy: it hands connections the next byte range to fetch, accepts
// completed I/O, and exposes completed pieces to the writer in strictly
// ascending file-offset order.
type Buffer interface {
	// NextRange returns the next [start,end) byte range connection i should
	// fetch, bounded by maxReq bytes and a chunk boundary. A zero-length
	// range means nothing is left to assign to this connection.
	NextRange(i int, maxReq int64) (start, end int64)

	// SubmitBuffer attaches a received/encrypted piece from connection i to
	// the output pipeline.
	SubmitBuffer(i int, piece *FilePiece)

	// NextOutputPiece returns the next piece ready to hand the writer, or
	// nil if none is ready yet (e.g. its predecessor hasn't arrived, or a
	// RAID stripe isn't fully reassembled).
	NextOutputPiece() *FilePiece

	// WriteCompleted releases the piece last returned by NextOutputPiece.
	// On ok, the output cursor advances past it. On failure, NonRaidBuffer
	// drops the piece without making its range assignable again (the
	// caller rolls the fetch cursor back with Requeue), and RaidBuffer keeps
	// the stripe so NextOutputPiece offers the same piece again.
	WriteCompleted(piece *FilePiece, ok bool)
}

// NonRaidBuffer is the single- or multi-connection, non-erasure-coded
// buffer manager used outside RAID mode. Every connection pulls its next
// range from one shared fetch cursor, so work is naturally divided across
// however many connections ask for it rather than statically partitioned up
// front; connection index only matters for SubmitBuffer's own bookkeeping.
type NonRaidBuffer struct {
	mux        sync.Mutex
	size       int64
	nextAssign int64 // next byte not yet handed to any connection
	pending    map[int64]*FilePiece
	ordered    []int64 // sorted ascending keys of pending
	nextOut    int64   // offset the next output piece must start at
}

// NewNonRaidBuffer returns a buffer manager for a file of the given size,
// starting at offset 0 (the caller seeds a resumed Transfer.Pos/
// ProgressCompleted via Seed).
func NewNonRaidBuffer(size int64) *NonRaidBuffer {
	return &NonRaidBuffer{
		size:    size,
		pending: make(map[int64]*FilePiece),
	}
}

// Seed sets the shared fetch cursor and the offset the output queue should
// begin emitting from (used to resume a transfer).
func (b *NonRaidBuffer) Seed(nextAssign, nextOut int64) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.nextAssign = nextAssign
	b.nextOut = nextOut
}

// NextRange implements Buffer: every connection draws from the same
// nextAssign cursor, so whichever connection calls in first claims the next
// range. The range covers as many whole chunks as fit in maxReq, but always
// at least one chunk even if that chunk alone is longer than maxReq, and it
// never runs past size.
func (b *NonRaidBuffer) NextRange(_ int, maxReq int64) (int64, int64) {
	b.mux.Lock()
	defer b.mux.Unlock()

	start := b.nextAssign
	if start >= b.size {
		return start, start
	}

	// Walk chunk boundaries until adding another chunk would exceed maxReq,
	// so a single HTTP request spans whole chunks (needed for per-chunk
	// MAC computation on SUCCESS).
	end := start
	for end-start < maxReq {
		next := chunkCeil(end, b.size)
		if next == end {
			break
		}
		if next-start > maxReq && end > start {
			break
		}
		end = next
		if end >= b.size {
			break
		}
	}

	if end > b.size {
		end = b.size
	}

	b.nextAssign = end
	return start, end
}

// SubmitBuffer implements Buffer.
func (b *NonRaidBuffer) SubmitBuffer(_ int, piece *FilePiece) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.insertPending(piece)
}

func (b *NonRaidBuffer) insertPending(piece *FilePiece) {
	if _, exists := b.pending[piece.Pos]; !exists {
		i := sort.Search(len(b.ordered), func(i int) bool { return b.ordered[i] >= piece.Pos })
		b.ordered = append(b.ordered, 0)
		copy(b.ordered[i+1:], b.ordered[i:])
		b.ordered[i] = piece.Pos
	}
	b.pending[piece.Pos] = piece
}

// NextOutputPiece implements Buffer: it only returns a piece whose Pos
// equals the next expected output offset, holding out-of-order arrivals
// until their predecessor shows up.
func (b *NonRaidBuffer) NextOutputPiece() *FilePiece {
	b.mux.Lock()
	defer b.mux.Unlock()

	piece, exists := b.pending[b.nextOut]
	if !exists {
		return nil
	}
	return piece
}

// WriteCompleted implements Buffer.
func (b *NonRaidBuffer) WriteCompleted(piece *FilePiece, ok bool) {
	b.mux.Lock()
	defer b.mux.Unlock()

	delete(b.pending, piece.Pos)
	b.removeOrdered(piece.Pos)

	if ok {
		b.nextOut = piece.End()
	}
	// On failure the piece is simply dropped; nextAssign was already
	// advanced past it in NextRange, so the caller must roll the shared
	// cursor back to piece.Pos before the range is requested again. See
	// (*NonRaidBuffer).Requeue.
}

// Requeue rolls the shared fetch cursor back to pos, so previously
// assigned-but-failed bytes starting at pos are handed out again. A no-op if
// the cursor has already been rolled back past pos by another failure.
func (b *NonRaidBuffer) Requeue(pos int64) {
	b.mux.Lock()
	defer b.mux.Unlock()
	if pos < b.nextAssign {
		b.nextAssign = pos
	}
}

func (b *NonRaidBuffer) removeOrdered(pos int64) {
	i := sort.Search(len(b.ordered), func(i int) bool { return b.ordered[i] >= pos })
	if i < len(b.ordered) && b.ordered[i] == pos {
		b.ordered = append(b.ordered[:i], b.ordered[i+1:]...)
	}
}

// AllAssigned reports whether every byte of the file has already been
// handed out to some connection.
func (b *NonRaidBuffer) AllAssigned() bool {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.nextAssign >= b.size
}
