package xfer

import (
	"sync"

	"github.com/pkg/errors"
)

// RAID geometry constants: six storage parts, any five of
// which reconstruct the original bytestream by XOR; RAIDSECTOR is the width
// of one XOR line within a stripe.
const (
	RaidParts  = 6
	RaidSector = 16
	// RaidLine is one stripe's worth of original-file bytes: five data
	// lines of RaidSector bytes each (the sixth part carries parity).
	RaidLine = RaidSector * (RaidParts - 1)
)

// RaidPartSize returns the number of bytes stored on part i for an original
// file of the given size. Each full stripe gives every part RaidSector bytes;
// the bytes of a final partial stripe are dealt out RaidSector at a time to
// parts 0, 1, ... in order, and the part that gets the last, shorter slice
// holds only the leftover bytes. Sizes are not rounded up to a sector.
func RaidPartSize(i int, size int64) int64 {
	dataParts := int64(RaidParts - 1)
	full := size / RaidLine
	rem := size % RaidLine
	partSize := full * RaidSector

	remSectors := rem / RaidSector
	remTail := rem % RaidSector

	if int64(i) < remSectors {
		partSize += RaidSector
	} else if int64(i) == remSectors && remTail > 0 {
		partSize += remTail
	}
	_ = dataParts
	return partSize
}

// raidStripe accumulates the bytes received so far for one stripe across
// however many of the 5 needed parts have reported in.
type raidStripe struct {
	have    [RaidParts]bool
	data    [RaidParts][]byte // each up to RaidSector bytes; parity in slot RaidParts-1 conceptually, but any part can be the "deduced" one
	present int
}

// RaidBuffer is the RAID-reassembly transfer buffer for RAID mode (6
// parts): it fans a download out to RaidParts storage parts,
// tolerates one slow or failed part via XOR reconstruction, and feeds a
// contiguous, strictly-ascending output pipeline.
type RaidBuffer struct {
	mux sync.Mutex

	size        int64
	partPos     [RaidParts]int64 // fetch cursor: next byte of each part's stream to assign
	abandoned   [RaidParts]bool
	fivePartIdx int // index of the part dropped by a single permitted recovery; -1 if none
	recovered   bool

	stripes map[int64]*raidStripe // keyed by stripe index
	nextOut int64                 // next output offset, in original-file bytes

	lastProgress [RaidParts]int64 // used by DetectSlowestRaidConnection
}

// NewRaidBuffer returns a RaidBuffer for a download of the given original
// file size.
func NewRaidBuffer(size int64) *RaidBuffer {
	return &RaidBuffer{
		size:        size,
		fivePartIdx: -1,
		stripes:     make(map[int64]*raidStripe),
	}
}

// Seed positions every part's fetch cursor and the output cursor at
// progressCompleted original-file bytes, for resuming a RAID download after
// a restart. Each part's cursor is derived from RaidPartSize, a pure
// function of part index and file size, so no per-part state needs to be
// persisted separately from progressCompleted itself. A resumed transfer
// always restarts in full 6-part mode: any part previously abandoned via
// TryRaidHttpGetErrorRecovery is not remembered across a restart, and a
// fresh recovery is attempted if a part stalls or fails again.
func (b *RaidBuffer) Seed(progressCompleted int64) {
	b.mux.Lock()
	defer b.mux.Unlock()
	for i := 0; i < RaidParts; i++ {
		pos := RaidPartSize(i, progressCompleted)
		b.partPos[i] = pos
		b.lastProgress[i] = pos
	}
	b.nextOut = progressCompleted
}

// NextRange implements Buffer for part i: it returns the next unreceived
// byte range of part i's own (encoded, sector-sized) stream.
func (b *RaidBuffer) NextRange(i int, maxReq int64) (int64, int64) {
	b.mux.Lock()
	defer b.mux.Unlock()

	if b.abandoned[i] {
		return 0, 0
	}

	partSize := RaidPartSize(i, b.size)
	start := b.partPos[i]
	if start >= partSize {
		return start, start
	}
	end := start + maxReq
	// Always land on a sector boundary, per transferslot.cpp's "always on a
	// raidline boundary" invariant.
	end -= end % RaidSector
	if end <= start {
		end = start + RaidSector
	}
	if end > partSize {
		end = partSize
	}
	b.partPos[i] = end
	return start, end
}

// SubmitBuffer implements Buffer: piece.Buf is part i's raw bytes for
// [piece.Pos, piece.End()) of that part's own stream; it is sliced into
// RaidSector lines and folded into the stripes they belong to.
func (b *RaidBuffer) SubmitBuffer(i int, piece *FilePiece) {
	b.mux.Lock()
	defer b.mux.Unlock()

	if b.abandoned[i] {
		return
	}

	off := piece.Pos
	buf := piece.Buf
	for len(buf) > 0 {
		n := RaidSector
		if n > len(buf) {
			n = len(buf)
		}
		stripeIdx := off / RaidSector
		s, exists := b.stripes[stripeIdx]
		if !exists {
			s = &raidStripe{}
			b.stripes[stripeIdx] = s
		}
		if !s.have[i] {
			line := make([]byte, RaidSector)
			copy(line, buf[:n])
			s.data[i] = line
			s.have[i] = true
			s.present++
		}

		off += int64(n)
		buf = buf[n:]
	}

	b.lastProgress[i] = piece.End()
}

// NextOutputPiece implements Buffer: a stripe is ready once 5 of its 6
// parts (accounting for any permanently abandoned part as "never coming")
// have reported in; the missing one (if any) is recovered by XOR.
func (b *RaidBuffer) NextOutputPiece() *FilePiece {
	b.mux.Lock()
	defer b.mux.Unlock()

	stripeIdx := b.nextOut / RaidLine
	s, exists := b.stripes[stripeIdx]
	if !exists {
		return nil
	}

	// Always require all RaidParts-1 non-abandoned parts present for a
	// stripe, whether or not a part has already been dropped by
	// TryRaidHttpGetErrorRecovery: one XOR equation can recover at most one
	// unknown. In ordinary 6-part mode that unknown is the one genuinely
	// slow/missing part; once a part has been abandoned, there is no
	// second unknown to spare, so a stalled 6th connection in 5-part mode
	// must go through the stall/fatal path rather than a second
	// reconstruction.
	if s.present < RaidParts-1 {
		return nil
	}

	data := b.reassemble(s)

	remaining := b.size - b.nextOut
	if int64(len(data)) > remaining {
		data = data[:remaining]
	}

	return &FilePiece{Pos: b.nextOut, Buf: data}
}

// reassemble XORs every present line to recover any single missing one,
// then concatenates the RaidParts-1 data lines (parity excluded) in part
// order to produce up to RaidLine bytes of original-file content.
func (b *RaidBuffer) reassemble(s *raidStripe) []byte {
	missing := -1
	var xor [RaidSector]byte
	for i := 0; i < RaidParts; i++ {
		if b.abandoned[i] {
			continue
		}
		if !s.have[i] {
			missing = i
			continue
		}
		for j := 0; j < RaidSector; j++ {
			xor[j] ^= s.data[i][j]
		}
	}
	if missing >= 0 {
		line := make([]byte, RaidSector)
		copy(line, xor[:])
		s.data[missing] = line
		s.have[missing] = true
	}

	out := make([]byte, 0, RaidLine)
	for i := 0; i < RaidParts-1; i++ {
		out = append(out, s.data[i]...)
	}
	return out
}

// WriteCompleted implements Buffer.
func (b *RaidBuffer) WriteCompleted(piece *FilePiece, ok bool) {
	b.mux.Lock()
	defer b.mux.Unlock()

	stripeIdx := piece.Pos / RaidLine
	if ok {
		b.nextOut = piece.End()
		delete(b.stripes, stripeIdx)
	}
}

// DetectSlowestRaidConnection finds the non-abandoned part with the least
// progress (the end of its last submitted piece) and returns its index and
// true once at least RaidParts-2 of the other non-abandoned parts are
// lineThreshold bytes or more ahead of it; otherwise it returns -1 and
// false. It records nothing and does not check which connections are in
// flight.
func (b *RaidBuffer) DetectSlowestRaidConnection(lineThreshold int64) (int, bool) {
	b.mux.Lock()
	defer b.mux.Unlock()

	advanced := 0
	var slowest, slowestPos int64 = -1, -1
	for i := 0; i < RaidParts; i++ {
		if b.abandoned[i] {
			continue
		}
		if slowestPos < 0 || b.lastProgress[i] < slowestPos {
			slowest = int64(i)
			slowestPos = b.lastProgress[i]
		}
	}
	if slowest < 0 {
		return -1, false
	}
	for i := 0; i < RaidParts; i++ {
		if i == int(slowest) || b.abandoned[i] {
			continue
		}
		if b.lastProgress[i]-slowestPos >= lineThreshold {
			advanced++
		}
	}
	if advanced >= RaidParts-2 {
		return int(slowest), true
	}
	return -1, false
}

// TryRaidHttpGetErrorRecovery switches reassembly to 5-part mode, dropping
// failedIdx permanently. At most one such switch is allowed per transfer;
// a second failure is fatal.
func (b *RaidBuffer) TryRaidHttpGetErrorRecovery(failedIdx int) error {
	b.mux.Lock()
	defer b.mux.Unlock()

	if b.recovered {
		return errors.Errorf("raid: a part has already been dropped for this transfer; second failure on part %d is fatal", failedIdx)
	}
	b.abandoned[failedIdx] = true
	b.fivePartIdx = failedIdx
	b.recovered = true
	return nil
}

// PartAbandoned reports whether part i has been permanently dropped.
func (b *RaidBuffer) PartAbandoned(i int) bool {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.abandoned[i]
}
