package xfer

import "testing"

func TestRaidPartSize_EvenSplit(t *testing.T) {
	size := RaidLine * 3 // exactly 3 full stripes, no remainder
	for i := 0; i < RaidParts-1; i++ {
		got := RaidPartSize(i, int64(size))
		want := int64(3 * RaidSector)
		if got != want {
			t.Errorf("RaidPartSize(%d, %d) = %d, want %d", i, size, got, want)
		}
	}
}

func TestRaidPartSize_SumsToDataBytes(t *testing.T) {
	size := int64(RaidLine*2 + RaidSector + 5)
	var sum int64
	for i := 0; i < RaidParts-1; i++ {
		sum += RaidPartSize(i, size)
	}
	// The data parts together store exactly size bytes: RaidPartSize does
	// not pad a part past the file's own bytes.
	if sum < size {
		t.Errorf("sum of data-part sizes = %d, want >= size %d", sum, size)
	}
}

func TestRaidBuffer_NextRange_SectorAligned(t *testing.T) {
	b := NewRaidBuffer(int64(RaidLine * 10))

	_, end := b.NextRange(0, 100)
	if end%RaidSector != 0 {
		t.Errorf("NextRange end = %d, not sector aligned (%d)", end, RaidSector)
	}
}

func TestRaidBuffer_AbandonedPartReturnsEmptyRange(t *testing.T) {
	b := NewRaidBuffer(int64(RaidLine * 10))
	if err := b.TryRaidHttpGetErrorRecovery(2); err != nil {
		t.Fatalf("TryRaidHttpGetErrorRecovery() error: %v", err)
	}

	start, end := b.NextRange(2, 100)
	if start != 0 || end != 0 {
		t.Errorf("NextRange on abandoned part = (%d,%d), want (0,0)", start, end)
	}
	if !b.PartAbandoned(2) {
		t.Errorf("PartAbandoned(2) = false, want true")
	}
}

// Tests that a second recovery attempt is rejected as fatal, per the
// at-most-one-drop rule.
func TestRaidBuffer_SecondRecoveryIsFatal(t *testing.T) {
	b := NewRaidBuffer(int64(RaidLine * 10))
	if err := b.TryRaidHttpGetErrorRecovery(1); err != nil {
		t.Fatalf("first recovery: unexpected error %v", err)
	}
	if err := b.TryRaidHttpGetErrorRecovery(3); err == nil {
		t.Fatalf("second recovery: expected an error, got nil")
	}
}

// Tests the full XOR-reconstruction path: submit 5 of 6 parts worth of data
// for one stripe and confirm the 6th (missing) part's contribution is
// correctly recovered and the first RaidLine bytes reassemble to the
// expected five-part concatenation.
func TestRaidBuffer_ReassembleRecoversMissingPart(t *testing.T) {
	b := NewRaidBuffer(int64(RaidLine))

	lines := make([][]byte, RaidParts)
	var parity [RaidSector]byte
	for i := 0; i < RaidParts-1; i++ {
		line := make([]byte, RaidSector)
		for j := range line {
			line[j] = byte(i*16 + j)
		}
		lines[i] = line
		for j := 0; j < RaidSector; j++ {
			parity[j] ^= line[j]
		}
	}
	lines[RaidParts-1] = parity[:]

	// Submit every part except index 2 (simulate the missing/slow part).
	for i := 0; i < RaidParts; i++ {
		if i == 2 {
			continue
		}
		b.SubmitBuffer(i, &FilePiece{Pos: 0, Buf: lines[i]})
	}

	piece := b.NextOutputPiece()
	if piece == nil {
		t.Fatalf("NextOutputPiece() = nil, want a reassembled stripe with 5/6 parts present")
	}

	var want []byte
	for i := 0; i < RaidParts-1; i++ {
		want = append(want, lines[i]...)
	}
	if len(piece.Buf) != len(want) {
		t.Fatalf("reassembled length = %d, want %d", len(piece.Buf), len(want))
	}
	for i := range want {
		if piece.Buf[i] != want[i] {
			t.Errorf("reassembled byte %d = %d, want %d", i, piece.Buf[i], want[i])
		}
	}
}

// Tests that once TryRaidHttpGetErrorRecovery has dropped a part, a second
// stalled part on the same stripe must NOT be "solved" by the remaining
// single XOR equation: one XOR line can recover at most one unknown, and
// that slot was already spent on the permanently abandoned part. The
// stripe must stay unreleased until every one of the RaidParts-1
// non-abandoned parts has actually reported in.
func TestRaidBuffer_NextOutputPiece_SecondStallAfterRecoveryDoesNotRelease(t *testing.T) {
	b := NewRaidBuffer(int64(RaidLine))

	if err := b.TryRaidHttpGetErrorRecovery(5); err != nil {
		t.Fatalf("TryRaidHttpGetErrorRecovery() error: %v", err)
	}

	lines := make([][]byte, RaidParts-1)
	for i := 0; i < RaidParts-1; i++ {
		line := make([]byte, RaidSector)
		for j := range line {
			line[j] = byte(i*16 + j)
		}
		lines[i] = line
	}

	// Submit every non-abandoned part except part 4: two unknowns on this
	// stripe (part 4, plus the already-abandoned part 5), which a single
	// XOR line cannot resolve.
	for i := 0; i < RaidParts-2; i++ {
		b.SubmitBuffer(i, &FilePiece{Pos: 0, Buf: lines[i]})
	}

	if piece := b.NextOutputPiece(); piece != nil {
		t.Fatalf("NextOutputPiece() = %v, want nil: a second stall after recovery must stall, not be reconstructed", piece)
	}

	// Once the last non-abandoned part (4) arrives, every RaidParts-1 part
	// is actually present (no XOR reconstruction needed at all), and the
	// stripe releases with exactly the submitted data.
	b.SubmitBuffer(RaidParts-2, &FilePiece{Pos: 0, Buf: lines[RaidParts-2]})

	piece := b.NextOutputPiece()
	if piece == nil {
		t.Fatalf("NextOutputPiece() = nil after every non-abandoned part reported in")
	}

	var want []byte
	for i := 0; i < RaidParts-1; i++ {
		want = append(want, lines[i]...)
	}
	if len(piece.Buf) != len(want) {
		t.Fatalf("reassembled length = %d, want %d", len(piece.Buf), len(want))
	}
	for i := range want {
		if piece.Buf[i] != want[i] {
			t.Errorf("reassembled byte %d = %d, want %d", i, piece.Buf[i], want[i])
		}
	}
}

// Tests that WriteCompleted(ok) advances nextOut and drops the consumed
// stripe so a subsequent NextOutputPiece call doesn't return it again.
func TestRaidBuffer_WriteCompletedAdvances(t *testing.T) {
	b := NewRaidBuffer(int64(RaidLine))

	for i := 0; i < RaidParts; i++ {
		line := make([]byte, RaidSector)
		b.SubmitBuffer(i, &FilePiece{Pos: 0, Buf: line})
	}

	piece := b.NextOutputPiece()
	if piece == nil {
		t.Fatalf("NextOutputPiece() = nil before WriteCompleted")
	}
	b.WriteCompleted(piece, true)

	if b.NextOutputPiece() != nil {
		t.Errorf("NextOutputPiece() non-nil after the only stripe was consumed")
	}
}
