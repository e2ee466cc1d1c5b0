package xfer

import "testing"

// Tests that chunkCeil produces the triangular 128 KiB progression
// (1,2,...,8 segments) before settling into the 1 MiB plateau.
func TestChunkCeil_Progression(t *testing.T) {
	expected := []int64{
		1 * segSize,
		3 * segSize,
		6 * segSize,
		10 * segSize,
		15 * segSize,
		21 * segSize,
		28 * segSize,
		36 * segSize,
		36*segSize + plateauChunk,
	}

	pos := int64(0)
	for i, want := range expected {
		got := chunkCeil(pos, 0)
		if got != want {
			t.Errorf("chunkCeil(%d) boundary %d: got %d, want %d", pos, i, got, want)
		}
		pos = got
	}
}

// Tests that chunkCeil clamps to limit when the natural boundary exceeds it.
func TestChunkCeil_Clamped(t *testing.T) {
	limit := int64(50000)
	got := chunkCeil(0, limit)
	if got != limit {
		t.Errorf("chunkCeil(0, %d) = %d, want %d", limit, got, limit)
	}
}

// Tests that the boundary walk never stalls: calling chunkCeil again at the
// boundary it just returned advances to the next boundary, so no boundary
// is returned twice over 20 steps.
func TestChunkCeil_StrictlyAdvances(t *testing.T) {
	pos := int64(0)
	seen := map[int64]bool{}
	for i := 0; i < 20; i++ {
		next := chunkCeil(pos, 0)
		if seen[next] {
			t.Fatalf("boundary %d repeated", next)
		}
		seen[next] = true
		pos = next
	}
}

// Tests that chunkFloor(p) <= p < chunkCeil(p, 0) holds across the
// progression and into the plateau.
func TestChunkFloorCeil_Bracket(t *testing.T) {
	for _, p := range []int64{0, 1, segSize, segSize + 1, 50 * segSize, 100 * segSize} {
		floor := chunkFloor(p)
		ceil := chunkCeil(p, 0)
		if floor > p {
			t.Errorf("chunkFloor(%d) = %d, want <= %d", p, floor, p)
		}
		if ceil <= p {
			t.Errorf("chunkCeil(%d) = %d, want > %d", p, ceil, p)
		}
	}
}

// Tests that, well into the plateau, consecutive boundaries are exactly
// plateauChunk apart.
func TestChunkCeil_PlateauSpacing(t *testing.T) {
	pos := int64(100) * plateauChunk
	first := chunkCeil(pos, 0)
	second := chunkCeil(first, 0)
	if second-first != plateauChunk {
		t.Errorf("plateau spacing = %d, want %d", second-first, plateauChunk)
	}
}
