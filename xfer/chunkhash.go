package xfer

// segSize is the base unit of the chunk-boundary progression: 128 KiB.
const segSize int64 = 131072

// plateauChunk is the chunk size every chunk settles to once the geometric
// growth phase (1, 2, ..., 8 segments) has been exhausted: 1 MiB.
const plateauChunk int64 = 8 * segSize

// chunkFloor returns the start offset of the chunk containing byte p. It is
// the companion of chunkCeil: chunkFloor(p) <= p < chunkCeil(p, size) for any
// p within [0, size).
func chunkFloor(p int64) int64 {
	var cf, cpf int64
	for i := int64(1); i <= 8; i++ {
		cpf = cf
		cf += i * segSize
		if cf > p {
			return cpf
		}
	}
	return (p-cpf)/plateauChunk*plateauChunk + cpf
}

// chunkCeil returns the boundary strictly greater than pos, following the
// triangular-then-plateau progression: the k-th
// chunk boundary is min(k*(k+1)/2*segSize, previous+1MiB). It is clamped to
// limit when limit is non-zero. This geometry is a wire-compatible contract:
// every implementation must produce identical boundaries for the same pos.
func chunkCeil(pos, limit int64) int64 {
	var cc, cpc int64
	for i := int64(1); i <= 8; i++ {
		cpc = cc
		cc += i * segSize
		if cc > pos {
			if limit > 0 && cc > limit {
				return limit
			}
			return cc
		}
	}

	cc = (pos-cpc)/plateauChunk*plateauChunk + plateauChunk + cpc
	if limit > 0 && cc > limit {
		return limit
	}
	return cc
}
