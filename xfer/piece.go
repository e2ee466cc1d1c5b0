package xfer

// FilePiece is one contiguous run of file bytes moving through the engine.
// Finalized means authenticated en/decryption has already been applied to
// Buf; Buf's length is a multiple of xferkey.BlockSize except
// for the last piece of the file.
type FilePiece struct {
	Pos      int64
	Buf      []byte
	Finalized bool
}

// End returns the file offset one past the last byte of this piece.
func (p *FilePiece) End() int64 {
	return p.Pos + int64(len(p.Buf))
}
