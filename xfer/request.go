package xfer

import (
	"sync/atomic"
	"time"

	"github.com/SUS81/sdk/httpio"
)

// ConnState is the per-connection lifecycle, extended past the wire-level
// httpio.State with the crypto and async-I/O phases a connection passes
// through once its HTTP leg completes.
type ConnState int

const (
	CReady ConnState = iota
	CPrepared
	CInflight
	CSuccess
	CDecrypting
	CDecrypted
	CEncrypting
	CAsyncIO
	CFailure
	CDone
)

func (s ConnState) String() string {
	switch s {
	case CReady:
		return "READY"
	case CPrepared:
		return "PREPARED"
	case CInflight:
		return "INFLIGHT"
	case CSuccess:
		return "SUCCESS"
	case CDecrypting:
		return "DECRYPTING"
	case CDecrypted:
		return "DECRYPTED"
	case CEncrypting:
		return "ENCRYPTING"
	case CAsyncIO:
		return "ASYNCIO"
	case CFailure:
		return "FAILURE"
	case CDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// connectionPayload is the sum-type half of a Connection that differs
// between upload and download. Exactly
// one of the two pointer fields is non-nil for the lifetime of a
// Connection, decided by the owning Slot's Transfer.Direction.
type connectionPayload struct {
	download *downloadPayload
	upload   *uploadPayload
}

// downloadPayload carries a GET connection's receive state: the buffer
// released flag guards against double-submission to the Buffer manager.
type downloadPayload struct {
	bufferReleased bool
}

// uploadPayload carries a PUT connection's send state: the encrypted chunk
// about to be uploaded (kept for a retry) and the chunk-MAC accumulator it produced, pending
// merge into the transfer's authoritative ChunkMacMap via
// FinishedUploadChunks, used when a late connection's SUCCESS races the
// earlier connections' own chunk-MAC writes.
type uploadPayload struct {
	pendingOut    []byte
	localMacs     *ChunkMacMap
}

// Connection is one of a TransferSlot's C parallel HTTP legs, driving one
// httpio.Request through the READY→PREPARED→INFLIGHT→{SUCCESS|FAILURE}
// transport cycle and, for a completed leg, the crypto and file-I/O phases
// that follow it.
type Connection struct {
	Index int
	State ConnState

	Req httpio.Request

	RangeStart, RangeEnd int64
	ChunkStart           int64 // chunk boundary the in-flight range began at

	Piece *FilePiece

	payload connectionPayload

	cryptoResult <-chan CryptoResult
	asyncResult  <-chan asyncOutcome
	discard      int32 // atomic bool; set by Slot.Cancel

	lastData time.Time
}

// asyncOutcome unifies fsio's AsyncResult for both read (upload) and write
// (download) so Slot.serviceAsyncIO doesn't need to know which direction it is.
type asyncOutcome struct {
	finished bool
	failed   bool
	retry    bool
	err      error
}

// newConnection returns a fresh, READY Connection for slot index i.
func newConnection(i int, req httpio.Request, isGet bool) *Connection {
	c := &Connection{Index: i, State: CReady, Req: req}
	if isGet {
		c.payload.download = &downloadPayload{}
	} else {
		c.payload.upload = &uploadPayload{localMacs: NewChunkMacMap()}
	}
	return c
}

// IsDiscarded reports whether this connection's outstanding crypto or async
// work should be dropped once it completes.
func (c *Connection) IsDiscarded() bool {
	return atomic.LoadInt32(&c.discard) != 0
}

// MarkDiscard flags outstanding work on this connection as discardable.
func (c *Connection) MarkDiscard() {
	atomic.StoreInt32(&c.discard, 1)
}

// reset returns the connection to READY for its next range, clearing
// per-request transient state but preserving payload/localMacs.
func (c *Connection) reset() {
	c.State = CReady
	c.Piece = nil
	c.cryptoResult = nil
	c.asyncResult = nil
	if c.payload.download != nil {
		c.payload.download.bufferReleased = false
	}
}
