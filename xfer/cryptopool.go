package xfer

import (
	"strconv"
	"sync/atomic"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/SUS81/sdk/stoppable"
	"github.com/SUS81/sdk/xferkey"
)

// CryptoJob is one piece of authenticated en/decryption work handed to the
// bounded worker pool, along with a copy of the per-transfer key material.
// Discard is flipped by Cancel; the worker still runs the job to completion
// but the result is never delivered.
type CryptoJob struct {
	Piece      *FilePiece
	Cipher     *xferkey.Cipher
	CtrIV      uint64
	ChunkStart int64
	Encrypt    bool // false = decrypt; CTR is self-inverse either way

	Discard *int32 // atomic bool; set by the owning slot on cancellation

	result chan CryptoResult
}

// CryptoResult is what a worker produces once a CryptoJob finishes: the
// piece, now finalized in place, and the chunk MAC computed over its
// plaintext.
type CryptoResult struct {
	Piece *FilePiece
	Mac   xferkey.Block
}

// CryptoPool is the bounded crypto worker pool shared by every active slot:
// a fixed-size en/decryption worker pool fed by a job channel and torn down
// through the same stoppable pattern used elsewhere in this package.
type CryptoPool struct {
	jobs  chan CryptoJob
	stops []*stoppable.Single
}

// NewCryptoPool starts workers goroutines draining a shared job queue.
func NewCryptoPool(workers int) *CryptoPool {
	if workers < 1 {
		workers = 1
	}
	p := &CryptoPool{jobs: make(chan CryptoJob, workers*4)}
	for i := 0; i < workers; i++ {
		stop := stoppable.NewSingle(cryptoWorkerName(i))
		p.stops = append(p.stops, stop)
		go p.worker(stop)
	}
	return p
}

func cryptoWorkerName(i int) string {
	return "crypto-worker-" + strconv.Itoa(i)
}

func (p *CryptoPool) worker(stop *stoppable.Single) {
	for {
		select {
		case <-stop.Quit():
			stop.ToStopped()
			return
		case job := <-p.jobs:
			p.run(job)
		}
	}
}

func (p *CryptoPool) run(job CryptoJob) {
	// The chunk MAC is always a function of plaintext, so it must be taken
	// before encryption but can only be taken after decryption.
	var mac xferkey.Block
	if job.Encrypt {
		mac = job.Cipher.ChunkMAC(job.CtrIV, job.ChunkStart, job.Piece.Buf)
	}

	job.Cipher.XORCrypt(job.CtrIV, job.Piece.Pos, job.Piece.Buf)

	if !job.Encrypt {
		mac = job.Cipher.ChunkMAC(job.CtrIV, job.ChunkStart, job.Piece.Buf)
	}

	job.Piece.Finalized = true

	if job.Discard != nil && atomic.LoadInt32(job.Discard) != 0 {
		jww.DEBUG.Printf("[XFER] Discarding finished crypto job for piece at %d (cancelled).", job.Piece.Pos)
		return
	}

	if job.result != nil {
		job.result <- CryptoResult{Piece: job.Piece, Mac: mac}
	}
}

// Submit enqueues job and returns a channel receiving exactly one
// CryptoResult, unless job.Discard is later set, in which case nothing is
// ever sent (the caller must poll Discard itself rather than block forever).
func (p *CryptoPool) Submit(job CryptoJob) <-chan CryptoResult {
	result := make(chan CryptoResult, 1)
	job.result = result
	p.jobs <- job
	return result
}

// Shutdown stops every worker, waiting up to timeout per worker.
func (p *CryptoPool) Shutdown(timeout time.Duration) {
	for _, s := range p.stops {
		if err := s.Close(timeout); err != nil {
			jww.WARN.Printf("[XFER] Crypto worker %q did not stop cleanly: %+v", s.Name(), err)
		}
	}
}
