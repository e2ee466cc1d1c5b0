// Package fsio is the filesystem collaborator the transfer engine writes
// decrypted downloads to and reads plaintext uploads from. Both a
// synchronous and an asynchronous (worker-pool-backed) path are exposed.
package fsio

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// AsyncResult is the outcome of an asynchronous read or write, received by
// the scheduler from the channel AsyncWrite or AsyncRead returns.
type AsyncResult struct {
	Finished bool
	Failed   bool
	Retry    bool
	N        int
	Err      error
}

// FileAccess is the collaborator contract for the local
// filesystem: synchronous and asynchronous read/write plus an
// asyncavailable() capability probe.
type FileAccess interface {
	// Open opens path for read (write=false) or write (write=true). If
	// existing is true, an existing file is reused (resume) rather than
	// truncated.
	Open(path string, write, existing bool) error

	// Write writes buf at pos, synchronously.
	Write(buf []byte, pos int64) error

	// Read reads len(out) bytes starting at pos, synchronously. If the read
	// runs past EOF after at least one byte was read, the tail is
	// zero-padded (pad=true) or an error is returned (pad=false); a read
	// that gets no bytes at all returns an error either way. The returned
	// count does not include padding.
	Read(out []byte, pad bool, pos int64) (int, error)

	// AsyncWrite starts a background write and returns a channel that
	// receives exactly one AsyncResult.
	AsyncWrite(buf []byte, pos int64) <-chan AsyncResult

	// AsyncRead starts a background read and returns a channel that
	// receives exactly one AsyncResult alongside the buffer it fills.
	AsyncRead(out []byte, pad bool, pos int64) <-chan AsyncResult

	// AsyncAvailable reports whether the async path has a free worker slot
	// right now; the slot decides whether to use sync or async per chunk
	// size.
	AsyncAvailable() bool

	// Close closes the underlying file handle.
	Close() error

	// Reopen closes any async handle and reopens the file in synchronous
	// mode, used on slot destruction.
	Reopen() error
}

// osFileAccess is the default FileAccess, backed by *os.File and a bounded
// worker pool for the async variants.
type osFileAccess struct {
	mux      sync.Mutex
	f        *os.File
	path     string
	write    bool
	workers  chan struct{} // bounded pool semaphore
}

// maxAsyncWorkers bounds concurrent async I/O per file handle, mirroring the
// bounded crypto worker pool's shape.
const maxAsyncWorkers = 4

// NewFileAccess returns a default, os-backed FileAccess.
func NewFileAccess() FileAccess {
	return &osFileAccess{workers: make(chan struct{}, maxAsyncWorkers)}
}

func (a *osFileAccess) Open(path string, write, existing bool) error {
	a.mux.Lock()
	defer a.mux.Unlock()

	flags := os.O_RDONLY
	if write {
		flags = os.O_WRONLY | os.O_CREATE
		if !existing {
			flags |= os.O_TRUNC
		}
	}

	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return errors.Errorf("failed to open %q: %+v", path, err)
	}

	a.f = f
	a.path = path
	a.write = write
	return nil
}

func (a *osFileAccess) Write(buf []byte, pos int64) error {
	a.mux.Lock()
	f := a.f
	a.mux.Unlock()

	if _, err := f.WriteAt(buf, pos); err != nil {
		return errors.Errorf("failed to write %d bytes at %d: %+v", len(buf), pos, err)
	}
	return nil
}

func (a *osFileAccess) Read(out []byte, pad bool, pos int64) (int, error) {
	a.mux.Lock()
	f := a.f
	a.mux.Unlock()

	n, err := f.ReadAt(out, pos)
	if err != nil {
		if pad && n > 0 {
			for i := n; i < len(out); i++ {
				out[i] = 0
			}
			return n, nil
		}
		return n, errors.Errorf("failed to read %d bytes at %d: %+v", len(out), pos, err)
	}
	return n, nil
}

func (a *osFileAccess) AsyncWrite(buf []byte, pos int64) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	a.workers <- struct{}{}
	go func() {
		defer func() { <-a.workers }()
		err := a.Write(buf, pos)
		out <- AsyncResult{Finished: err == nil, Failed: err != nil, Retry: err != nil, Err: err, N: len(buf)}
	}()
	return out
}

func (a *osFileAccess) AsyncRead(dst []byte, pad bool, pos int64) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	a.workers <- struct{}{}
	go func() {
		defer func() { <-a.workers }()
		n, err := a.Read(dst, pad, pos)
		out <- AsyncResult{Finished: err == nil, Failed: err != nil, Retry: err != nil, Err: err, N: n}
	}()
	return out
}

func (a *osFileAccess) AsyncAvailable() bool {
	return len(a.workers) < maxAsyncWorkers
}

func (a *osFileAccess) Close() error {
	a.mux.Lock()
	defer a.mux.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// Reopen closes the current handle (waiting for in-flight async workers to
// drain) and reopens synchronously in the same read/write mode, always as an
// existing file, so a write handle is never truncated.
func (a *osFileAccess) Reopen() error {
	for i := 0; i < maxAsyncWorkers; i++ {
		a.workers <- struct{}{}
	}
	for i := 0; i < maxAsyncWorkers; i++ {
		<-a.workers
	}

	a.mux.Lock()
	path, write := a.path, a.write
	a.mux.Unlock()

	if err := a.Close(); err != nil {
		return err
	}
	return a.Open(path, write, true)
}
