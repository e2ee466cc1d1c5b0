package xfer

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/SUS81/sdk/cache"
	"github.com/SUS81/sdk/fsio"
	"github.com/SUS81/sdk/httpio"
	"github.com/SUS81/sdk/progress"
	"github.com/SUS81/sdk/xferkey"
)

// Timeout and retry budget constants for the slot state machine.
const (
	XferTimeout      = 60 * time.Second
	ProgressTimeout  = 1 * time.Second
	maxErrorCount    = 4 // errorcount > 4 aborts, i.e. the 5th error is fatal
	overquotaDefault = 30 * time.Second
)

// maxRequestSizeSteps are the memory-budget steps a slot picks from on
// construction, based on available RAM (2/4/8/16 MiB steps).
var maxRequestSizeSteps = []int64{2 << 20, 4 << 20, 8 << 20, 16 << 20}

// ChooseMaxRequestSize picks the largest step not exceeding availableRAM/64
// (the smallest step if even that one exceeds it), a conservative fraction leaving headroom for C parallel buffers plus
// pending output pieces: total RAM use is bounded by
// C*maxRequestSize + pending-output-pieces.
func ChooseMaxRequestSize(availableRAM int64) int64 {
	budget := availableRAM / 64
	choice := maxRequestSizeSteps[0]
	for _, step := range maxRequestSizeSteps {
		if step <= budget {
			choice = step
		}
	}
	return choice
}

// Slot is the per-transfer state machine: it owns the
// parallel connections, buffer manager, file handle, retry/backoff state,
// and progress/speed reporting for exactly one active Transfer.
type Slot struct {
	mux sync.Mutex

	Transfer   *Transfer
	TransferID string

	conns        []*Connection
	connsCreated bool

	buf    Buffer
	isRaid bool

	file  fsio.FileAccess
	cache cache.Store

	urls []string
	// useAltDownPort/useAltUpPort, once set by a generic transport failure,
	// make urlFor route subsequent requests through the alternative HTTP
	// port until the next successful write clears them.
	useAltDownPort bool
	useAltUpPort   bool

	cipher *xferkey.Cipher

	cryptoPool  *CryptoPool
	progressMgr *progress.Manager
	speed       *SpeedTracker

	errorCount int
	lastErr    error
	lastData   time.Time

	maxRequestSize int64

	retryAt time.Time

	done    bool
	failErr error

	httpFactory func() httpio.Request

	clientConnections int // client-configured C for non-RAID, non-small transfers

	// eagainBackoff grows the retry delay for the generic EAGAIN
	// disposition; it resets on every successful write so a transfer that
	// recovers retries at full speed again.
	eagainBackoff *backoff.ExponentialBackOff
}

// SlotConfig bundles the collaborators and client parameters a Slot needs at
// construction.
type SlotConfig struct {
	File               fsio.FileAccess
	Cache              cache.Store
	CryptoPool         *CryptoPool
	ProgressMgr        *progress.Manager
	HTTPFactory        func() httpio.Request
	ClientConnections  int // typical 4; used for non-RAID transfers >= 128KiB
	AvailableRAM       int64
}

// NewSlot constructs a Slot for transfer t, identified by id for cache and
// progress-callback purposes. Temporary URLs are supplied once known via
// SetURLs; connections are not created until then.
func NewSlot(t *Transfer, id string, isRaid bool, cfg SlotConfig) (*Slot, error) {
	cipher, err := xferkey.NewCipher(t.Key)
	if err != nil {
		return nil, errors.Errorf("failed to construct cipher for transfer %s: %+v", id, err)
	}

	clientConns := cfg.ClientConnections
	if clientConns <= 0 {
		clientConns = 4
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = 0 // errorcount, not elapsed time, governs abandonment

	t.IsRaid = isRaid

	return &Slot{
		Transfer:           t,
		TransferID:         id,
		isRaid:             isRaid,
		file:               cfg.File,
		cache:              cfg.Cache,
		cipher:             cipher,
		cryptoPool:         cfg.CryptoPool,
		progressMgr:        cfg.ProgressMgr,
		speed:              NewSpeedTracker(),
		maxRequestSize:     ChooseMaxRequestSize(cfg.AvailableRAM),
		httpFactory:        cfg.HTTPFactory,
		clientConnections:  clientConns,
		lastData:           time.Now(),
		eagainBackoff:      eb,
	}, nil
}

// SetURLs supplies the temporary URL(s) fetched for this transfer: exactly
// RaidParts for a RAID download, else exactly one.
func (s *Slot) SetURLs(urls []string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.urls = urls
}

// Done reports whether the slot has reached a terminal state (success or
// fatal failure) and can be torn down.
func (s *Slot) Done() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.done
}

// FailErr returns the fatal error that ended the transfer, if any.
func (s *Slot) FailErr() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.failErr
}

// RetryAt returns the time the scheduler should next call Tick, zero if no
// backoff is pending.
func (s *Slot) RetryAt() time.Time {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.retryAt
}

func (s *Slot) connectionCount() int {
	if s.isRaid {
		return RaidParts
	}
	if s.Transfer.Size < 131072 {
		return 1
	}
	return s.clientConnections
}

// createConnectionsOnce lazily builds the per-connection state once temp
// URLs are known.
func (s *Slot) createConnectionsOnce() {
	if s.connsCreated || len(s.urls) == 0 {
		return
	}

	n := s.connectionCount()
	isGet := s.Transfer.Direction == Get

	s.conns = make([]*Connection, n)
	for i := 0; i < n; i++ {
		s.conns[i] = newConnection(i, s.httpFactory(), isGet)
	}

	if s.isRaid {
		rb := NewRaidBuffer(s.Transfer.Size)
		rb.Seed(s.Transfer.ProgressCompleted)
		s.buf = rb
	} else {
		nb := NewNonRaidBuffer(s.Transfer.Size)
		nb.Seed(s.Transfer.Pos, s.Transfer.ProgressCompleted)
		s.buf = nb
	}

	s.connsCreated = true
	jww.DEBUG.Printf("[XFER] Transfer %s created %d connections (raid=%t).", s.TransferID, n, s.isRaid)
}

// urlFor returns the URL connection i should use, applying the alternative
// HTTP port once a generic transport failure has toggled it for this
// transfer's direction (cleared again on the next successful write).
func (s *Slot) urlFor(i int) string {
	base := s.baseURLFor(i)
	if base == "" {
		return ""
	}
	if (s.Transfer.Direction == Get && s.useAltDownPort) || (s.Transfer.Direction == Put && s.useAltUpPort) {
		return httpio.AltPort(base)
	}
	return base
}

func (s *Slot) baseURLFor(i int) string {
	if s.isRaid {
		if i < len(s.urls) {
			return s.urls[i]
		}
		return ""
	}
	if len(s.urls) > 0 {
		return s.urls[0]
	}
	return ""
}

// Tick drives one scheduler pass over the slot.
func (s *Slot) Tick(now time.Time) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.done {
		return
	}
	if now.Before(s.retryAt) {
		return
	}
	s.retryAt = time.Time{}

	if s.errorCount > maxErrorCount {
		s.failLocked(s.lastErr)
		return
	}

	s.createConnectionsOnce()
	if !s.connsCreated {
		return
	}

	if s.Transfer.Direction == Get && s.Transfer.IsComplete() {
		s.completeGetLocked()
		return
	}
	if s.Transfer.Direction == Put && s.Transfer.UlToken != nil {
		s.completePutLocked()
		return
	}

	anyInflight := false
	progressed := false

	for _, c := range s.conns {
		before := c.State
		s.service(c, now)
		if c.State == CInflight {
			anyInflight = true
		}
		if c.State != before {
			progressed = true
		}
	}

	prog := s.Transfer.ProgressCompleted
	for _, c := range s.conns {
		if c.Piece != nil {
			prog += int64(len(c.Piece.Buf))
		}
	}
	s.speed.Update(prog, now)
	if progressed {
		s.progressMgr.Call(s.TransferID, progress.Update{Completed: prog, Total: s.Transfer.Size}, nil)
	}

	if now.Sub(s.lastData) >= XferTimeout {
		s.handleGlobalTimeoutLocked(now, anyInflight)
	}
}

// service advances one connection one step through its lifecycle.
func (s *Slot) service(c *Connection, now time.Time) {
	switch c.State {
	case CReady:
		s.serviceReady(c)
	case CPrepared:
		c.Req.Post()
		c.State = CInflight
		c.lastData = now
	case CInflight:
		s.serviceInflight(c, now)
	case CSuccess:
		s.serviceSuccess(c)
	case CDecrypting:
		s.serviceDecrypting(c)
	case CDecrypted:
		s.serviceDecrypted(c)
	case CAsyncIO:
		s.serviceAsyncIO(c)
	case CFailure:
		s.serviceFailure(c, now)
	case CDone:
		// nothing to do
	}
}

func (s *Slot) serviceReady(c *Connection) {
	if s.Transfer.Direction == Put {
		s.serviceReadyPut(c)
		return
	}

	start, end := s.buf.NextRange(c.Index, s.maxRequestSize)
	if end <= start {
		// Nothing left for this connection to fetch. A piece decrypted by
		// another, still-active connection may still be sitting in the
		// buffer waiting for its predecessor to arrive; drain it here so a
		// connection idling in READY doesn't leave it stranded forever.
		if s.tryWriteNextOutput(c) {
			return
		}
		c.State = CDone
		return
	}

	c.RangeStart, c.RangeEnd, c.ChunkStart = start, end, chunkFloor(start)
	if err := c.Req.Prepare(s.urlFor(c.Index), start, end, false, nil); err != nil {
		s.recordError(err, EAGAIN)
		return
	}
	c.State = CPrepared
}

func (s *Slot) serviceReadyPut(c *Connection) {
	start, end := s.buf.NextRange(c.Index, s.maxRequestSize)
	if end <= start {
		c.State = CDone
		return
	}

	plaintext := make([]byte, end-start)
	n, err := s.file.Read(plaintext, true, start)
	if err != nil {
		s.recordError(err, EREAD)
		return
	}
	plaintext = plaintext[:n]

	c.ChunkStart = chunkFloor(start)
	piece := &FilePiece{Pos: start, Buf: append([]byte(nil), plaintext...)}
	mac := s.cipher.ChunkMAC(s.Transfer.CtrIV, c.ChunkStart, piece.Buf)
	c.payload.upload.localMacs.Insert(c.ChunkStart, mac)

	s.cipher.XORCrypt(s.Transfer.CtrIV, start, plaintext)
	c.payload.upload.pendingOut = plaintext
	c.RangeStart, c.RangeEnd = start, end

	if err := c.Req.Prepare(s.urlFor(c.Index), start, end, true, bytes.NewReader(plaintext)); err != nil {
		s.recordError(err, EAGAIN)
		return
	}
	c.State = CPrepared
}

func (s *Slot) serviceInflight(c *Connection, now time.Time) {
	switch c.Req.Status() {
	case httpio.Success:
		c.State = CSuccess
		c.lastData = now
	case httpio.Failure:
		c.State = CFailure
		c.lastData = now
	default:
		if t := c.Req.LastData(); t.After(c.lastData) {
			c.lastData = t
			s.lastData = t
		}
		if s.isRaid && now.Sub(c.lastData) > XferTimeout/2 {
			if slowest, marked := s.buf.(*RaidBuffer).DetectSlowestRaidConnection(RaidLine * 8); marked && slowest == c.Index {
				jww.INFO.Printf("[XFER] Transfer %s detected slow RAID part %d, dropping it.", s.TransferID, slowest)
				c.Req.Close()
				s.tryRaidRecovery(c)
			}
		}
	}
}

func (s *Slot) serviceSuccess(c *Connection) {
	if s.Transfer.Direction == Put {
		s.serviceSuccessPut(c)
		return
	}

	status := c.Req.HTTPStatus()
	if status != 0 && status != 200 && status != 206 {
		c.State = CFailure
		return
	}

	body := c.Req.Bytes()
	piece := &FilePiece{Pos: c.RangeStart, Buf: body}
	c.Piece = piece

	if int64(len(body)) >= segSize {
		c.cryptoResult = s.cryptoPool.Submit(CryptoJob{
			Piece: piece, Cipher: s.cipher, CtrIV: s.Transfer.CtrIV,
			ChunkStart: c.ChunkStart, Encrypt: false, Discard: &c.discard,
		})
		c.State = CDecrypting
		return
	}

	s.cipher.XORCrypt(s.Transfer.CtrIV, piece.Pos, piece.Buf)
	mac := s.cipher.ChunkMAC(s.Transfer.CtrIV, c.ChunkStart, piece.Buf)
	s.Transfer.ChunkMacs.Insert(c.ChunkStart, mac)
	piece.Finalized = true
	c.State = CDecrypted
}

func (s *Slot) serviceDecrypting(c *Connection) {
	select {
	case res, ok := <-c.cryptoResult:
		if !ok {
			return
		}
		s.Transfer.ChunkMacs.Insert(c.ChunkStart, res.Mac)
		c.State = CDecrypted
	default:
	}
}

// serviceDecrypted hands a decrypted piece to the Buffer manager and then
// tries to drain the next in-order output. A connection can re-enter
// CDecrypted after an async write retry (see serviceAsyncIO's res.retry
// branch) without going through CSuccess/CDecrypting again, so
// bufferReleased guards against submitting the same piece to the Buffer a
// second time on that path.
func (s *Slot) serviceDecrypted(c *Connection) {
	if c.payload.download != nil && c.payload.download.bufferReleased {
		s.tryWriteNextOutput(c)
		return
	}
	s.buf.SubmitBuffer(c.Index, c.Piece)
	if c.payload.download != nil {
		c.payload.download.bufferReleased = true
	}
	s.tryWriteNextOutput(c)
}

// tryWriteNextOutput hands the next in-order output piece, if any, to the
// file writer on behalf of c, regardless of which connection originally
// fetched and decrypted it. It reports whether c was left with something to
// do (a dispatched async write, or a synchronous write/failure already
// resolved); false means nothing was ready and c has been reset to READY.
func (s *Slot) tryWriteNextOutput(c *Connection) bool {
	out := s.buf.NextOutputPiece()
	if out == nil {
		c.reset()
		return false
	}

	if s.file.AsyncAvailable() {
		ch := s.file.AsyncWrite(out.Buf, out.Pos)
		c.asyncResult = wrapAsync(ch)
		c.State = CAsyncIO
		return true
	}

	if err := s.file.Write(out.Buf, out.Pos); err != nil {
		s.recordError(err, EWRITE)
		s.requeueFailedWrite(out)
		c.reset()
		return true
	}
	s.onWriteDone(c, out)
	return true
}

// requeueFailedWrite releases a piece that failed to write and, for a
// non-RAID transfer, rolls the shared fetch cursor back to its start so the
// bytes are requested again instead of being silently dropped.
func (s *Slot) requeueFailedWrite(out *FilePiece) {
	s.buf.WriteCompleted(out, false)
	if nb, ok := s.buf.(*NonRaidBuffer); ok {
		nb.Requeue(out.Pos)
	}
}

func (s *Slot) serviceAsyncIO(c *Connection) {
	select {
	case res, ok := <-c.asyncResult:
		if !ok {
			return
		}
		out := s.buf.NextOutputPiece()
		if res.finished {
			s.onWriteDone(c, out)
			return
		}
		if res.retry {
			c.State = CDecrypted
			return
		}
		s.recordError(res.err, s.ioErrKind())
		if out != nil {
			s.requeueFailedWrite(out)
		}
		c.reset()
	default:
	}
}

func (s *Slot) ioErrKind() Kind {
	if s.Transfer.Direction == Get {
		return EWRITE
	}
	return EREAD
}

// persistLocked saves both cache representations of the transfer: the
// resume-state blob Client.LoadTransfer reloads on restart, and the
// bit-exact node-tree wire record a status tool reads back. Caller holds
// s.mux.
func (s *Slot) persistLocked() {
	if s.cache == nil {
		return
	}
	_ = s.cache.SaveResumeState(s.TransferID, s.Transfer.MarshalResumeState())
	_ = s.cache.SaveTransfer(s.TransferID, s.Transfer.MarshalRecord())
}

func (s *Slot) onWriteDone(c *Connection, out *FilePiece) {
	if out == nil {
		c.reset()
		return
	}
	s.buf.WriteCompleted(out, true)
	s.Transfer.ChunkMacs.MarkFinished(chunkFloor(out.Pos))
	s.updateContiguousProgress()
	s.errorCount = 0
	s.eagainBackoff.Reset()
	s.useAltDownPort = false
	s.useAltUpPort = false
	s.persistLocked()
	c.reset()
}

// updateContiguousProgress walks chunkmacs from progresscompleted forward.
// This walk assumes ChunkMacMap.Offsets() is ascending and stops at the
// first gap, so an out-of-order merge simply halts progress rather than
// skipping ahead incorrectly.
//
// Pos is kept no further ahead than progresscompleted here: a resume after
// restart re-requests from progresscompleted rather than trying to recover
// whatever lay between progresscompleted and a connection's in-flight
// fetch cursor at crash time, so there is nothing useful a persisted Pos
// ahead of progresscompleted would buy a resumed transfer.
func (s *Slot) updateContiguousProgress() {
	pos := s.Transfer.ProgressCompleted
	for {
		if !s.Transfer.ChunkMacs.Finished(pos) {
			break
		}
		next := chunkCeil(pos, s.Transfer.Size)
		if next <= pos {
			break
		}
		pos = next
	}
	s.Transfer.ProgressCompleted = pos
	if s.Transfer.Pos < pos {
		s.Transfer.Pos = pos
	}
}

func (s *Slot) serviceSuccessPut(c *Connection) {
	body := c.Req.Bytes()
	c.payload.upload.localMacs.MarkFinished(c.ChunkStart)

	if len(body) > 0 {
		token, ok := xferkey.ParseUploadToken(body)
		if !ok {
			s.recordError(errors.Errorf("server returned non-token PUT response of length %d", len(body)), EFAILED)
			return
		}
		s.mergeAllUploadLocalMacs()
		s.Transfer.UlToken = token
		s.updateContiguousProgress()
		c.State = CDone
		return
	}

	s.Transfer.ChunkMacs.FinishedUploadChunks(c.payload.upload.localMacs)
	s.updateContiguousProgress()
	s.errorCount = 0
	s.useAltUpPort = false
	c.reset()
}

// mergeAllUploadLocalMacs folds every connection's pending upload chunk MACs
// into the transfer's authoritative ChunkMacs map. The token-bearing
// connection's own SUCCESS only carries its own localMacs; a sibling
// connection may still be sitting in CInflight or CSuccess, its own
// serviceSuccessPut not yet run, when the token arrives — and the very next
// Tick completes the transfer (Tick's UlToken != nil check, above) before
// the per-connection loop would otherwise reach that sibling. The server
// does not hand out a token until every byte has landed, so a sibling's
// currently-queued chunk MAC (inserted back in serviceReadyPut, before its
// own HTTP leg was even posted) is already good; mark it finished here
// rather than waiting for that connection's own turn.
func (s *Slot) mergeAllUploadLocalMacs() {
	for _, other := range s.conns {
		if other.payload.upload == nil {
			continue
		}
		other.payload.upload.localMacs.MarkFinished(other.ChunkStart)
		s.Transfer.ChunkMacs.FinishedUploadChunks(other.payload.upload.localMacs)
	}
}

func (s *Slot) serviceFailure(c *Connection, now time.Time) {
	status := c.Req.HTTPStatus()

	switch {
	case status == 509:
		wait := c.Req.TimeLeft()
		if wait <= 0 {
			wait = overquotaDefault
		}
		s.backoff(now.Add(wait))
		s.recordError(Fail(EOVERQUOTA, "server returned 509 overquota"), EOVERQUOTA)
	case status == 429:
		s.backoff(now.Add(500 * time.Millisecond))
		s.retryConnection(c)
	case status == 404:
		s.recordError(Fail(EFAILED, "temporary URL expired (404); needs refresh"), EFAILED)
	case status == 403 || (status == 503 && s.isRaid):
		s.tryRaidRecovery(c)
	case status == 503:
		s.backoff(now.Add(5 * time.Second))
		s.retryConnection(c)
	default:
		s.backoff(now.Add(s.eagainBackoff.NextBackOff()))
		s.recordError(Fail(EAGAIN, "connection %d failed: http status %d, err %v", c.Index, status, c.Req.Err()), EAGAIN)
		s.useAltDownPort = s.Transfer.Direction == Get
		s.useAltUpPort = s.Transfer.Direction == Put
		s.maybeUpgradeToHTTPS(c)
		s.retryConnection(c)
	}
}

// maybeUpgradeToHTTPS detects a text/html body on a plain http:// URL — the
// storage node's signal that it requires HTTPS — and rewrites this
// connection's URL (and, for non-RAID transfers, the shared URL all
// connections use) in place before the retry that follows.
func (s *Slot) maybeUpgradeToHTTPS(c *Connection) {
	if !strings.Contains(c.Req.ContentType(), "text/html") {
		return
	}
	if c.Index < len(s.urls) {
		s.urls[c.Index] = httpio.UpgradeToHTTPS(s.urls[c.Index])
	} else if len(s.urls) == 1 {
		s.urls[0] = httpio.UpgradeToHTTPS(s.urls[0])
	}
}

// retryConnection re-issues connection c's already-assigned byte range
// directly, without asking the buffer for a new one: the buffer's fetch
// cursor already moved past this range the first time c was serviced, so
// falling back to reset-then-NextRange on a retry would hand this
// connection a fresh range and strand the one it failed to complete.
func (s *Slot) retryConnection(c *Connection) {
	c.Piece = nil
	c.cryptoResult = nil
	c.asyncResult = nil
	if c.payload.download != nil {
		c.payload.download.bufferReleased = false
	}

	var body io.Reader
	if s.Transfer.Direction == Put && c.payload.upload != nil && c.payload.upload.pendingOut != nil {
		body = bytes.NewReader(c.payload.upload.pendingOut)
	}

	if err := c.Req.Prepare(s.urlFor(c.Index), c.RangeStart, c.RangeEnd, s.Transfer.Direction == Put, body); err != nil {
		s.recordError(err, EAGAIN)
		c.reset()
		return
	}
	c.State = CPrepared
}

func (s *Slot) tryRaidRecovery(c *Connection) {
	rb, ok := s.buf.(*RaidBuffer)
	if !ok {
		s.recordError(Fail(EFAILED, "connection %d failed on a non-RAID transfer", c.Index), EFAILED)
		return
	}
	if err := rb.TryRaidHttpGetErrorRecovery(c.Index); err != nil {
		s.recordError(Fail(EAGAIN, "raid recovery failed: %+v", err), EAGAIN)
		return
	}
	c.State = CDone
}

func (s *Slot) handleGlobalTimeoutLocked(now time.Time, anyInflight bool) {
	if !anyInflight {
		s.failLocked(Fail(EAGAIN, "no data received for %s on transfer %s", XferTimeout, s.TransferID))
		return
	}

	for _, c := range s.conns {
		if c.State == CInflight {
			c.Req.Close()
			url := s.urlFor(c.Index)
			altURL := httpio.AltPort(url)
			if c.Index < len(s.urls) {
				s.urls[c.Index] = altURL
			} else if len(s.urls) == 1 {
				s.urls[0] = altURL
			}
			c.State = CPrepared
			_ = c.Req.Prepare(altURL, c.RangeStart, c.RangeEnd, s.Transfer.Direction == Put, nil)
		}
	}
	s.lastData = now
}

func (s *Slot) backoff(at time.Time) {
	if s.retryAt.IsZero() || at.After(s.retryAt) {
		s.retryAt = at
	}
}

func (s *Slot) recordError(err error, kind Kind) {
	s.errorCount++
	s.lastErr = Fail(kind, "%+v", err)
	jww.WARN.Printf("[XFER] Transfer %s error (%d/%d): %+v", s.TransferID, s.errorCount, maxErrorCount+1, err)
}

func (s *Slot) failLocked(err error) {
	s.done = true
	s.failErr = err
	jww.ERROR.Printf("[XFER] Transfer %s failed: %+v", s.TransferID, err)
	s.progressMgr.Call(s.TransferID, progress.Update{Completed: s.Transfer.ProgressCompleted, Total: s.Transfer.Size}, err)
}

// completeGetLocked performs the GET integrity check.
func (s *Slot) completeGetLocked() {
	mac := s.Transfer.ChunkMacs.MacOfMacs(s.cipher)
	if mac == s.Transfer.MetaMac {
		s.succeedLocked()
		return
	}

	if recovered, ok := s.checkMetaMacWithMissingLateEntries(); ok {
		s.Transfer.MetaMac = recovered
		s.succeedLocked()
		return
	}

	s.Transfer.ChunkMacs.Clear()
	s.failLocked(Fail(EKEY, "mac-of-macs mismatch for transfer %s", s.TransferID))
}

// checkMetaMacWithMissingLateEntries implements the legacy MAC-recovery scan
// over gaps left by late-arriving chunk MACs.
func (s *Slot) checkMetaMacWithMissingLateEntries() (xferkey.Block, bool) {
	offsets := s.Transfer.ChunkMacs.Offsets()
	n := len(offsets)

	singleWindow := 96
	if n < singleWindow {
		singleWindow = n
	}
	start := n - singleWindow
	for i := start; i < n; i++ {
		for length := 1; length <= 64 && i+length <= n; length++ {
			a, b := offsets[i], boundAt(offsets, i+length, s.Transfer.Size)
			got := s.Transfer.ChunkMacs.MacOfMacsGaps(s.cipher, a, b, -1, -1)
			if got == s.Transfer.MetaMac {
				return got, true
			}
		}
	}

	doubleWindow := 40
	if n < doubleWindow {
		doubleWindow = n
	}
	start = n - doubleWindow
	for i := start; i < n; i++ {
		for l1 := 1; l1 <= 16 && i+l1 <= n; l1++ {
			a, b := offsets[i], boundAt(offsets, i+l1, s.Transfer.Size)
			for j := i + l1; j < n; j++ {
				for l2 := 1; l2 <= 16 && j+l2 <= n; l2++ {
					c, d := offsets[j], boundAt(offsets, j+l2, s.Transfer.Size)
					got := s.Transfer.ChunkMacs.MacOfMacsGaps(s.cipher, a, b, c, d)
					if got == s.Transfer.MetaMac {
						return got, true
					}
				}
			}
		}
	}

	return xferkey.Block{}, false
}

func boundAt(offsets []int64, i int, size int64) int64 {
	if i < len(offsets) {
		return offsets[i]
	}
	return size
}

func (s *Slot) completePutLocked() {
	fileKey := xferkey.FinalizeFileKey(s.Transfer.Key, s.Transfer.CtrIV, s.Transfer.ChunkMacs.MacOfMacs(s.cipher))
	s.Transfer.MetaMac = s.Transfer.ChunkMacs.MacOfMacs(s.cipher)
	_ = fileKey // handed to the metadata-registration collaborator, out of scope here
	s.succeedLocked()
}

func (s *Slot) succeedLocked() {
	s.done = true
	s.persistLocked()
	jww.INFO.Printf("[XFER] Transfer %s completed successfully.", s.TransferID)
	s.progressMgr.Call(s.TransferID, progress.Update{Completed: s.Transfer.Size, Total: s.Transfer.Size}, nil)
}

// Cancel disconnects every in-flight connection, marks outstanding crypto
// work discardable, performs a best-effort flush of whatever has already
// been decrypted, and marks the slot done. Unless keepForResume is set, it
// also deletes the Transfer's cached record.
func (s *Slot) Cancel(keepForResume bool) {
	s.mux.Lock()
	defer s.mux.Unlock()

	for _, c := range s.conns {
		if c.State == CInflight {
			c.Req.Close()
		}
		c.MarkDiscard()
	}

	s.flushLocked()

	if !keepForResume && s.cache != nil {
		_ = s.cache.DeleteTransfer(s.TransferID)
	}
	s.done = true
}

// flushLocked performs a best-effort flush: truncate in-flight bodies to a
// RAID-line boundary, drain ready output pieces synchronously, and persist
// progress.
func (s *Slot) flushLocked() {
	if s.Transfer.Direction != Get || s.buf == nil {
		return
	}

	for _, c := range s.conns {
		if c.State == CInflight {
			body := c.Req.Bytes()
			n := int64(len(body)) - int64(len(body))%RaidSector
			if n <= 0 {
				continue
			}
			piece := &FilePiece{Pos: c.RangeStart, Buf: body[:n]}
			s.buf.SubmitBuffer(c.Index, piece)
		}
	}

	for {
		out := s.buf.NextOutputPiece()
		if out == nil {
			break
		}
		if !out.Finalized {
			s.cipher.XORCrypt(s.Transfer.CtrIV, out.Pos, out.Buf)
			mac := s.cipher.ChunkMAC(s.Transfer.CtrIV, chunkFloor(out.Pos), out.Buf)
			s.Transfer.ChunkMacs.Insert(chunkFloor(out.Pos), mac)
			out.Finalized = true
		}
		if err := s.file.Write(out.Buf, out.Pos); err != nil {
			jww.WARN.Printf("[XFER] Flush write failed for transfer %s at %d: %+v", s.TransferID, out.Pos, err)
			s.requeueFailedWrite(out)
			break
		}
		s.buf.WriteCompleted(out, true)
		s.Transfer.ChunkMacs.MarkFinished(chunkFloor(out.Pos))
		s.updateContiguousProgress()
	}

	s.persistLocked()
	_ = s.file.Reopen()
}

func wrapAsync(ch <-chan fsio.AsyncResult) <-chan asyncOutcome {
	out := make(chan asyncOutcome, 1)
	go func() {
		r := <-ch
		out <- asyncOutcome{finished: r.Finished, failed: r.Failed, retry: r.Retry, err: r.Err}
	}()
	return out
}
