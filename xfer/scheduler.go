package xfer

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/SUS81/sdk/cache"
	"github.com/SUS81/sdk/fsio"
	"github.com/SUS81/sdk/httpio"
	"github.com/SUS81/sdk/progress"
	"github.com/SUS81/sdk/stoppable"
)

// tickInterval is how often StartProcesses' loop services every live Slot.
const tickInterval = 100 * time.Millisecond

// noSlot marks a Transfer with no assigned slot table row.
const noSlot = -1

// schedulerStoppable names the stoppable StartProcesses returns.
const schedulerStoppable = "Xfer/Scheduler"

// ClientParams are the client-tunable knobs threaded into every Slot a
// Client constructs.
type ClientParams struct {
	// ClientConnections is the parallelism C used for a non-RAID transfer
	// at or above the small-transfer threshold (typical 4).
	ClientConnections int

	// AvailableRAM feeds ChooseMaxRequestSize; typically the host's free
	// memory at startup. The same value is passed to every Slot the Client
	// constructs; it is not re-measured.
	AvailableRAM int64

	// CryptoWorkers sizes the Client's shared CryptoPool.
	CryptoWorkers int
}

// URLResolver fetches the temporary upload or download URL(s) for a
// transfer: exactly RaidParts URLs for a RAID download, else exactly one.
// Issuing these URLs is a collaborator's job, so the
// Client only consumes one, never derives it.
type URLResolver func(transferID string, isRaid bool) ([]string, error)

// ClientConfig bundles every collaborator a Client needs to construct and
// drive Slots to completion.
type ClientConfig struct {
	Cache       cache.Store
	HTTPFactory func() httpio.Request
	URLs        URLResolver
	Params      ClientParams
}

// slotEntry is one row of the Client's slot table.
type slotEntry struct {
	slot *Slot
	id   string
}

// Client is an explicit scheduler context in place of a global singleton:
// one Client owns every active Slot and the slot table indices that
// back-reference them, ticking each Slot from a single loop rather than
// each Slot managing its own timer goroutine.
//
// Back-pointers are index-based, not raw pointers: a Transfer records the
// index of its own row (or noSlot), and freeing a row clears both sides by
// index, avoiding dangling references.
type Client struct {
	mux sync.Mutex

	cfg ClientConfig

	cryptoPool  *CryptoPool
	progressMgr *progress.Manager

	slots   []*slotEntry
	freeIdx []int
	byID    map[string]int

	stop *stoppable.Single
}

// NewClient constructs a Client with its own bounded crypto worker pool and
// progress-callback manager, shared across every Slot it creates.
func NewClient(cfg ClientConfig) *Client {
	workers := cfg.Params.CryptoWorkers
	if workers <= 0 {
		workers = 4
	}
	return &Client{
		cfg:         cfg,
		cryptoPool:  NewCryptoPool(workers),
		progressMgr: progress.NewManager(),
		byID:        make(map[string]int),
	}
}

// allocSlot inserts entry into the first free row, growing the table if
// none is free, and returns the assigned index. Caller holds cl.mux.
func (cl *Client) allocSlot(entry *slotEntry) int {
	if n := len(cl.freeIdx); n > 0 {
		i := cl.freeIdx[n-1]
		cl.freeIdx = cl.freeIdx[:n-1]
		cl.slots[i] = entry
		return i
	}
	cl.slots = append(cl.slots, entry)
	return len(cl.slots) - 1
}

// freeSlotLocked clears row i, recycling it for reuse and severing the
// Transfer->Slot back-pointer. Caller holds cl.mux.
func (cl *Client) freeSlotLocked(i int) {
	if i < 0 || i >= len(cl.slots) || cl.slots[i] == nil {
		return
	}
	entry := cl.slots[i]
	if entry.slot.Transfer != nil {
		entry.slot.Transfer.SlotIndex = noSlot
	}
	delete(cl.byID, entry.id)
	cl.slots[i] = nil
	cl.freeIdx = append(cl.freeIdx, i)
}

// AddTransfer registers t under id, resolves its temporary URL(s), and
// allocates it a slot table row. file is the already-opened local handle
// the transfer reads from (PUT) or writes to (GET); its lifetime belongs to
// the caller once the transfer is removed.
func (cl *Client) AddTransfer(id string, t *Transfer, isRaid bool, file fsio.FileAccess) error {
	urls, err := cl.cfg.URLs(id, isRaid)
	if err != nil {
		return errors.Errorf("failed to resolve url(s) for transfer %s: %+v", id, err)
	}

	slot, err := NewSlot(t, id, isRaid, SlotConfig{
		File:              file,
		Cache:             cl.cfg.Cache,
		CryptoPool:        cl.cryptoPool,
		ProgressMgr:       cl.progressMgr,
		HTTPFactory:       cl.cfg.HTTPFactory,
		ClientConnections: cl.cfg.Params.ClientConnections,
		AvailableRAM:      cl.cfg.Params.AvailableRAM,
	})
	if err != nil {
		return err
	}
	slot.SetURLs(urls)

	if cl.cfg.Cache != nil {
		_ = cl.cfg.Cache.SaveResumeState(id, t.MarshalResumeState())
	}

	cl.mux.Lock()
	defer cl.mux.Unlock()

	if _, exists := cl.byID[id]; exists {
		return errors.Errorf("transfer %s is already scheduled", id)
	}

	i := cl.allocSlot(&slotEntry{slot: slot, id: id})
	t.SlotIndex = i
	cl.byID[id] = i

	jww.INFO.Printf("[XFER] Scheduled transfer %s (%s, raid=%t) at slot %d.",
		id, t.Direction, isRaid, i)

	return nil
}

// LoadTransfer rebuilds a Transfer from the cache's persisted resume state
// for id, for resuming after a restart: key, ctriv, metamac, pos,
// progresscompleted, chunkmacs, and the raid flag are restored so the
// caller can hand the result straight to AddTransfer instead of building a
// fresh Transfer from scratch. Also restores a pending upload token, if
// the transfer was a PUT that completed its last byte but never recorded
// completion before the restart.
func (cl *Client) LoadTransfer(id string) (*Transfer, error) {
	if cl.cfg.Cache == nil {
		return nil, errors.Errorf("no cache configured, cannot resume transfer %s", id)
	}

	state, err := cl.cfg.Cache.LoadResumeState(id)
	if err != nil {
		return nil, errors.Errorf("no resume state cached for transfer %s: %+v", id, err)
	}
	t, err := UnmarshalResumeState(state)
	if err != nil {
		return nil, errors.Errorf("failed to decode resume state for transfer %s: %+v", id, err)
	}

	if token, err := cl.cfg.Cache.LoadUploadToken(id); err == nil {
		t.UlToken = token
	}

	return t, nil
}

// RegisterProgressCallback adds cb against id, rate-limited to at most once
// per period.
func (cl *Client) RegisterProgressCallback(id string, cb progress.Callback, period time.Duration) {
	cl.progressMgr.AddCallback(id, cb, period)
}

// Slot returns the live Slot for id, or nil if none is scheduled.
func (cl *Client) Slot(id string) *Slot {
	cl.mux.Lock()
	defer cl.mux.Unlock()

	i, ok := cl.byID[id]
	if !ok {
		return nil
	}
	return cl.slots[i].slot
}

// Cancel stops the transfer identified by id, optionally keeping its cached
// record so a future AddTransfer for the same id can resume from where it
// left off.
func (cl *Client) Cancel(id string, keepForResume bool) error {
	s := cl.Slot(id)
	if s == nil {
		return errors.Errorf("no scheduled transfer %s", id)
	}
	s.Cancel(keepForResume)
	cl.removeDone()
	return nil
}

// removeDone frees every slot table row whose Slot has finished, succeeded,
// failed, or been cancelled, so the table doesn't grow without bound across
// a long-lived Client.
func (cl *Client) removeDone() {
	cl.mux.Lock()
	defer cl.mux.Unlock()

	for i, entry := range cl.slots {
		if entry == nil {
			continue
		}
		if entry.slot.Done() {
			cl.freeSlotLocked(i)
		}
	}
}

// tickAll services every live Slot once.
func (cl *Client) tickAll(now time.Time) {
	cl.mux.Lock()
	live := make([]*Slot, 0, len(cl.slots))
	for _, entry := range cl.slots {
		if entry != nil {
			live = append(live, entry.slot)
		}
	}
	cl.mux.Unlock()

	for _, s := range live {
		s.Tick(now)
	}

	cl.removeDone()
}

// StartProcesses starts the Client's tick loop, ticking every scheduled
// Slot every tickInterval until the returned Stoppable is closed.
func (cl *Client) StartProcesses() (stoppable.Stoppable, error) {
	stop := stoppable.NewSingle(schedulerStoppable)
	cl.mux.Lock()
	cl.stop = stop
	cl.mux.Unlock()

	go cl.tickLoop(stop)

	return stop, nil
}

func (cl *Client) tickLoop(stop *stoppable.Single) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop.Quit():
			stop.ToStopped()
			return
		case now := <-ticker.C:
			cl.tickAll(now)
		}
	}
}
