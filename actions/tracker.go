package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/gommon/log"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/events"
	"github.com/tolelom/framebattles/ledger"
	"github.com/tolelom/framebattles/storage"
)

const (
	journalPrefix = "tx:pending:"

	// DefaultConfirmTimeout bounds how long one process watches a
	// submission. A submission still unmined then stays pending in the
	// journal and is picked up again by Resume.
	DefaultConfirmTimeout = 10 * time.Minute

	maxRecent = 100
)

// Status is the client-side state of a submission.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Submission is one mutating call from submission to confirmation.
type Submission struct {
	ID          string         `json:"id"`
	Method      core.Method    `json:"method"`
	BattleID    *uint64        `json:"battle_id,omitempty"`
	From        common.Address `json:"from"`
	TxHash      common.Hash    `json:"tx_hash"`
	Status      Status         `json:"status"`
	Error       string         `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Receipt     *core.Receipt  `json:"receipt,omitempty"`

	// in-flight guard key; released when tracking ends
	key  string
	err  error
	done chan struct{}
}

func (s *Submission) snapshot() *Submission {
	cp := *s
	if s.BattleID != nil {
		id := *s.BattleID
		cp.BattleID = &id
	}
	cp.done = nil
	return &cp
}

// Refresher is the part of the repository the tracker needs.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Tracker follows submitted transactions until they are mined, even after
// the request that submitted them has gone. Pending submissions are
// journaled so tracking resumes after a restart.
type Tracker struct {
	ledger  ledger.Ledger
	repo    Refresher
	emitter *events.Emitter
	db      storage.DB
	timeout time.Duration

	// ctx bounds every watch goroutine; Close cancels it
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]*Submission
	onDone func(*Submission)
	wg     sync.WaitGroup
}

// NewTracker creates a Tracker. db may be nil to disable the journal.
func NewTracker(l ledger.Ledger, repo Refresher, emitter *events.Emitter, db storage.DB) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		ledger:  l,
		repo:    repo,
		emitter: emitter,
		db:      db,
		timeout: DefaultConfirmTimeout,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*Submission),
	}
}

// SetTimeout changes how long a submission is watched before it is left
// to the journal.
func (t *Tracker) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

// Track records sub and starts following it. Tracking outlives the request
// that submitted sub and ends only on confirmation, timeout or Close.
func (t *Tracker) Track(sub *Submission) {
	sub.done = make(chan struct{})
	t.mu.Lock()
	t.subs[sub.ID] = sub
	timeout := t.timeout
	t.mu.Unlock()

	if err := t.persist(sub); err != nil {
		log.Warnf("[actions] journal %s: %v", sub.ID, err)
	}
	t.wg.Add(1)
	go t.watch(sub, timeout)
}

// Resume restarts tracking for every journaled submission.
func (t *Tracker) Resume(ctx context.Context) (int, error) {
	if t.db == nil {
		return 0, nil
	}
	it := t.db.NewIterator([]byte(journalPrefix))
	var (
		subs    []*Submission
		corrupt [][]byte
	)
	for it.Next() {
		var sub Submission
		if err := json.Unmarshal(it.Value(), &sub); err != nil {
			log.Warnf("[actions] drop corrupt journal entry %s: %v", it.Key(), err)
			corrupt = append(corrupt, append([]byte(nil), it.Key()...))
			continue
		}
		subs = append(subs, &sub)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("read journal: %w", err)
	}
	for _, key := range corrupt {
		if err := t.db.Delete(key); err != nil {
			log.Warnf("[actions] journal delete %s: %v", key, err)
		}
	}
	for _, sub := range subs {
		log.Infof("[actions] resuming %s tx=%s", sub.Method, sub.TxHash.Hex())
		t.Track(sub)
	}
	return len(subs), nil
}

// Wait blocks until sub is confirmed or failed, or ctx is done, and returns
// its latest snapshot. The error is the classified failure of a finished
// submission; a submission still pending when ctx ends returns a nil error.
func (t *Tracker) Wait(ctx context.Context, sub *Submission) (*Submission, error) {
	select {
	case <-sub.done:
	case <-ctx.Done():
		return t.snapshot(sub), nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return sub.snapshot(), sub.err
}

func (t *Tracker) setOnDone(fn func(*Submission)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDone = fn
}

// Get returns a snapshot of the submission with id.
func (t *Tracker) Get(id string) (*Submission, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[id]
	if !ok {
		return nil, false
	}
	return sub.snapshot(), true
}

// Pending lists submissions still awaiting confirmation, oldest first.
func (t *Tracker) Pending() []*Submission {
	return t.list(func(s *Submission) bool { return s.Status == StatusPending })
}

// Recent lists every tracked submission, oldest first.
func (t *Tracker) Recent() []*Submission {
	return t.list(func(*Submission) bool { return true })
}

// Close stops watching and waits for every tracking goroutine to return.
// Submissions still pending stay journaled for the next Resume.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

func (t *Tracker) list(keep func(*Submission) bool) []*Submission {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Submission, 0, len(t.subs))
	for _, s := range t.subs {
		if keep(s) {
			out = append(out, s.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

func (t *Tracker) snapshot(sub *Submission) *Submission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sub.snapshot()
}

func (t *Tracker) watch(sub *Submission, timeout time.Duration) {
	defer t.wg.Done()
	wctx, cancel := context.WithTimeout(t.ctx, timeout)
	rcpt, err := t.ledger.WaitMined(wctx, sub.TxHash)
	cancel()

	op := string(sub.Method)
	if err != nil && wctx.Err() != nil {
		t.leavePending(sub, timeout)
		return
	}

	var failure error
	switch {
	case err != nil:
		failure = classify(op, fmt.Errorf("confirmation: %w", err))
	case !rcpt.Success:
		failure = classify(op, &ledger.RevertError{Reason: rcpt.RevertReason})
		if sub.Method == core.MethodAcceptBattle && sub.BattleID != nil {
			failure = acceptRace(t.ctx, t.ledger, *sub.BattleID, failure)
		}
	}

	t.mu.Lock()
	switch {
	case failure != nil:
		sub.Status = StatusFailed
		sub.Receipt = rcpt
		sub.err = failure
		sub.Error = failure.Error()
	default:
		sub.Status = StatusConfirmed
		sub.Receipt = rcpt
		if rcpt.BattleID != nil && sub.BattleID == nil {
			id := *rcpt.BattleID
			sub.BattleID = &id
		}
	}
	snap := sub.snapshot()
	t.prune()
	onDone := t.onDone
	t.mu.Unlock()

	if err := t.unpersist(sub.ID); err != nil {
		log.Warnf("[actions] journal %s: %v", sub.ID, err)
	}
	t.refresh(t.ctx, op)
	t.notify(snap)
	if onDone != nil {
		onDone(sub)
	}
	close(sub.done)
}

// leavePending stops watching sub without deciding its outcome. The
// journal entry is kept so Resume follows it again.
func (t *Tracker) leavePending(sub *Submission, timeout time.Duration) {
	if t.ctx.Err() != nil {
		log.Infof("[actions] %s tx=%s still pending at shutdown", sub.Method, sub.TxHash.Hex())
	} else {
		log.Warnf("[actions] %s tx=%s not mined after %s; left in journal", sub.Method, sub.TxHash.Hex(), timeout)
	}
	t.mu.Lock()
	onDone := t.onDone
	t.mu.Unlock()
	if onDone != nil {
		onDone(sub)
	}
	close(sub.done)
}

// refresh reloads the repository after op changed, or failed to change,
// ledger state.
func (t *Tracker) refresh(ctx context.Context, op string) {
	if t.repo == nil {
		return
	}
	if err := t.repo.Refresh(ctx); err != nil {
		log.Warnf("[actions] refresh after %s: %v", op, err)
	}
}

func (t *Tracker) notify(sub *Submission) {
	if sub.Status == StatusConfirmed {
		log.Infof("[actions] %s confirmed tx=%s block=%d", sub.Method, sub.TxHash.Hex(), sub.Receipt.BlockNumber)
	} else {
		log.Warnf("[actions] %s failed tx=%s: %s", sub.Method, sub.TxHash.Hex(), sub.Error)
	}
	if t.emitter == nil {
		return
	}
	typ := events.EventTxConfirmed
	if sub.Status != StatusConfirmed {
		typ = events.EventTxFailed
	}
	data := map[string]any{
		"submission_id": sub.ID,
		"method":        string(sub.Method),
		"from":          sub.From.Hex(),
	}
	if sub.BattleID != nil {
		data["battle_id"] = *sub.BattleID
	}
	if sub.Error != "" {
		data["error"] = sub.Error
	}
	ev := events.Event{Type: typ, TxHash: sub.TxHash.Hex(), Data: data}
	if sub.Receipt != nil {
		ev.BlockHeight = sub.Receipt.BlockNumber
	}
	t.emitter.Emit(ev)
}

// prune drops the oldest finished submissions beyond maxRecent. Caller holds t.mu.
func (t *Tracker) prune() {
	if len(t.subs) <= maxRecent {
		return
	}
	finished := make([]*Submission, 0, len(t.subs))
	for _, s := range t.subs {
		if s.Status != StatusPending {
			finished = append(finished, s)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].SubmittedAt.Before(finished[j].SubmittedAt) })
	for _, s := range finished {
		if len(t.subs) <= maxRecent {
			return
		}
		delete(t.subs, s.ID)
	}
}

func (t *Tracker) persist(sub *Submission) error {
	if t.db == nil {
		return nil
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return t.db.Set([]byte(journalPrefix+sub.ID), data)
}

func (t *Tracker) unpersist(id string) error {
	if t.db == nil {
		return nil
	}
	err := t.db.Delete([]byte(journalPrefix + id))
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	return err
}
