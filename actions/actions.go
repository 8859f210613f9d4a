// Package actions validates and submits the four state-changing battle
// calls and follows each one to confirmation.
package actions

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/crypto"
	"github.com/tolelom/framebattles/events"
	"github.com/tolelom/framebattles/ledger"
	"github.com/tolelom/framebattles/lifecycle"
)

const (
	opCreate  = string(core.MethodCreateBattle)
	opAccept  = string(core.MethodAcceptBattle)
	opResolve = string(core.MethodResolveBattle)
	opCancel  = string(core.MethodCancelBattle)

	// DefaultMinDuration is the shortest battle the client will create.
	DefaultMinDuration = time.Hour
)

// Provider is the connected wallet: the account that signs and the network
// it targets.
type Provider interface {
	ledger.Signer
	// Account returns the active account, or false if none is connected.
	Account() (common.Address, bool)
	ChainID() uint64
	// SwitchChain asks the wallet to target chainID; the user may refuse.
	SwitchChain(ctx context.Context, chainID uint64) error
}

// Options configures Actions.
type Options struct {
	ChainID     uint64                   // network every write must target
	GasLimit    func(core.Method) uint64 // per-method gas limit
	MinDuration time.Duration
	Emitter     *events.Emitter
	Clock       func() time.Time
}

// CreateRequest holds the user's input for a new battle.
type CreateRequest struct {
	Prediction        string
	Description       string
	EndTime           time.Time
	ChallengerSaysYes bool
	Stake             *big.Int // wei, per side
	// Opponent is a 0x address for a directed challenge; empty means open.
	Opponent string
}

// Actions submits battle transactions for the connected account.
type Actions struct {
	ledger  ledger.Ledger
	wallet  Provider
	tracker *Tracker
	emitter *events.Emitter
	opts    Options

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates Actions writing to l as w's account and following
// submissions with tracker.
func New(l ledger.Ledger, w Provider, tracker *Tracker, opts Options) *Actions {
	if opts.ChainID == 0 {
		opts.ChainID = l.ChainID()
	}
	if opts.MinDuration <= 0 {
		opts.MinDuration = DefaultMinDuration
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.GasLimit == nil {
		opts.GasLimit = func(core.Method) uint64 { return 0 }
	}
	a := &Actions{
		ledger:   l,
		wallet:   w,
		tracker:  tracker,
		emitter:  opts.Emitter,
		opts:     opts,
		inflight: make(map[string]struct{}),
	}
	tracker.setOnDone(func(sub *Submission) { a.release(sub.key) })
	return a
}

// Tracker returns the submission tracker.
func (a *Actions) Tracker() *Tracker { return a.tracker }

// Pending lists submissions still awaiting confirmation.
func (a *Actions) Pending() []*Submission { return a.tracker.Pending() }

// CreateBattle validates req, submits it with the stake attached and waits
// for confirmation. The returned submission carries the new battle id once
// confirmed. If ctx ends first the submission is returned still pending and
// keeps being tracked.
func (a *Actions) CreateBattle(ctx context.Context, req CreateRequest) (*Submission, error) {
	now := a.opts.Clock()
	opponent, err := validateCreate(req, now, a.opts.MinDuration)
	if err != nil {
		return nil, err
	}
	from, err := a.account(opCreate)
	if err != nil {
		return nil, err
	}
	if opponent == from {
		return nil, core.Validationf(opCreate, "cannot challenge yourself")
	}

	call := &core.Call{
		Method: core.MethodCreateBattle,
		Payload: core.CreateBattlePayload{
			Prediction:        strings.TrimSpace(req.Prediction),
			Description:       strings.TrimSpace(req.Description),
			EndTime:           uint64(req.EndTime.Unix()),
			ChallengerSaysYes: req.ChallengerSaysYes,
			Opponent:          opponent,
		},
		Value: new(big.Int).Set(req.Stake),
	}
	key := fmt.Sprintf("create:%s:%s:%d:%s:%t:%s", from.Hex(), call.Payload.(core.CreateBattlePayload).Prediction,
		req.EndTime.Unix(), req.Stake, req.ChallengerSaysYes, opponent.Hex())
	return a.submit(ctx, opCreate, key, from, call, nil, nil)
}

// AcceptBattle matches the stake of an open battle. The stake is taken from
// a fresh read of the battle, never from cached data.
func (a *Actions) AcceptBattle(ctx context.Context, battleID uint64) (*Submission, error) {
	from, err := a.account(opAccept)
	if err != nil {
		return nil, err
	}
	call := &core.Call{
		Method:  core.MethodAcceptBattle,
		Payload: core.BattleIDPayload{BattleID: battleID},
	}
	return a.submit(ctx, opAccept, battleKey(opAccept, battleID), from, call, &battleID,
		func(b *core.Battle) error {
			if err := lifecycle.Check(lifecycle.ActionAccept, b, from, a.opts.Clock()); err != nil {
				return err
			}
			call.Value = new(big.Int).Set(b.StakeAmount)
			return nil
		})
}

// ResolveBattle settles an active battle whose end time has passed.
func (a *Actions) ResolveBattle(ctx context.Context, battleID uint64, predictionCameTrue bool) (*Submission, error) {
	from, err := a.account(opResolve)
	if err != nil {
		return nil, err
	}
	call := &core.Call{
		Method:  core.MethodResolveBattle,
		Payload: core.ResolveBattlePayload{BattleID: battleID, PredictionCameTrue: predictionCameTrue},
	}
	return a.submit(ctx, opResolve, battleKey(opResolve, battleID), from, call, &battleID,
		func(b *core.Battle) error {
			return lifecycle.Check(lifecycle.ActionResolve, b, from, a.opts.Clock())
		})
}

// CancelBattle withdraws an open battle and refunds the challenger.
func (a *Actions) CancelBattle(ctx context.Context, battleID uint64) (*Submission, error) {
	from, err := a.account(opCancel)
	if err != nil {
		return nil, err
	}
	call := &core.Call{
		Method:  core.MethodCancelBattle,
		Payload: core.BattleIDPayload{BattleID: battleID},
	}
	return a.submit(ctx, opCancel, battleKey(opCancel, battleID), from, call, &battleID,
		func(b *core.Battle) error {
			return lifecycle.Check(lifecycle.ActionCancel, b, from, a.opts.Clock())
		})
}

// submit runs the shared pipeline: chain check, duplicate guard, paused
// check, battle preflight, send, track, wait.
func (a *Actions) submit(
	ctx context.Context,
	op, key string,
	from common.Address,
	call *core.Call,
	battleID *uint64,
	preflight func(*core.Battle) error,
) (*Submission, error) {
	if err := a.ensureChain(ctx, op); err != nil {
		return nil, err
	}
	if !a.reserve(key) {
		return nil, &core.Error{Kind: core.KindSubmission, Op: op, Err: ErrAlreadyPending}
	}
	sent := false
	defer func() {
		if !sent {
			a.release(key)
		}
	}()

	paused, err := a.ledger.Paused(ctx)
	if err != nil {
		return nil, core.Wrap(core.KindFetch, op, err)
	}
	if paused {
		return nil, &core.Error{Kind: core.KindSubmission, Op: op, Msg: "contract is paused"}
	}

	if preflight != nil {
		b, err := a.ledger.Battle(ctx, *battleID)
		if errors.Is(err, core.ErrNotFound) || errors.Is(err, ledger.ErrNoData) {
			a.tracker.refresh(ctx, op)
			return nil, core.NotFoundf(op, "battle %d does not exist", *battleID)
		}
		if err != nil {
			return nil, core.Wrap(core.KindFetch, op, err)
		}
		if err := preflight(b); err != nil {
			// the cached view disagreed with the ledger
			a.tracker.refresh(ctx, op)
			return nil, err
		}
	}

	call.GasLimit = a.opts.GasLimit(call.Method)
	hash, err := a.ledger.Transact(ctx, a.wallet, call)
	if err != nil {
		err = classify(op, err)
		if call.Method == core.MethodAcceptBattle && battleID != nil {
			err = acceptRace(ctx, a.ledger, *battleID, err)
		}
		if k := core.KindOf(err); k == core.KindInvalidState || k == core.KindNotFound || k == core.KindSubmission {
			a.tracker.refresh(ctx, op)
		}
		return nil, err
	}
	sent = true

	sub := &Submission{
		ID:          uuid.NewString(),
		Method:      call.Method,
		BattleID:    battleID,
		From:        from,
		TxHash:      hash,
		Status:      StatusPending,
		SubmittedAt: a.opts.Clock(),
		key:         key,
	}
	log.Infof("[actions] %s submitted id=%s tx=%s", op, sub.ID, hash.Hex())
	if a.emitter != nil {
		data := map[string]any{"submission_id": sub.ID, "method": op, "from": from.Hex()}
		if battleID != nil {
			data["battle_id"] = *battleID
		}
		a.emitter.Emit(events.Event{Type: events.EventTxSubmitted, TxHash: hash.Hex(), Data: data})
	}
	a.tracker.Track(sub)
	return a.tracker.Wait(ctx, sub)
}

func (a *Actions) account(op string) (common.Address, error) {
	addr, ok := a.wallet.Account()
	if !ok {
		return common.Address{}, core.Validationf(op, "no connected account")
	}
	return addr, nil
}

// ensureChain switches the wallet to the target chain if needed.
func (a *Actions) ensureChain(ctx context.Context, op string) error {
	target := a.opts.ChainID
	if a.wallet.ChainID() == target {
		return nil
	}
	if err := a.wallet.SwitchChain(ctx, target); err != nil {
		return &core.Error{Kind: core.KindChainSwitch, Op: op, Msg: fmt.Sprintf("switch to chain %d", target), Err: err}
	}
	if got := a.wallet.ChainID(); got != target {
		return &core.Error{Kind: core.KindChainSwitch, Op: op, Msg: fmt.Sprintf("wallet still on chain %d, want %d", got, target)}
	}
	return nil
}

func (a *Actions) reserve(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.inflight[key]; busy {
		return false
	}
	a.inflight[key] = struct{}{}
	return true
}

func (a *Actions) release(key string) {
	if key == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inflight, key)
}

func battleKey(op string, id uint64) string {
	return fmt.Sprintf("%s:%d", op, id)
}

// validateCreate checks req before anything leaves the client and returns
// the parsed opponent (zero for an open challenge).
func validateCreate(req CreateRequest, now time.Time, minDuration time.Duration) (common.Address, error) {
	switch {
	case strings.TrimSpace(req.Prediction) == "":
		return common.Address{}, core.Validationf(opCreate, "prediction is required")
	case strings.TrimSpace(req.Description) == "":
		return common.Address{}, core.Validationf(opCreate, "description is required")
	case req.EndTime.Before(now.Add(minDuration)):
		return common.Address{}, core.Validationf(opCreate, "end time must be at least %s in the future", minDuration)
	case req.Stake == nil || req.Stake.Sign() <= 0:
		return common.Address{}, core.Validationf(opCreate, "stake must be greater than zero")
	}
	opponent, err := crypto.ParseAddress(req.Opponent)
	if err != nil {
		return common.Address{}, &core.Error{Kind: core.KindValidation, Op: opCreate, Msg: "invalid opponent", Err: err}
	}
	return opponent, nil
}
