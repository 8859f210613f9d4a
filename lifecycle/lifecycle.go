// Package lifecycle derives what a viewer may do with a battle and the
// amounts shown for it. Every function here is pure.
package lifecycle

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tolelom/framebattles/core"
)

// FeeDenominator is the basis-point scale of the platform fee.
const FeeDenominator = 10_000

// Action is a state-changing call a viewer may make on a battle.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionCancel  Action = "cancel"
	ActionResolve Action = "resolve"
)

// Phase refines Status with time: an active battle past its end time is
// awaiting resolution.
type Phase string

const (
	PhaseOpen               Phase = "open"
	PhaseActive             Phase = "active"
	PhaseAwaitingResolution Phase = "awaiting_resolution"
	PhaseResolved           Phase = "resolved"
	PhaseCancelled          Phase = "cancelled"
)

// Role is the viewer's relation to a battle.
type Role string

const (
	RoleChallenger Role = "challenger"
	RoleOpponent   Role = "opponent"
	RoleSpectator  Role = "spectator"
)

// View is everything a UI needs to render one battle for one viewer.
type View struct {
	Status        core.Status   `json:"status"`
	Phase         Phase         `json:"phase"`
	Role          Role          `json:"role"`
	Actions       []Action      `json:"actions"`
	IsExpired     bool          `json:"is_expired"`
	HasOpponent   bool          `json:"has_opponent"`
	TimeRemaining time.Duration `json:"time_remaining"` // zero once expired
	PrizePool     *big.Int      `json:"prize_pool"`
	PlatformFee   *big.Int      `json:"platform_fee"`
	WinnerPayout  *big.Int      `json:"winner_payout"`
	FeeBps        uint64        `json:"fee_bps"`
}

// Evaluate computes the View of b for viewer at now, with the ledger's
// current platform fee in basis points. A zero viewer means no account is
// connected.
func Evaluate(b *core.Battle, viewer common.Address, now time.Time, feeBps uint64) View {
	end := endTime(b)
	expired := !now.Before(end)
	v := View{
		Status:       b.Status,
		Phase:        phaseOf(b, expired),
		Role:         roleOf(b, viewer),
		Actions:      LegalActions(b, viewer, now),
		IsExpired:    expired,
		HasOpponent:  b.HasOpponent(),
		PrizePool:    PrizePool(b.StakeAmount),
		PlatformFee:  Fee(b.StakeAmount, feeBps),
		WinnerPayout: Payout(b.StakeAmount, feeBps),
		FeeBps:       feeBps,
	}
	if !expired {
		v.TimeRemaining = end.Sub(now)
	}
	return v
}

// LegalActions lists the actions viewer may take on b at now.
func LegalActions(b *core.Battle, viewer common.Address, now time.Time) []Action {
	actions := []Action{}
	for _, a := range []Action{ActionAccept, ActionCancel, ActionResolve} {
		if Check(a, b, viewer, now) == nil {
			actions = append(actions, a)
		}
	}
	return actions
}

// Can reports whether viewer may take action on b at now.
func Can(action Action, b *core.Battle, viewer common.Address, now time.Time) bool {
	return Check(action, b, viewer, now) == nil
}

// Check returns nil if viewer may take action on b at now, or an
// InvalidState error naming the first rule that forbids it.
func Check(action Action, b *core.Battle, viewer common.Address, now time.Time) error {
	op := string(action)
	if viewer == core.ZeroAddress {
		return core.InvalidStatef(op, "no connected account")
	}
	switch action {
	case ActionAccept:
		switch {
		case b.Status == core.StatusActive:
			err := core.InvalidStatef(op, "battle %d was already accepted", b.ID)
			err.Recoverable = true
			return err
		case b.Status != core.StatusOpen:
			return core.InvalidStatef(op, "battle %d is %s", b.ID, b.Status)
		case viewer == b.Challenger:
			return core.InvalidStatef(op, "cannot accept your own battle")
		// a ledger may expose the invitee of a directed challenge while it is open
		case b.HasOpponent() && viewer != b.Opponent:
			return core.InvalidStatef(op, "battle %d is reserved for %s", b.ID, b.Opponent.Hex())
		}
	case ActionCancel:
		switch {
		case b.Status != core.StatusOpen:
			return core.InvalidStatef(op, "battle %d is %s", b.ID, b.Status)
		case viewer != b.Challenger:
			return core.InvalidStatef(op, "only the challenger can cancel")
		}
	case ActionResolve:
		switch {
		case now.Before(endTime(b)):
			return core.InvalidStatef(op, "battle %d has not ended", b.ID)
		case b.Status != core.StatusActive:
			return core.InvalidStatef(op, "battle %d is %s", b.ID, b.Status)
		case viewer != b.Challenger:
			return core.InvalidStatef(op, "only the challenger can resolve")
		}
	default:
		return core.Validationf(op, "unknown action")
	}
	return nil
}

// Winner returns who wins b when the prediction's outcome is
// predictionCameTrue: the challenger if it matches their stance, otherwise
// the opponent.
func Winner(b *core.Battle, predictionCameTrue bool) common.Address {
	if predictionCameTrue == b.ChallengerSaysYes {
		return b.Challenger
	}
	return b.Opponent
}

// PrizePool is both stakes together.
func PrizePool(stake *big.Int) *big.Int {
	if stake == nil {
		return new(big.Int)
	}
	return new(big.Int).Lsh(stake, 1)
}

// Fee is the platform's cut of the prize pool, rounded down.
func Fee(stake *big.Int, feeBps uint64) *big.Int {
	fee := new(big.Int).Mul(PrizePool(stake), new(big.Int).SetUint64(feeBps))
	return fee.Quo(fee, big.NewInt(FeeDenominator))
}

// Payout is what the winner receives: the prize pool minus the fee.
func Payout(stake *big.Int, feeBps uint64) *big.Int {
	if feeBps >= FeeDenominator {
		return new(big.Int)
	}
	pool := PrizePool(stake)
	return pool.Sub(pool, Fee(stake, feeBps))
}

// CanTransition reports whether the ledger may move a battle from one
// status to another.
func CanTransition(from, to core.Status) bool {
	switch from {
	case core.StatusOpen:
		return to == core.StatusActive || to == core.StatusCancelled
	case core.StatusActive:
		return to == core.StatusResolved
	default:
		return false
	}
}

// Advances reports whether next is a legal successor of prev as observed
// across two reads: equal, or reachable through one or more transitions.
func Advances(prev, next core.Status) bool {
	if prev == next {
		return true
	}
	if CanTransition(prev, next) {
		return true
	}
	return prev == core.StatusOpen && next == core.StatusResolved
}

// WinRate is the whole-number percentage of battles won, for display.
func WinRate(s *core.UserStats) uint64 {
	if s == nil || s.TotalBattles == 0 {
		return 0
	}
	return s.Wins * 100 / s.TotalBattles
}

func endTime(b *core.Battle) time.Time {
	return time.Unix(int64(b.EndTime), 0)
}

func phaseOf(b *core.Battle, expired bool) Phase {
	switch b.Status {
	case core.StatusOpen:
		return PhaseOpen
	case core.StatusActive:
		if expired {
			return PhaseAwaitingResolution
		}
		return PhaseActive
	case core.StatusResolved:
		return PhaseResolved
	default:
		return PhaseCancelled
	}
}

func roleOf(b *core.Battle, viewer common.Address) Role {
	switch {
	case viewer == core.ZeroAddress:
		return RoleSpectator
	case viewer == b.Challenger:
		return RoleChallenger
	case b.HasOpponent() && viewer == b.Opponent:
		return RoleOpponent
	default:
		return RoleSpectator
	}
}
