// Package battles implements the staked 1-v-1 prediction duel contract for
// the development ledger.
package battles

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/events"
	"github.com/tolelom/framebattles/vm"
)

// FeeDenominator is the basis-point scale of the platform fee.
const FeeDenominator = 10_000

func init() {
	vm.Register(core.MethodCreateBattle, true, handleCreateBattle)
	vm.Register(core.MethodAcceptBattle, true, handleAcceptBattle)
	vm.Register(core.MethodResolveBattle, false, handleResolveBattle)
	vm.Register(core.MethodCancelBattle, false, handleCancelBattle)
}

func handleCreateBattle(ctx *vm.Context, payload json.RawMessage) error {
	var p core.CreateBattlePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode createBattle payload: %w", err)
	}
	meta, err := ctx.State.GetMeta()
	if err != nil {
		return err
	}
	if meta.Paused {
		return vm.Revertf("contract is paused")
	}
	if ctx.Value().Sign() <= 0 {
		return vm.Revertf("stake must be greater than zero")
	}
	if p.EndTime <= ctx.Now() {
		return vm.Revertf("end time must be in the future")
	}
	if strings.TrimSpace(p.Prediction) == "" {
		return vm.Revertf("prediction required")
	}
	if p.Opponent == ctx.Sender() {
		return vm.Revertf("cannot challenge yourself")
	}

	rec := &core.BattleRecord{
		Battle: core.Battle{
			ID:                meta.BattleCount,
			Prediction:        p.Prediction,
			Description:       p.Description,
			StakeAmount:       new(big.Int).Set(ctx.Value()),
			Challenger:        ctx.Sender(),
			EndTime:           p.EndTime,
			Status:            core.StatusOpen,
			CreatedAt:         ctx.Now(),
			ChallengerSaysYes: p.ChallengerSaysYes,
		},
		Invitee: p.Opponent,
	}
	if err := ctx.State.SetBattle(rec); err != nil {
		return err
	}
	meta.BattleCount++
	if err := ctx.State.SetMeta(meta); err != nil {
		return err
	}
	if err := addStake(ctx, rec); err != nil {
		return err
	}

	id := rec.ID
	ctx.Receipt.BattleID = &id
	ctx.Emit(events.EventBattleCreated, map[string]any{
		"battle_id":    rec.ID,
		"challenger":   rec.Challenger.Hex(),
		"prediction":   rec.Prediction,
		"stake_amount": rec.StakeAmount.String(),
		"end_time":     rec.EndTime,
	})
	return nil
}

func handleAcceptBattle(ctx *vm.Context, payload json.RawMessage) error {
	var p core.BattleIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode acceptBattle payload: %w", err)
	}
	if err := requireNotPaused(ctx); err != nil {
		return err
	}
	rec, err := loadBattle(ctx, p.BattleID)
	if err != nil {
		return err
	}
	if rec.Status != core.StatusOpen {
		return vm.Revertf("battle is not open")
	}
	if rec.Challenger == ctx.Sender() {
		return vm.Revertf("cannot accept own battle")
	}
	if rec.Invitee != core.ZeroAddress && rec.Invitee != ctx.Sender() {
		return vm.Revertf("battle is reserved for another opponent")
	}
	if ctx.Value().Cmp(rec.StakeAmount) != 0 {
		return vm.Revertf("stake amount mismatch: sent %s want %s", ctx.Value(), rec.StakeAmount)
	}

	rec.Opponent = ctx.Sender()
	rec.Status = core.StatusActive
	if err := ctx.State.SetBattle(rec); err != nil {
		return err
	}
	if err := addStake(ctx, rec); err != nil {
		return err
	}

	ctx.Emit(events.EventBattleAccepted, map[string]any{
		"battle_id": rec.ID,
		"opponent":  rec.Opponent.Hex(),
	})
	return nil
}

func handleResolveBattle(ctx *vm.Context, payload json.RawMessage) error {
	var p core.ResolveBattlePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode resolveBattle payload: %w", err)
	}
	rec, err := loadBattle(ctx, p.BattleID)
	if err != nil {
		return err
	}
	if rec.Status != core.StatusActive {
		return vm.Revertf("battle is not active")
	}
	if rec.Challenger != ctx.Sender() {
		return vm.Revertf("only challenger can resolve")
	}
	if ctx.Now() < rec.EndTime {
		return vm.Revertf("battle has not ended")
	}

	meta, err := ctx.State.GetMeta()
	if err != nil {
		return err
	}
	winner, loser := rec.Opponent, rec.Challenger
	if p.PredictionCameTrue == rec.ChallengerSaysYes {
		winner, loser = rec.Challenger, rec.Opponent
	}
	pool := new(big.Int).Mul(rec.StakeAmount, big.NewInt(2))
	fee := new(big.Int).Mul(pool, new(big.Int).SetUint64(meta.PlatformFeeBps))
	fee.Quo(fee, big.NewInt(FeeDenominator))
	payout := new(big.Int).Sub(pool, fee)

	if err := ctx.Pay(winner, payout); err != nil {
		return err
	}
	meta.TotalPlatformFees = new(big.Int).Add(meta.TotalPlatformFees, fee)
	if err := ctx.State.SetMeta(meta); err != nil {
		return err
	}

	ws, err := ctx.State.GetStats(winner)
	if err != nil {
		return err
	}
	ws.Wins++
	ws.TotalWinnings = new(big.Int).Add(ws.TotalWinnings, payout)
	if err := ctx.State.SetStats(winner, ws); err != nil {
		return err
	}
	ls, err := ctx.State.GetStats(loser)
	if err != nil {
		return err
	}
	ls.Losses++
	if err := ctx.State.SetStats(loser, ls); err != nil {
		return err
	}

	rec.Status = core.StatusResolved
	rec.Winner = winner
	if err := ctx.State.SetBattle(rec); err != nil {
		return err
	}

	ctx.Emit(events.EventBattleResolved, map[string]any{
		"battle_id": rec.ID,
		"winner":    winner.Hex(),
		"payout":    payout.String(),
	})
	return nil
}

func handleCancelBattle(ctx *vm.Context, payload json.RawMessage) error {
	var p core.BattleIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode cancelBattle payload: %w", err)
	}
	rec, err := loadBattle(ctx, p.BattleID)
	if err != nil {
		return err
	}
	if rec.Status != core.StatusOpen {
		return vm.Revertf("battle is not open")
	}
	if rec.Challenger != ctx.Sender() {
		return vm.Revertf("only challenger can cancel")
	}
	if err := ctx.Pay(rec.Challenger, rec.StakeAmount); err != nil {
		return err
	}
	rec.Status = core.StatusCancelled
	if err := ctx.State.SetBattle(rec); err != nil {
		return err
	}

	ctx.Emit(events.EventBattleCancelled, map[string]any{"battle_id": rec.ID})
	return nil
}

func loadBattle(ctx *vm.Context, id uint64) (*core.BattleRecord, error) {
	rec, err := ctx.State.GetBattle(id)
	if errors.Is(err, core.ErrNotFound) {
		return nil, vm.Revertf("battle does not exist")
	}
	return rec, err
}

func requireNotPaused(ctx *vm.Context) error {
	meta, err := ctx.State.GetMeta()
	if err != nil {
		return err
	}
	if meta.Paused {
		return vm.Revertf("contract is paused")
	}
	return nil
}

// addStake counts the sender's participation in rec.
func addStake(ctx *vm.Context, rec *core.BattleRecord) error {
	who := ctx.Sender()
	st, err := ctx.State.GetStats(who)
	if err != nil {
		return err
	}
	st.TotalBattles++
	st.TotalStaked = new(big.Int).Add(st.TotalStaked, rec.StakeAmount)
	return ctx.State.SetStats(who, st)
}
