// Package admin implements the owner-only contract controls.
package admin

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/events"
	"github.com/tolelom/framebattles/vm"
)

// MaxPlatformFeeBps caps the fee the owner can set (10 %).
const MaxPlatformFeeBps = 1000

func init() {
	vm.Register(core.MethodSetPlatformFee, false, handleSetPlatformFee)
	vm.Register(core.MethodPause, false, handlePause)
	vm.Register(core.MethodUnpause, false, handleUnpause)
	vm.Register(core.MethodWithdrawPlatformFees, false, handleWithdraw)
}

func ownerMeta(ctx *vm.Context) (*core.ContractMeta, error) {
	meta, err := ctx.State.GetMeta()
	if err != nil {
		return nil, err
	}
	if meta.Owner != ctx.Sender() {
		return nil, vm.Revertf("caller is not the owner")
	}
	return meta, nil
}

func handleSetPlatformFee(ctx *vm.Context, payload json.RawMessage) error {
	var p core.SetPlatformFeePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode setPlatformFee payload: %w", err)
	}
	meta, err := ownerMeta(ctx)
	if err != nil {
		return err
	}
	if p.Fee > MaxPlatformFeeBps {
		return vm.Revertf("fee too high: %d > %d", p.Fee, MaxPlatformFeeBps)
	}
	meta.PlatformFeeBps = p.Fee
	if err := ctx.State.SetMeta(meta); err != nil {
		return err
	}
	ctx.Emit(events.EventFeeUpdated, map[string]any{"fee_bps": p.Fee})
	return nil
}

func handlePause(ctx *vm.Context, _ json.RawMessage) error {
	return setPaused(ctx, true, events.EventPaused)
}

func handleUnpause(ctx *vm.Context, _ json.RawMessage) error {
	return setPaused(ctx, false, events.EventUnpaused)
}

func setPaused(ctx *vm.Context, paused bool, ev events.EventType) error {
	meta, err := ownerMeta(ctx)
	if err != nil {
		return err
	}
	if meta.Paused == paused {
		return vm.Revertf("paused is already %t", paused)
	}
	meta.Paused = paused
	if err := ctx.State.SetMeta(meta); err != nil {
		return err
	}
	ctx.Emit(ev, map[string]any{"account": ctx.Sender().Hex()})
	return nil
}

func handleWithdraw(ctx *vm.Context, _ json.RawMessage) error {
	meta, err := ownerMeta(ctx)
	if err != nil {
		return err
	}
	if meta.TotalPlatformFees.Sign() == 0 {
		return vm.Revertf("no fees to withdraw")
	}
	amount := meta.TotalPlatformFees
	meta.TotalPlatformFees = new(big.Int)
	if err := ctx.State.SetMeta(meta); err != nil {
		return err
	}
	return ctx.Pay(meta.Owner, amount)
}
