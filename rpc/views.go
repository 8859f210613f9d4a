package rpc

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/lifecycle"
)

// Amounts are sent as decimal strings so browsers do not lose precision.
type amount struct {
	Wei   string `json:"wei"`
	Ether string `json:"ether"`
}

func amountOf(v *big.Int) amount {
	if v == nil {
		v = new(big.Int)
	}
	return amount{Wei: v.String(), Ether: core.FormatEther(v)}
}

type viewJSON struct {
	Phase            lifecycle.Phase    `json:"phase"`
	Role             lifecycle.Role     `json:"role"`
	Actions          []lifecycle.Action `json:"actions"`
	IsExpired        bool               `json:"is_expired"`
	HasOpponent      bool               `json:"has_opponent"`
	SecondsRemaining int64              `json:"seconds_remaining"`
	PrizePool        amount             `json:"prize_pool"`
	PlatformFee      amount             `json:"platform_fee"`
	WinnerPayout     amount             `json:"winner_payout"`
	FeeBps           uint64             `json:"fee_bps"`
}

type battleJSON struct {
	ID                uint64         `json:"id"`
	Prediction        string         `json:"prediction"`
	Description       string         `json:"description"`
	Stake             amount         `json:"stake"`
	Challenger        common.Address `json:"challenger"`
	Opponent          common.Address `json:"opponent"`
	EndTime           uint64         `json:"end_time"`
	Status            core.Status    `json:"status"`
	Winner            common.Address `json:"winner"`
	CreatedAt         uint64         `json:"created_at"`
	ChallengerSaysYes bool           `json:"challenger_says_yes"`
	View              *viewJSON      `json:"view,omitempty"`
}

// battleOf renders b; when feeKnown is false the lifecycle view is omitted
// since payouts cannot be shown without the live fee.
func battleOf(b *core.Battle, viewer common.Address, now time.Time, feeBps uint64, feeKnown bool) battleJSON {
	out := battleJSON{
		ID:                b.ID,
		Prediction:        b.Prediction,
		Description:       b.Description,
		Stake:             amountOf(b.StakeAmount),
		Challenger:        b.Challenger,
		Opponent:          b.Opponent,
		EndTime:           b.EndTime,
		Status:            b.Status,
		Winner:            b.Winner,
		CreatedAt:         b.CreatedAt,
		ChallengerSaysYes: b.ChallengerSaysYes,
	}
	if !feeKnown {
		return out
	}
	v := lifecycle.Evaluate(b, viewer, now, feeBps)
	out.View = &viewJSON{
		Phase:            v.Phase,
		Role:             v.Role,
		Actions:          v.Actions,
		IsExpired:        v.IsExpired,
		HasOpponent:      v.HasOpponent,
		SecondsRemaining: int64(v.TimeRemaining / time.Second),
		PrizePool:        amountOf(v.PrizePool),
		PlatformFee:      amountOf(v.PlatformFee),
		WinnerPayout:     amountOf(v.WinnerPayout),
		FeeBps:           v.FeeBps,
	}
	return out
}

type statsJSON struct {
	TotalBattles  uint64 `json:"total_battles"`
	Wins          uint64 `json:"wins"`
	Losses        uint64 `json:"losses"`
	TotalStaked   amount `json:"total_staked"`
	TotalWinnings amount `json:"total_winnings"`
	WinRate       uint64 `json:"win_rate"` // whole percent, display only
}

func statsOf(s *core.UserStats) statsJSON {
	return statsJSON{
		TotalBattles:  s.TotalBattles,
		Wins:          s.Wins,
		Losses:        s.Losses,
		TotalStaked:   amountOf(s.TotalStaked),
		TotalWinnings: amountOf(s.TotalWinnings),
		WinRate:       lifecycle.WinRate(s),
	}
}

type leaderJSON struct {
	Rank    int            `json:"rank"`
	Address common.Address `json:"address"`
	Stats   statsJSON      `json:"stats"`
}
