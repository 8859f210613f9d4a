package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tolelom/framebattles/core"
)

// battleTuple mirrors the contract's Battle struct. Field names follow the
// ABI component names so go-ethereum can map them.
type battleTuple struct {
	Id                *big.Int
	Prediction        string
	Description       string
	StakeAmount       *big.Int
	Challenger        common.Address
	Opponent          common.Address
	EndTime           *big.Int
	Status            uint8
	Winner            common.Address
	CreatedAt         *big.Int
	ChallengerSaysYes bool
}

func (t *battleTuple) battle() (*core.Battle, error) {
	status := core.Status(t.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("battle %s: unknown status %d", t.Id, t.Status)
	}
	for name, v := range map[string]*big.Int{"id": t.Id, "endTime": t.EndTime, "createdAt": t.CreatedAt} {
		if v == nil || !v.IsUint64() {
			return nil, fmt.Errorf("battle field %s out of range", name)
		}
	}
	stake := new(big.Int)
	if t.StakeAmount != nil {
		stake.Set(t.StakeAmount)
	}
	return &core.Battle{
		ID:                t.Id.Uint64(),
		Prediction:        t.Prediction,
		Description:       t.Description,
		StakeAmount:       stake,
		Challenger:        t.Challenger,
		Opponent:          t.Opponent,
		EndTime:           t.EndTime.Uint64(),
		Status:            status,
		Winner:            t.Winner,
		CreatedAt:         t.CreatedAt.Uint64(),
		ChallengerSaysYes: t.ChallengerSaysYes,
	}, nil
}

// statsTuple mirrors the contract's UserStats struct.
type statsTuple struct {
	TotalBattles  *big.Int
	Wins          *big.Int
	Losses        *big.Int
	TotalStaked   *big.Int
	TotalWinnings *big.Int
}

func (t *statsTuple) stats() (*core.UserStats, error) {
	st := core.NewUserStats()
	for name, pair := range map[string]struct {
		src *big.Int
		dst *uint64
	}{
		"totalBattles": {t.TotalBattles, &st.TotalBattles},
		"wins":         {t.Wins, &st.Wins},
		"losses":       {t.Losses, &st.Losses},
	} {
		if pair.src == nil {
			continue
		}
		if !pair.src.IsUint64() {
			return nil, fmt.Errorf("stats field %s out of range", name)
		}
		*pair.dst = pair.src.Uint64()
	}
	if t.TotalStaked != nil {
		st.TotalStaked.Set(t.TotalStaked)
	}
	if t.TotalWinnings != nil {
		st.TotalWinnings.Set(t.TotalWinnings)
	}
	return st, nil
}

func toUint64(method string, v any) (uint64, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%s: unexpected %T", method, v)
	}
	if !b.IsUint64() {
		return 0, fmt.Errorf("%s: value %s out of range", method, b)
	}
	return b.Uint64(), nil
}
