package core

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroAddress is the ledger's "unset" account: an open opponent slot or a
// battle without a winner.
var ZeroAddress = common.Address{}

// Status is the on-chain lifecycle state of a battle. The numeric values
// match the contract's BattleStatus enum.
type Status uint8

const (
	StatusOpen Status = iota
	StatusActive
	StatusResolved
	StatusCancelled
)

var statusNames = [...]string{"open", "active", "resolved", "cancelled"}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool { return int(s) < len(statusNames) }

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool { return s == StatusResolved || s == StatusCancelled }

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", uint8(s))
	}
	return statusNames[s]
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown battle status %q", name)
}

// Battle is a read-only snapshot of one 1-v-1 prediction duel.
// Opponent is ZeroAddress while the battle is open to anyone; Winner is
// ZeroAddress until the battle is resolved.
type Battle struct {
	ID                uint64         `json:"id"`
	Prediction        string         `json:"prediction"`
	Description       string         `json:"description"`
	StakeAmount       *big.Int       `json:"stake_amount"` // wei, per side
	Challenger        common.Address `json:"challenger"`
	Opponent          common.Address `json:"opponent"`
	EndTime           uint64         `json:"end_time"` // unix seconds
	Status            Status         `json:"status"`
	Winner            common.Address `json:"winner"`
	CreatedAt         uint64         `json:"created_at"` // unix seconds
	ChallengerSaysYes bool           `json:"challenger_says_yes"`
}

// HasOpponent reports whether the opponent slot holds a concrete account.
func (b *Battle) HasOpponent() bool { return b.Opponent != ZeroAddress }

// Clone returns a deep copy so cached snapshots cannot be mutated by callers.
func (b *Battle) Clone() *Battle {
	cp := *b
	if b.StakeAmount != nil {
		cp.StakeAmount = new(big.Int).Set(b.StakeAmount)
	}
	return &cp
}

// UserStats holds the ledger-maintained counters for one account.
type UserStats struct {
	TotalBattles  uint64   `json:"total_battles"`
	Wins          uint64   `json:"wins"`
	Losses        uint64   `json:"losses"`
	TotalStaked   *big.Int `json:"total_staked"`
	TotalWinnings *big.Int `json:"total_winnings"`
}

// NewUserStats returns zeroed stats with non-nil amounts.
func NewUserStats() *UserStats {
	return &UserStats{TotalStaked: new(big.Int), TotalWinnings: new(big.Int)}
}

// LeaderboardEntry pairs an account with its stats, in ledger rank order.
type LeaderboardEntry struct {
	Address common.Address `json:"address"`
	Stats   UserStats      `json:"stats"`
}
