package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Account holds a participant's native balance and replay-protection nonce.
type Account struct {
	Address common.Address `json:"address"`
	Balance *big.Int       `json:"balance"`
	Nonce   uint64         `json:"nonce"`
}

// BattleRecord is the ledger-side storage form of a battle. Invitee holds a
// directed challenge's target until it accepts; it is not part of the public
// battle tuple.
type BattleRecord struct {
	Battle
	Invitee common.Address `json:"invitee"`
}

// ContractMeta holds the contract-wide counters and owner settings.
type ContractMeta struct {
	Owner             common.Address `json:"owner"`
	PlatformFeeBps    uint64         `json:"platform_fee_bps"`
	TotalPlatformFees *big.Int       `json:"total_platform_fees"`
	Paused            bool           `json:"paused"`
	BattleCount       uint64         `json:"battle_count"`
}

// State is the full ledger state interface. Implementations must be
// snapshot-able so the executor can roll back failed transactions.
type State interface {
	// Accounts
	GetAccount(address common.Address) (*Account, error)
	SetAccount(account *Account) error

	// Battles
	GetBattle(id uint64) (*BattleRecord, error)
	SetBattle(b *BattleRecord) error

	// Stats
	GetStats(address common.Address) (*UserStats, error)
	SetStats(address common.Address, s *UserStats) error
	// AllStats returns every account that has stats, in no particular order.
	AllStats() (map[common.Address]*UserStats, error)

	// Contract-wide settings
	GetMeta() (*ContractMeta, error)
	SetMeta(m *ContractMeta) error

	// Snapshot / rollback / commit
	Snapshot() (int, error)
	RevertToSnapshot(id int) error
	// ComputeRoot returns the deterministic state root from the current write
	// buffer without flushing. Call this before sealing a block.
	ComputeRoot() common.Hash
	// Commit flushes the write buffer to the underlying DB and clears it.
	Commit() error
}
