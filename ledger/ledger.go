// Package ledger defines the client's view of the FrameBattles contract.
// Two implementations exist: ledger/evm talks to the deployed contract over
// JSON-RPC and devchain runs the same contract semantics in process.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tolelom/framebattles/core"
)

// ErrNoData is returned by a read whose call produced an empty payload.
// Callers treat it as an empty result rather than a failure.
var ErrNoData = errors.New("ledger: no data returned")

// RevertError carries the contract's rejection reason for a call.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// Signer authorises transactions for one account.
type Signer interface {
	Address() common.Address
	SignHash(hash common.Hash) ([]byte, error)
}

// Reader exposes the contract's view functions.
type Reader interface {
	ChainID() uint64
	// Battle returns core.ErrNotFound when id was never assigned.
	Battle(ctx context.Context, id uint64) (*core.Battle, error)
	AllBattles(ctx context.Context) ([]*core.Battle, error)
	BattlesCount(ctx context.Context) (uint64, error)
	UserBattles(ctx context.Context, addr common.Address) ([]uint64, error)
	UserStats(ctx context.Context, addr common.Address) (*core.UserStats, error)
	// Leaderboard returns at most limit entries in the contract's rank order.
	Leaderboard(ctx context.Context, limit uint64) ([]core.LeaderboardEntry, error)
	// PlatformFee returns the fee in basis points.
	PlatformFee(ctx context.Context) (uint64, error)
	TotalPlatformFees(ctx context.Context) (*big.Int, error)
	Paused(ctx context.Context) (bool, error)
	// Owner returns the account allowed to pause the contract and withdraw fees.
	Owner(ctx context.Context) (common.Address, error)
	// Balance returns the native balance of addr in wei.
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Ledger is a Reader that also accepts transactions.
type Ledger interface {
	Reader
	// Transact signs call with signer and submits it. A call the contract
	// would reject may fail here with a *RevertError before anything is sent.
	Transact(ctx context.Context, signer Signer, call *core.Call) (common.Hash, error)
	// WaitMined blocks until the transaction is included or ctx is done.
	WaitMined(ctx context.Context, hash common.Hash) (*core.Receipt, error)
}
