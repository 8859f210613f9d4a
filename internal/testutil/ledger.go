package testutil

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/ledger"
)

// FakeLedger is a scriptable ledger.Ledger. Unset hooks fall back to the
// static fields; every call is counted.
type FakeLedger struct {
	mu sync.Mutex

	ID       uint64
	Battles  map[uint64]*core.Battle
	Stats    map[common.Address]*core.UserStats
	FeeBps   uint64
	IsPaused bool
	Admin    common.Address

	AllBattlesFn func(ctx context.Context) ([]*core.Battle, error)
	BattleFn     func(ctx context.Context, id uint64) (*core.Battle, error)
	TransactFn   func(ctx context.Context, signer ledger.Signer, call *core.Call) (common.Hash, error)
	WaitMinedFn  func(ctx context.Context, hash common.Hash) (*core.Receipt, error)

	calls     atomic.Int64
	Submitted []*core.Call
}

var _ ledger.Ledger = (*FakeLedger)(nil)

// NewFakeLedger returns an empty FakeLedger on chainID.
func NewFakeLedger(chainID uint64) *FakeLedger {
	return &FakeLedger{
		ID:      chainID,
		Battles: make(map[uint64]*core.Battle),
		Stats:   make(map[common.Address]*core.UserStats),
	}
}

// Calls returns how many ledger methods other than ChainID were invoked.
func (f *FakeLedger) Calls() int64 { return f.calls.Load() }

// Put stores b, replacing any battle with the same id.
func (f *FakeLedger) Put(b *core.Battle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Battles[b.ID] = b.Clone()
}

func (f *FakeLedger) ChainID() uint64 { return f.ID }

func (f *FakeLedger) Battle(ctx context.Context, id uint64) (*core.Battle, error) {
	f.calls.Add(1)
	if f.BattleFn != nil {
		return f.BattleFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.Battles[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return b.Clone(), nil
}

func (f *FakeLedger) AllBattles(ctx context.Context) ([]*core.Battle, error) {
	f.calls.Add(1)
	if f.AllBattlesFn != nil {
		return f.AllBattlesFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*core.Battle, 0, len(f.Battles))
	for id := uint64(0); id < uint64(len(f.Battles)); id++ {
		if b, ok := f.Battles[id]; ok {
			out = append(out, b.Clone())
		}
	}
	return out, nil
}

func (f *FakeLedger) BattlesCount(ctx context.Context) (uint64, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.Battles)), nil
}

func (f *FakeLedger) UserBattles(ctx context.Context, addr common.Address) ([]uint64, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uint64
	for id := uint64(0); id < uint64(len(f.Battles)); id++ {
		b, ok := f.Battles[id]
		if ok && (b.Challenger == addr || b.Opponent == addr) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, ledger.ErrNoData
	}
	return ids, nil
}

func (f *FakeLedger) UserStats(ctx context.Context, addr common.Address) (*core.UserStats, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.Stats[addr]; ok {
		cp := *st
		return &cp, nil
	}
	return core.NewUserStats(), nil
}

func (f *FakeLedger) Leaderboard(ctx context.Context, limit uint64) ([]core.LeaderboardEntry, error) {
	f.calls.Add(1)
	return nil, ledger.ErrNoData
}

func (f *FakeLedger) PlatformFee(ctx context.Context) (uint64, error) {
	f.calls.Add(1)
	return f.FeeBps, nil
}

func (f *FakeLedger) TotalPlatformFees(ctx context.Context) (*big.Int, error) {
	f.calls.Add(1)
	return new(big.Int), nil
}

func (f *FakeLedger) Paused(ctx context.Context) (bool, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.IsPaused, nil
}

func (f *FakeLedger) Owner(ctx context.Context) (common.Address, error) {
	f.calls.Add(1)
	return f.Admin, nil
}

func (f *FakeLedger) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.calls.Add(1)
	return new(big.Int), nil
}

func (f *FakeLedger) Transact(ctx context.Context, signer ledger.Signer, call *core.Call) (common.Hash, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.Submitted = append(f.Submitted, call)
	n := len(f.Submitted)
	f.mu.Unlock()
	if f.TransactFn != nil {
		return f.TransactFn(ctx, signer, call)
	}
	return common.BigToHash(big.NewInt(int64(n))), nil
}

func (f *FakeLedger) WaitMined(ctx context.Context, hash common.Hash) (*core.Receipt, error) {
	f.calls.Add(1)
	if f.WaitMinedFn != nil {
		return f.WaitMinedFn(ctx, hash)
	}
	return nil, errors.New("fake ledger: WaitMined not scripted")
}
