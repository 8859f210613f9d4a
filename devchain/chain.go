// Package devchain runs the FrameBattles contract in process on a
// single-node chain. It implements ledger.Ledger so the client can be run
// and tested without a network.
package devchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/gommon/log"
	"github.com/tolelom/framebattles/config"
	"github.com/tolelom/framebattles/consensus"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/events"
	"github.com/tolelom/framebattles/indexer"
	"github.com/tolelom/framebattles/ledger"
	"github.com/tolelom/framebattles/storage"
	"github.com/tolelom/framebattles/vm"

	// contract modules register their handlers in init
	_ "github.com/tolelom/framebattles/vm/modules/admin"
	_ "github.com/tolelom/framebattles/vm/modules/battles"
)

// DefaultPollInterval is how often WaitMined checks for a receipt.
const DefaultPollInterval = 50 * time.Millisecond

// Options configures a Chain.
type Options struct {
	ChainID  uint64
	Contract common.Address // escrow account holding stakes and fees
	Owner    common.Address // contract owner and block authority
	Genesis  *config.DevConfig
	// AutoMine produces a block as soon as a transaction is accepted.
	AutoMine bool
	// Clock supplies block timestamps. Defaults to time.Now.
	Clock func() time.Time
	// Emitter receives ledger events. Subscribers run while the chain lock is
	// held and must not call back into the Chain.
	Emitter      *events.Emitter
	PollInterval time.Duration
}

// Chain is an in-process FrameBattles ledger.
type Chain struct {
	mu       sync.RWMutex
	chainID  uint64
	contract common.Address
	state    *storage.StateDB
	bc       *core.Blockchain
	mempool  *core.Mempool
	sim      *vm.Executor
	emitter  *events.Emitter
	indexer  *indexer.Indexer
	miner    *consensus.Miner
	clock    func() time.Time
	autoMine bool
	poll     time.Duration
}

var _ ledger.Ledger = (*Chain)(nil)

// New opens a Chain on db, writing the genesis block if db holds no chain yet.
func New(db storage.DB, opts Options) (*Chain, error) {
	if opts.ChainID == 0 {
		return nil, errors.New("devchain: chain id required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Emitter == nil {
		opts.Emitter = events.NewEmitter()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Genesis == nil {
		opts.Genesis = &config.DevConfig{}
	}

	c := &Chain{
		chainID:  opts.ChainID,
		contract: opts.Contract,
		state:    storage.NewStateDB(db),
		bc:       core.NewBlockchain(storage.NewBlockStore(db)),
		mempool:  core.NewMempool(),
		emitter:  opts.Emitter,
		clock:    opts.Clock,
		autoMine: opts.AutoMine,
		poll:     opts.PollInterval,
	}
	if err := c.bc.Init(); err != nil {
		return nil, fmt.Errorf("devchain: init blockchain: %w", err)
	}
	if c.bc.Tip() == nil {
		genesis, err := config.CreateGenesisBlock(opts.Genesis, c.state, opts.Owner, uint64(c.clock().Unix()))
		if err != nil {
			return nil, fmt.Errorf("devchain: genesis: %w", err)
		}
		if err := c.bc.AddBlock(genesis); err != nil {
			return nil, fmt.Errorf("devchain: add genesis: %w", err)
		}
		log.Infof("[devchain] genesis written chain_id=%d owner=%s", c.chainID, opts.Owner.Hex())
	}

	c.indexer = indexer.New(db, c.emitter)
	exec := vm.NewExecutor(c.state, c.emitter, c.contract)
	c.sim = vm.NewExecutor(c.state, nil, c.contract)
	c.miner = consensus.New(c.bc, c.state, c.mempool, exec, c.emitter, opts.Owner, c.clock, &c.mu)
	return c, nil
}

// Emitter returns the emitter ledger events are published on.
func (c *Chain) Emitter() *events.Emitter { return c.emitter }

// Height returns the current block height.
func (c *Chain) Height() uint64 { return c.bc.Height() }

// Mine produces a block from the pending transactions, if any.
func (c *Chain) Mine() (*core.Block, error) {
	return c.miner.ProduceBlock()
}

// Run mines every interval until done is closed.
func (c *Chain) Run(interval time.Duration, done <-chan struct{}) {
	c.miner.Run(interval, done)
}

// ---- writes ----

// Transact signs call for signer, dry-runs it against the current state and
// queues it. With AutoMine the transaction is mined before returning.
func (c *Chain) Transact(ctx context.Context, signer ledger.Signer, call *core.Call) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	from := signer.Address()

	c.mu.RLock()
	acc, err := c.state.GetAccount(from)
	c.mu.RUnlock()
	if err != nil {
		return common.Hash{}, fmt.Errorf("get account: %w", err)
	}
	nonce := c.mempool.PendingNonce(from, acc.Nonce)

	tx, err := core.NewTransaction(c.chainID, from, nonce, call)
	if err != nil {
		return common.Hash{}, err
	}
	if err := tx.Sign(signer.SignHash); err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}

	// Only a sender with nothing queued can be simulated on top of current state.
	if nonce == acc.Nonce {
		if reason := c.simulate(tx); reason != "" {
			return common.Hash{}, &ledger.RevertError{Reason: reason}
		}
	}

	if err := c.mempool.Add(tx); err != nil {
		return common.Hash{}, fmt.Errorf("submit: %w", err)
	}
	log.Debugf("[devchain] queued %s from=%s nonce=%d", tx.Method, from.Hex(), nonce)

	if c.autoMine {
		if _, err := c.Mine(); err != nil {
			return tx.ID, fmt.Errorf("mine: %w", err)
		}
	}
	return tx.ID, nil
}

// simulate executes tx on a scratch block at the current time and rolls
// everything back. It returns the revert reason, or "" on success.
func (c *Chain) simulate(tx *core.Transaction) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.state.Snapshot()
	if err != nil {
		return err.Error()
	}
	defer func() {
		if err := c.state.RevertToSnapshot(snap); err != nil {
			log.Errorf("[devchain] revert simulation: %v", err)
		}
	}()
	rcpt := c.sim.ExecuteTx(c.pendingBlock(), tx)
	if rcpt.Success {
		return ""
	}
	return rcpt.RevertReason
}

// pendingBlock is the header the next block would get.
func (c *Chain) pendingBlock() *core.Block {
	ts := uint64(c.clock().Unix())
	var height uint64 = 1
	var prev common.Hash
	if tip := c.bc.Tip(); tip != nil {
		height = tip.Header.Height + 1
		prev = tip.Hash
		if ts < tip.Header.Timestamp {
			ts = tip.Header.Timestamp
		}
	}
	return core.NewBlock(height, prev, c.contract, ts, nil)
}

// WaitMined polls for the receipt of hash until it is mined or ctx is done.
func (c *Chain) WaitMined(ctx context.Context, hash common.Hash) (*core.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		rcpt, err := c.bc.Receipt(hash)
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		if _, pending := c.mempool.Get(hash); !pending {
			// re-check: the block may have landed between the two lookups
			if rcpt, err := c.bc.Receipt(hash); err == nil {
				return rcpt, nil
			}
			return nil, fmt.Errorf("transaction %s is unknown", hash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ---- reads ----

func (c *Chain) ChainID() uint64 { return c.chainID }

func (c *Chain) Battle(ctx context.Context, id uint64) (*core.Battle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, err := c.state.GetBattle(id)
	if err != nil {
		return nil, err
	}
	return rec.Battle.Clone(), nil
}

func (c *Chain) AllBattles(ctx context.Context) ([]*core.Battle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, err := c.state.GetMeta()
	if err != nil {
		return nil, err
	}
	out := make([]*core.Battle, 0, meta.BattleCount)
	for id := uint64(0); id < meta.BattleCount; id++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := c.state.GetBattle(id)
		if err != nil {
			return nil, fmt.Errorf("battle %d: %w", id, err)
		}
		out = append(out, rec.Battle.Clone())
	}
	return out, nil
}

func (c *Chain) BattlesCount(ctx context.Context) (uint64, error) {
	meta, err := c.meta()
	if err != nil {
		return 0, err
	}
	return meta.BattleCount, nil
}

func (c *Chain) UserBattles(ctx context.Context, addr common.Address) ([]uint64, error) {
	return c.indexer.BattlesOf(addr)
}

func (c *Chain) UserStats(ctx context.Context, addr common.Address) (*core.UserStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.GetStats(addr)
}

// Leaderboard ranks every account that took part in a battle by wins, then
// total winnings, then address.
func (c *Chain) Leaderboard(ctx context.Context, limit uint64) ([]core.LeaderboardEntry, error) {
	c.mu.RLock()
	all, err := c.state.AllStats()
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	entries := make([]core.LeaderboardEntry, 0, len(all))
	for addr, st := range all {
		if st.TotalBattles == 0 {
			continue
		}
		entries = append(entries, core.LeaderboardEntry{Address: addr, Stats: *st})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Stats, entries[j].Stats
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		if cmp := a.TotalWinnings.Cmp(b.TotalWinnings); cmp != 0 {
			return cmp > 0
		}
		return entries[i].Address.Cmp(entries[j].Address) < 0
	})
	if uint64(len(entries)) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (c *Chain) PlatformFee(ctx context.Context) (uint64, error) {
	meta, err := c.meta()
	if err != nil {
		return 0, err
	}
	return meta.PlatformFeeBps, nil
}

func (c *Chain) TotalPlatformFees(ctx context.Context) (*big.Int, error) {
	meta, err := c.meta()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(meta.TotalPlatformFees), nil
}

func (c *Chain) Paused(ctx context.Context) (bool, error) {
	meta, err := c.meta()
	if err != nil {
		return false, err
	}
	return meta.Paused, nil
}

func (c *Chain) Owner(ctx context.Context) (common.Address, error) {
	meta, err := c.meta()
	if err != nil {
		return common.Address{}, err
	}
	return meta.Owner, nil
}

func (c *Chain) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	acc, err := c.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.Balance), nil
}

func (c *Chain) meta() (*core.ContractMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.GetMeta()
}
