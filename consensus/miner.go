// Package consensus implements single-authority block production for the
// development ledger. The local authority drains the mempool into a block,
// executes it, and commits block and state together.
package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/gommon/log"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/events"
	"github.com/tolelom/framebattles/vm"
)

// DefaultMaxBlockTxs bounds how many transactions go into one block.
const DefaultMaxBlockTxs = 500

// Miner is the block producer of a single-node chain.
type Miner struct {
	lock      sync.Locker
	bc        *core.Blockchain
	state     core.State
	mempool   *core.Mempool
	exec      *vm.Executor
	emitter   *events.Emitter
	authority common.Address
	now       func() time.Time
	maxTxs    int
}

// New creates a Miner. now supplies block timestamps; pass time.Now outside
// tests. lock is held while a block is produced so readers sharing it never
// see a half-applied block; nil gives the Miner a private mutex.
func New(
	bc *core.Blockchain,
	state core.State,
	mempool *core.Mempool,
	exec *vm.Executor,
	emitter *events.Emitter,
	authority common.Address,
	now func() time.Time,
	lock sync.Locker,
) *Miner {
	if now == nil {
		now = time.Now
	}
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Miner{
		lock:      lock,
		bc:        bc,
		state:     state,
		mempool:   mempool,
		exec:      exec,
		emitter:   emitter,
		authority: authority,
		now:       now,
		maxTxs:    DefaultMaxBlockTxs,
	}
}

// ProduceBlock builds, executes and commits the next block. It returns nil
// without error when the mempool is empty.
func (m *Miner) ProduceBlock() (*core.Block, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	txs := m.mempool.Pending(m.maxTxs)
	if len(txs) == 0 {
		return nil, nil
	}

	var (
		prevHash common.Hash
		height   uint64 = 1
		ts              = uint64(m.now().Unix())
	)
	if tip := m.bc.Tip(); tip != nil {
		prevHash = tip.Hash
		height = tip.Header.Height + 1
		// block time never runs backwards even if the clock does
		if ts < tip.Header.Timestamp {
			ts = tip.Header.Timestamp
		}
	}

	block := core.NewBlock(height, prevHash, m.authority, ts, txs)
	snap, err := m.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	m.exec.ExecuteBlock(block)

	// Compute root from the write buffer before flushing so a failed AddBlock
	// leaves nothing persisted.
	block.Header.StateRoot = m.state.ComputeRoot()
	block.Seal()

	if err := m.bc.AddBlock(block); err != nil {
		if rerr := m.state.RevertToSnapshot(snap); rerr != nil {
			log.Errorf("[consensus] revert after failed block %d: %v", height, rerr)
		}
		return nil, fmt.Errorf("add block: %w", err)
	}
	if err := m.state.Commit(); err != nil {
		return nil, fmt.Errorf("block %d stored but state commit failed: %w", block.Header.Height, err)
	}

	ids := make([]common.Hash, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	m.mempool.Remove(ids)

	m.emitter.Emit(events.Event{
		Type:        events.EventBlockCommit,
		BlockHeight: block.Header.Height,
		Data:        map[string]any{"hash": block.Hash.Hex(), "txs": len(block.Transactions)},
	})
	return block, nil
}

// Run produces a block every interval until done is closed.
func (m *Miner) Run(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := m.ProduceBlock(); err != nil {
				log.Errorf("[consensus] produce block: %v", err)
			}
		}
	}
}
