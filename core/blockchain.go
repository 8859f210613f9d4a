package core

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// BlockStore is the persistence interface used by Blockchain.
// Implementations live in the storage package.
type BlockStore interface {
	GetBlock(hash common.Hash) (*Block, error)
	GetBlockByHeight(height uint64) (*Block, error)
	// GetReceipt returns the receipt of a mined transaction, or ErrNotFound.
	GetReceipt(txHash common.Hash) (*Receipt, error)
	// GetTip returns the current tip hash, or (zero hash, nil) for a fresh chain.
	GetTip() (common.Hash, error)
	// CommitBlock atomically writes the block, its height index entry, its
	// receipt index entries, and updates the tip pointer.
	CommitBlock(block *Block) error
}

// Blockchain manages the canonical chain: stores blocks and tracks the tip.
type Blockchain struct {
	mu    sync.RWMutex
	store BlockStore
	tip   *Block
}

// NewBlockchain returns a Blockchain backed by store.
// Call Init() to load an existing chain tip from storage.
func NewBlockchain(store BlockStore) *Blockchain {
	return &Blockchain{store: store}
}

// Init loads the persisted tip from the block store.
func (bc *Blockchain) Init() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	tipHash, err := bc.store.GetTip()
	if err != nil {
		return fmt.Errorf("get tip: %w", err)
	}
	if tipHash == (common.Hash{}) {
		return nil // fresh chain
	}
	tip, err := bc.store.GetBlock(tipHash)
	if err != nil {
		return fmt.Errorf("load tip block: %w", err)
	}
	bc.tip = tip
	return nil
}

// AddBlock validates height continuity and PrevHash linkage, then persists the
// block and advances the tip.
func (bc *Blockchain) AddBlock(block *Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.tip != nil {
		if block.Header.Height != bc.tip.Header.Height+1 {
			return fmt.Errorf("block height %d does not follow tip %d", block.Header.Height, bc.tip.Header.Height)
		}
		if block.Header.PrevHash != bc.tip.Hash {
			return fmt.Errorf("prev_hash mismatch: got %s want %s", block.Header.PrevHash, bc.tip.Hash)
		}
		if block.Header.Timestamp < bc.tip.Header.Timestamp {
			return fmt.Errorf("block timestamp %d before tip %d", block.Header.Timestamp, bc.tip.Header.Timestamp)
		}
	}

	if err := bc.store.CommitBlock(block); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}
	bc.tip = block
	return nil
}

// GetBlock returns a block by its hash.
func (bc *Blockchain) GetBlock(hash common.Hash) (*Block, error) {
	return bc.store.GetBlock(hash)
}

// GetBlockByHeight returns the block at the given height.
func (bc *Blockchain) GetBlockByHeight(height uint64) (*Block, error) {
	return bc.store.GetBlockByHeight(height)
}

// Receipt returns the receipt for a mined transaction.
func (bc *Blockchain) Receipt(txHash common.Hash) (*Receipt, error) {
	return bc.store.GetReceipt(txHash)
}

// Tip returns the current chain tip, or nil for a fresh chain.
func (bc *Blockchain) Tip() *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.tip
}

// Height returns the height of the current tip (0 for a fresh chain).
func (bc *Blockchain) Height() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.tip == nil {
		return 0
	}
	return bc.tip.Header.Height
}
