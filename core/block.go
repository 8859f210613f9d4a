package core

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tolelom/framebattles/crypto"
)

// BlockHeader contains the block metadata that is hashed.
type BlockHeader struct {
	Height    uint64         `json:"height"`
	PrevHash  common.Hash    `json:"prev_hash"`
	StateRoot common.Hash    `json:"state_root"` // hash of state after executing this block
	TxRoot    common.Hash    `json:"tx_root"`    // hash of all transaction IDs
	Timestamp uint64         `json:"timestamp"`  // unix seconds; contract "now"
	Proposer  common.Address `json:"proposer"`
}

// Block is a batch of executed transactions and their receipts.
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions"`
	Receipts     []*Receipt     `json:"receipts"`
	Hash         common.Hash    `json:"hash"`
}

// ComputeHash returns the hash of the serialised header.
func (b *Block) ComputeHash() common.Hash {
	data, err := json.Marshal(b.Header)
	if err != nil {
		return common.Hash{}
	}
	return crypto.Hash(data)
}

// Seal sets Hash from the final header.
func (b *Block) Seal() {
	b.Hash = b.ComputeHash()
}

// ComputeTxRoot builds a deterministic root hash from all transaction IDs.
func ComputeTxRoot(txs []*Transaction) common.Hash {
	if len(txs) == 0 {
		return crypto.Hash([]byte("empty"))
	}
	var ids []byte
	for _, tx := range txs {
		ids = append(ids, tx.ID.Bytes()...)
	}
	return crypto.Hash(ids)
}

// NewBlock creates an unsealed block with the given parameters.
func NewBlock(height uint64, prevHash common.Hash, proposer common.Address, timestamp uint64, txs []*Transaction) *Block {
	return &Block{
		Header: BlockHeader{
			Height:    height,
			PrevHash:  prevHash,
			TxRoot:    ComputeTxRoot(txs),
			Timestamp: timestamp,
			Proposer:  proposer,
		},
		Transactions: txs,
	}
}
