package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tolelom/framebattles/crypto"
)

// Method names a contract function. Values are the ABI function names.
type Method string

const (
	MethodCreateBattle         Method = "createBattle"
	MethodAcceptBattle         Method = "acceptBattle"
	MethodResolveBattle        Method = "resolveBattle"
	MethodCancelBattle         Method = "cancelBattle"
	MethodSetPlatformFee       Method = "setPlatformFee"
	MethodPause                Method = "pause"
	MethodUnpause              Method = "unpause"
	MethodWithdrawPlatformFees Method = "withdrawPlatformFees"
)

// Call describes one state-changing contract invocation before it is signed.
type Call struct {
	Method   Method
	Payload  any      // one of the *Payload types below, or nil
	Value    *big.Int // wei attached to the call; nil means zero
	GasLimit uint64
}

// ---- Payload types ----

// CreateBattlePayload opens a new battle. Opponent is ZeroAddress for an open
// challenge.
type CreateBattlePayload struct {
	Prediction        string         `json:"prediction"`
	Description       string         `json:"description"`
	EndTime           uint64         `json:"end_time"`
	ChallengerSaysYes bool           `json:"challenger_says_yes"`
	Opponent          common.Address `json:"opponent"`
}

// BattleIDPayload addresses a single battle (accept, cancel).
type BattleIDPayload struct {
	BattleID uint64 `json:"battle_id"`
}

// ResolveBattlePayload settles an active battle.
type ResolveBattlePayload struct {
	BattleID           uint64 `json:"battle_id"`
	PredictionCameTrue bool   `json:"prediction_came_true"`
}

// SetPlatformFeePayload changes the fee in basis points.
type SetPlatformFeePayload struct {
	Fee uint64 `json:"fee"`
}

// Receipt is the ledger's confirmation of a mined transaction.
type Receipt struct {
	TxHash       common.Hash `json:"tx_hash"`
	BlockNumber  uint64      `json:"block_number"`
	Success      bool        `json:"success"`
	RevertReason string      `json:"revert_reason,omitempty"`
	BattleID     *uint64     `json:"battle_id,omitempty"` // set for a successful createBattle
}

// Transaction is the signed envelope accepted by the development ledger.
// Signature covers all fields except Signature and ID.
type Transaction struct {
	ID        common.Hash     `json:"id"`
	ChainID   uint64          `json:"chain_id"`
	Method    Method          `json:"method"`
	From      common.Address  `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Value     *big.Int        `json:"value"`
	Gas       uint64          `json:"gas"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature hexutil.Bytes   `json:"signature"`
}

// signingBody holds the fields that are covered by the signature.
type signingBody struct {
	ChainID   uint64          `json:"chain_id"`
	Method    Method          `json:"method"`
	From      common.Address  `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Value     *big.Int        `json:"value"`
	Gas       uint64          `json:"gas"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Hash returns a deterministic hash of the transaction (sans Signature).
func (tx *Transaction) Hash() common.Hash {
	body := signingBody{
		ChainID:   tx.ChainID,
		Method:    tx.Method,
		From:      tx.From,
		Nonce:     tx.Nonce,
		Value:     tx.Value,
		Gas:       tx.Gas,
		Timestamp: tx.Timestamp,
		Payload:   tx.Payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return common.Hash{}
	}
	return crypto.Hash(data)
}

// Sign signs the hash with sign and sets ID.
func (tx *Transaction) Sign(sign func(common.Hash) ([]byte, error)) error {
	hash := tx.Hash()
	sig, err := sign(hash)
	if err != nil {
		return err
	}
	tx.Signature = sig
	tx.ID = hash
	return nil
}

// Verify checks that the signature was produced by From.
func (tx *Transaction) Verify() error {
	if tx.From == ZeroAddress {
		return errors.New("missing from field")
	}
	return crypto.Verify(tx.From, tx.Hash(), tx.Signature)
}

// Amount returns Value, treating nil as zero.
func (tx *Transaction) Amount() *big.Int {
	if tx.Value == nil {
		return new(big.Int)
	}
	return tx.Value
}

// NewTransaction creates an unsigned transaction for call with the current
// timestamp.
func NewTransaction(chainID uint64, from common.Address, nonce uint64, call *Call) (*Transaction, error) {
	raw, err := json.Marshal(call.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	value := new(big.Int)
	if call.Value != nil {
		value.Set(call.Value)
	}
	return &Transaction{
		ChainID:   chainID,
		Method:    call.Method,
		From:      from,
		Nonce:     nonce,
		Value:     value,
		Gas:       call.GasLimit,
		Timestamp: time.Now().UnixNano(),
		Payload:   raw,
	}, nil
}
