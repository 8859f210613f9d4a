package vm

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/events"
)

// Context is passed to every Handler and provides access to the ledger state,
// the current block, the triggering transaction, and the event emitter.
type Context struct {
	State    core.State
	Block    *core.Block
	Tx       *core.Transaction
	Emitter  *events.Emitter
	Contract common.Address // account holding escrowed stakes and fees
	Receipt  *core.Receipt  // handlers may annotate the pending receipt
}

// Now returns the block timestamp, the contract's notion of current time.
func (c *Context) Now() uint64 { return c.Block.Header.Timestamp }

// Sender returns the transaction's origin.
func (c *Context) Sender() common.Address { return c.Tx.From }

// Value returns the wei attached to the transaction.
func (c *Context) Value() *big.Int { return c.Tx.Amount() }

// Emit publishes ev tagged with the current transaction and block.
func (c *Context) Emit(typ events.EventType, data map[string]any) {
	if c.Emitter == nil {
		return
	}
	c.Emitter.Emit(events.Event{
		Type:        typ,
		TxHash:      c.Tx.ID.Hex(),
		BlockHeight: c.Block.Header.Height,
		Data:        data,
	})
}

// Pay moves amount from the contract account to addr.
func (c *Context) Pay(addr common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	return transfer(c.State, c.Contract, addr, amount)
}

// Revert is the error type handlers return to reject a call. Its message is
// the revert reason reported in the receipt.
type Revert struct{ Reason string }

func (r *Revert) Error() string { return r.Reason }

// Revertf builds a Revert.
func Revertf(format string, args ...any) error {
	return &Revert{Reason: fmt.Sprintf(format, args...)}
}

// Executor applies transactions to the state using the global Handler registry.
type Executor struct {
	state    core.State
	emitter  *events.Emitter
	contract common.Address
}

// NewExecutor creates an Executor with the given state, event emitter and
// contract escrow account.
func NewExecutor(state core.State, emitter *events.Emitter, contract common.Address) *Executor {
	return &Executor{state: state, emitter: emitter, contract: contract}
}

// ExecuteBlock applies all transactions in block sequentially and fills
// block.Receipts. A failing transaction only fails its own receipt.
func (e *Executor) ExecuteBlock(block *core.Block) {
	block.Receipts = make([]*core.Receipt, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		block.Receipts = append(block.Receipts, e.ExecuteTx(block, tx))
	}
}

// ExecuteTx verifies and executes a single transaction with snapshot/rollback.
// The nonce is consumed even when the call reverts.
func (e *Executor) ExecuteTx(block *core.Block, tx *core.Transaction) *core.Receipt {
	rcpt := &core.Receipt{TxHash: tx.ID, BlockNumber: block.Header.Height}
	fail := func(err error) *core.Receipt {
		rcpt.Success = false
		rcpt.RevertReason = err.Error()
		rcpt.BattleID = nil
		return rcpt
	}

	if err := tx.Verify(); err != nil {
		return fail(fmt.Errorf("signature: %w", err))
	}
	if err := e.consumeNonce(tx); err != nil {
		return fail(err)
	}

	snapID, err := e.state.Snapshot()
	if err != nil {
		return fail(fmt.Errorf("snapshot: %w", err))
	}
	if err := e.applyTx(block, tx, rcpt); err != nil {
		if revertErr := e.state.RevertToSnapshot(snapID); revertErr != nil {
			return fail(fmt.Errorf("revert snapshot after tx failure: %w (revert: %v)", err, revertErr))
		}
		return fail(err)
	}
	rcpt.Success = true

	if e.emitter != nil {
		e.emitter.Emit(events.Event{
			Type:        events.EventTxExecuted,
			TxHash:      tx.ID.Hex(),
			BlockHeight: block.Header.Height,
			Data:        map[string]any{"method": string(tx.Method), "from": tx.From.Hex()},
		})
	}
	return rcpt
}

func (e *Executor) consumeNonce(tx *core.Transaction) error {
	acc, err := e.state.GetAccount(tx.From)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acc.Nonce != tx.Nonce {
		return fmt.Errorf("invalid nonce: expected %d got %d", acc.Nonce, tx.Nonce)
	}
	if acc.Nonce == math.MaxUint64 {
		return fmt.Errorf("nonce overflow for account %s", tx.From.Hex())
	}
	acc.Nonce++
	return e.state.SetAccount(acc)
}

// applyTx escrows the attached value, then dispatches to the handler.
func (e *Executor) applyTx(block *core.Block, tx *core.Transaction, rcpt *core.Receipt) error {
	h, payable, err := globalRegistry.lookup(tx.Method)
	if err != nil {
		return err
	}
	value := tx.Amount()
	if value.Sign() < 0 {
		return errors.New("negative value")
	}
	if value.Sign() > 0 {
		if !payable {
			return Revertf("method %s is not payable", tx.Method)
		}
		if err := transfer(e.state, tx.From, e.contract, value); err != nil {
			return err
		}
	}

	ctx := &Context{
		State:    e.state,
		Block:    block,
		Tx:       tx,
		Emitter:  e.emitter,
		Contract: e.contract,
		Receipt:  rcpt,
	}
	return h(ctx, tx.Payload)
}

func transfer(state core.State, from, to common.Address, amount *big.Int) error {
	src, err := state.GetAccount(from)
	if err != nil {
		return err
	}
	if src.Balance.Cmp(amount) < 0 {
		return Revertf("insufficient balance: have %s need %s", src.Balance, amount)
	}
	src.Balance = new(big.Int).Sub(src.Balance, amount)
	if err := state.SetAccount(src); err != nil {
		return err
	}
	dst, err := state.GetAccount(to)
	if err != nil {
		return err
	}
	dst.Balance = new(big.Int).Add(dst.Balance, amount)
	return state.SetAccount(dst)
}
