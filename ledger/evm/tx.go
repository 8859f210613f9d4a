package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/labstack/gommon/log"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/ledger"
)

// Transact packs call, dry-runs it from the signer's account, then signs
// and broadcasts an EIP-1559 transaction.
func (c *Client) Transact(ctx context.Context, signer ledger.Signer, call *core.Call) (common.Hash, error) {
	data, err := c.packCall(call)
	if err != nil {
		return common.Hash{}, err
	}
	from := signer.Address()
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	msg := ethereum.CallMsg{From: from, To: &c.contract, Gas: call.GasLimit, Value: value, Data: data}
	if _, err := c.backend.CallContract(ctx, msg, nil); err != nil {
		if reason, ok := revertReason(err); ok {
			return common.Hash{}, &ledger.RevertError{Reason: reason}
		}
		return common.Hash{}, fmt.Errorf("simulate %s: %w", call.Method, err)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	chainID := new(big.Int).SetUint64(c.chainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       call.GasLimit,
		To:        &c.contract,
		Value:     value,
		Data:      data,
	})
	txSigner := types.LatestSignerForChainID(chainID)
	sig, err := signer.SignHash(txSigner.Hash(tx))
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}
	signed, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return common.Hash{}, fmt.Errorf("attach signature: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		if reason, ok := revertReason(err); ok {
			return common.Hash{}, &ledger.RevertError{Reason: reason}
		}
		return common.Hash{}, fmt.Errorf("send: %w", err)
	}
	log.Infof("[evm] sent %s tx=%s nonce=%d", call.Method, signed.Hash().Hex(), nonce)
	return signed.Hash(), nil
}

// WaitMined polls for the receipt of hash. A failed transaction is replayed
// at its block to recover the revert reason.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*core.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		rcpt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return c.toReceipt(ctx, rcpt), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			log.Debugf("[evm] receipt %s: %v", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) toReceipt(ctx context.Context, r *types.Receipt) *core.Receipt {
	out := &core.Receipt{
		TxHash:  r.TxHash,
		Success: r.Status == types.ReceiptStatusSuccessful,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if !out.Success {
		out.RevertReason = c.replayRevert(ctx, r)
		return out
	}
	created := c.abi.Events["BattleCreated"].ID
	for _, l := range r.Logs {
		if l.Address != c.contract || len(l.Topics) < 2 || l.Topics[0] != created {
			continue
		}
		id := new(big.Int).SetBytes(l.Topics[1].Bytes())
		if id.IsUint64() {
			v := id.Uint64()
			out.BattleID = &v
		}
		break
	}
	return out
}

// replayRevert re-executes a failed transaction as a call at its block.
func (c *Client) replayRevert(ctx context.Context, r *types.Receipt) string {
	tx, _, err := c.backend.TransactionByHash(ctx, r.TxHash)
	if err != nil {
		return ""
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return ""
	}
	msg := ethereum.CallMsg{From: from, To: tx.To(), Gas: tx.Gas(), Value: tx.Value(), Data: tx.Data()}
	_, err = c.backend.CallContract(ctx, msg, r.BlockNumber)
	if err == nil {
		return "out of gas"
	}
	if reason, ok := revertReason(err); ok {
		return reason
	}
	return err.Error()
}

func (c *Client) packCall(call *core.Call) ([]byte, error) {
	switch p := call.Payload.(type) {
	case core.CreateBattlePayload:
		return c.abi.Pack(string(call.Method), p.Prediction, p.Description,
			new(big.Int).SetUint64(p.EndTime), p.ChallengerSaysYes, p.Opponent)
	case core.BattleIDPayload:
		return c.abi.Pack(string(call.Method), new(big.Int).SetUint64(p.BattleID))
	case core.ResolveBattlePayload:
		return c.abi.Pack(string(call.Method), new(big.Int).SetUint64(p.BattleID), p.PredictionCameTrue)
	default:
		return nil, fmt.Errorf("unsupported call %s with payload %T", call.Method, call.Payload)
	}
}

// revertReason extracts the contract's reason from a node error, if the
// error is an execution revert.
func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	const prefix = "execution reverted"
	i := strings.Index(msg, prefix)
	if i < 0 {
		return "", false
	}
	reason := strings.TrimPrefix(msg[i+len(prefix):], ":")
	return strings.TrimSpace(reason), true
}
