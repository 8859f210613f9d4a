// Package evm binds the deployed FrameBattles contract over Ethereum JSON-RPC.
package evm

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/labstack/gommon/log"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/ledger"
)

//go:embed framebattles.abi.json
var abiJSON string

// DefaultPollInterval is how often WaitMined asks for a receipt.
const DefaultPollInterval = 2 * time.Second

// Backend is the subset of *ethclient.Client the contract client needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Client reads and writes the FrameBattles contract at one address on one chain.
type Client struct {
	backend  Backend
	contract common.Address
	chainID  uint64
	abi      abi.ABI
	poll     time.Duration
}

var _ ledger.Ledger = (*Client)(nil)

// New binds the contract at address through backend.
func New(backend Backend, contract common.Address, chainID uint64) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &Client{
		backend:  backend,
		contract: contract,
		chainID:  chainID,
		abi:      parsed,
		poll:     DefaultPollInterval,
	}, nil
}

// Dial connects to rawurl and checks that the node serves chainID.
func Dial(ctx context.Context, rawurl string, contract common.Address, chainID uint64) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawurl, err)
	}
	remote, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if remote.Uint64() != chainID {
		ec.Close()
		return nil, fmt.Errorf("node at %s serves chain %s, want %d", rawurl, remote, chainID)
	}
	log.Infof("[evm] connected to %s chain_id=%d contract=%s", rawurl, chainID, contract.Hex())
	return New(ec, contract, chainID)
}

// SetPollInterval changes how often WaitMined polls.
func (c *Client) SetPollInterval(d time.Duration) { c.poll = d }

func (c *Client) ChainID() uint64 { return c.chainID }

// ---- reads ----

func (c *Client) Battle(ctx context.Context, id uint64) (*core.Battle, error) {
	out, err := c.call(ctx, "getBattle", new(big.Int).SetUint64(id))
	if err != nil {
		var rev *ledger.RevertError
		if errors.As(err, &rev) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	var t battleTuple
	if err := c.abi.UnpackIntoInterface(&t, "getBattle", out); err != nil {
		return nil, fmt.Errorf("decode getBattle: %w", err)
	}
	if t.Challenger == core.ZeroAddress {
		return nil, core.ErrNotFound
	}
	return t.battle()
}

func (c *Client) AllBattles(ctx context.Context) ([]*core.Battle, error) {
	vals, err := c.unpack(ctx, "getAllBattles")
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(vals[0], new([]battleTuple)).(*[]battleTuple)
	out := make([]*core.Battle, 0, len(tuples))
	for i := range tuples {
		b, err := tuples[i].battle()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (c *Client) BattlesCount(ctx context.Context) (uint64, error) {
	vals, err := c.unpack(ctx, "getBattlesCount")
	if err != nil {
		return 0, err
	}
	return toUint64("getBattlesCount", vals[0])
}

func (c *Client) UserBattles(ctx context.Context, addr common.Address) ([]uint64, error) {
	vals, err := c.unpack(ctx, "getUserBattles", addr)
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(vals[0], new([]*big.Int)).(*[]*big.Int)
	ids := make([]uint64, len(raw))
	for i, v := range raw {
		if !v.IsUint64() {
			return nil, fmt.Errorf("getUserBattles: id %s out of range", v)
		}
		ids[i] = v.Uint64()
	}
	return ids, nil
}

func (c *Client) UserStats(ctx context.Context, addr common.Address) (*core.UserStats, error) {
	vals, err := c.unpack(ctx, "getUserStats", addr)
	if err != nil {
		return nil, err
	}
	t := abi.ConvertType(vals[0], new(statsTuple)).(*statsTuple)
	return t.stats()
}

func (c *Client) Leaderboard(ctx context.Context, limit uint64) ([]core.LeaderboardEntry, error) {
	vals, err := c.unpack(ctx, "getLeaderboard", new(big.Int).SetUint64(limit))
	if err != nil {
		return nil, err
	}
	addrs := *abi.ConvertType(vals[0], new([]common.Address)).(*[]common.Address)
	stats := *abi.ConvertType(vals[1], new([]statsTuple)).(*[]statsTuple)
	if len(addrs) != len(stats) {
		return nil, fmt.Errorf("getLeaderboard: %d addresses but %d stats", len(addrs), len(stats))
	}
	out := make([]core.LeaderboardEntry, 0, len(addrs))
	for i, addr := range addrs {
		st, err := stats[i].stats()
		if err != nil {
			return nil, err
		}
		out = append(out, core.LeaderboardEntry{Address: addr, Stats: *st})
	}
	return out, nil
}

func (c *Client) PlatformFee(ctx context.Context) (uint64, error) {
	vals, err := c.unpack(ctx, "platformFee")
	if err != nil {
		return 0, err
	}
	return toUint64("platformFee", vals[0])
}

func (c *Client) TotalPlatformFees(ctx context.Context) (*big.Int, error) {
	vals, err := c.unpack(ctx, "totalPlatformFees")
	if err != nil {
		return nil, err
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("totalPlatformFees: unexpected %T", vals[0])
	}
	return v, nil
}

func (c *Client) Paused(ctx context.Context) (bool, error) {
	vals, err := c.unpack(ctx, "paused")
	if err != nil {
		return false, err
	}
	v, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("paused: unexpected %T", vals[0])
	}
	return v, nil
}

// Owner returns the contract owner.
func (c *Client) Owner(ctx context.Context) (common.Address, error) {
	vals, err := c.unpack(ctx, "owner")
	if err != nil {
		return common.Address{}, err
	}
	v, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("owner: unexpected %T", vals[0])
	}
	return v, nil
}

func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.backend.BalanceAt(ctx, addr, nil)
}

// call runs a view function and returns its raw output.
func (c *Client) call(ctx context.Context, method string, args ...any) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return nil, &ledger.RevertError{Reason: reason}
		}
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, ledger.ErrNoData
	}
	return out, nil
}

func (c *Client) unpack(ctx context.Context, method string, args ...any) ([]any, error) {
	out, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	vals, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	return vals, nil
}
