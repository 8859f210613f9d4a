package config

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tolelom/framebattles/core"
)

// ParseAlloc converts the ether-denominated alloc table into wei balances.
func (d *DevConfig) ParseAlloc() (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(d.Alloc))
	for addr, amount := range d.Alloc {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("alloc: invalid address %q", addr)
		}
		wei, err := core.ParseEther(amount)
		if err != nil {
			return nil, fmt.Errorf("alloc %s: %w", addr, err)
		}
		out[common.HexToAddress(addr)] = wei
	}
	return out, nil
}

// CreateGenesisBlock credits the alloc accounts, installs the contract owner
// and fee, commits state and returns block #0.
func CreateGenesisBlock(dev *DevConfig, state core.State, owner common.Address, timestamp uint64) (*core.Block, error) {
	alloc, err := dev.ParseAlloc()
	if err != nil {
		return nil, err
	}
	addrs := make([]common.Address, 0, len(alloc))
	for a := range alloc {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
	for _, a := range addrs {
		if err := state.SetAccount(&core.Account{Address: a, Balance: alloc[a]}); err != nil {
			return nil, err
		}
	}

	if dev.Owner != "" {
		owner = common.HexToAddress(dev.Owner)
	}
	meta := &core.ContractMeta{
		Owner:             owner,
		PlatformFeeBps:    dev.PlatformFeeBps,
		TotalPlatformFees: new(big.Int),
	}
	if err := state.SetMeta(meta); err != nil {
		return nil, err
	}

	stateRoot := state.ComputeRoot()
	if err := state.Commit(); err != nil {
		return nil, err
	}

	block := core.NewBlock(0, common.Hash{}, owner, timestamp, nil)
	block.Header.StateRoot = stateRoot
	block.Seal()
	return block, nil
}
