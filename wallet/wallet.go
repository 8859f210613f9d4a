package wallet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/gommon/log"
	"github.com/tolelom/framebattles/crypto"
)

var (
	ErrDisconnected     = errors.New("wallet is not connected")
	ErrUnsupportedChain = errors.New("chain is not supported by this wallet")
	ErrSwitchRejected   = errors.New("network switch rejected")
)

// ApproveFunc decides whether a network switch may proceed. Returning an
// error rejects the switch.
type ApproveFunc func(ctx context.Context, from, to uint64) error

// Wallet is the local account. It signs for ledger transactions and tracks
// which network it currently targets.
type Wallet struct {
	mu        sync.RWMutex
	priv      *crypto.PrivateKey
	connected bool
	chainID   uint64
	allowed   []uint64
	approve   ApproveFunc
}

// New returns a connected Wallet for priv currently on chainID. allowed
// lists the chains SwitchChain may move to; chainID is always allowed.
func New(priv *crypto.PrivateKey, chainID uint64, allowed []uint64) *Wallet {
	al := slices.Clone(allowed)
	if !slices.Contains(al, chainID) {
		al = append(al, chainID)
	}
	return &Wallet{priv: priv, connected: true, chainID: chainID, allowed: al}
}

// Generate creates a Wallet with a freshly generated key.
func Generate(chainID uint64, allowed []uint64) (*Wallet, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return New(priv, chainID, allowed), nil
}

// Address returns the account address regardless of connection state.
func (w *Wallet) Address() common.Address { return w.priv.Address() }

// PrivKey returns the private key (handle with care).
func (w *Wallet) PrivKey() *crypto.PrivateKey { return w.priv }

// SignHash signs hash with the account key. A disconnected wallet refuses.
func (w *Wallet) SignHash(hash common.Hash) ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.connected {
		return nil, ErrDisconnected
	}
	return crypto.Sign(w.priv, hash)
}

// Account returns the active account, or false when disconnected.
func (w *Wallet) Account() (common.Address, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.connected {
		return common.Address{}, false
	}
	return w.priv.Address(), true
}

// ChainID returns the network the wallet currently targets.
func (w *Wallet) ChainID() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.chainID
}

// SetApprover installs the hook consulted before every network switch.
func (w *Wallet) SetApprover(fn ApproveFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.approve = fn
}

// SwitchChain moves the wallet to chainID. It fails when disconnected, when
// the chain is not in the allowed list, or when the approver rejects it.
func (w *Wallet) SwitchChain(ctx context.Context, chainID uint64) error {
	w.mu.RLock()
	connected, current, approve := w.connected, w.chainID, w.approve
	allowed := slices.Contains(w.allowed, chainID)
	w.mu.RUnlock()

	if !connected {
		return ErrDisconnected
	}
	if current == chainID {
		return nil
	}
	if !allowed {
		return fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	if approve != nil {
		if err := approve(ctx, current, chainID); err != nil {
			return fmt.Errorf("%w: %v", ErrSwitchRejected, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	w.chainID = chainID
	w.mu.Unlock()
	log.Infof("[wallet] switched chain %d -> %d", current, chainID)
	return nil
}

// Connect makes the account available to the client again.
func (w *Wallet) Connect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = true
}

// Disconnect withdraws the account; signing and Account fail until Connect.
func (w *Wallet) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = false
}
