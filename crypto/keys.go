package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	key *ecdsa.PrivateKey
}

// GenerateKey generates a new secp256k1 key.
func GenerateKey() (*PrivateKey, error) {
	k, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: k}, nil
}

// Address returns the 20-byte account address derived from the public key.
func (p *PrivateKey) Address() common.Address {
	return ethcrypto.PubkeyToAddress(p.key.PublicKey)
}

// Bytes returns the raw 32-byte scalar (handle with care).
func (p *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(p.key)
}

// Hex returns the hex-encoded private key without 0x prefix.
func (p *PrivateKey) Hex() string {
	return hex.EncodeToString(p.Bytes())
}

// ECDSA exposes the underlying key for go-ethereum APIs.
func (p *PrivateKey) ECDSA() *ecdsa.PrivateKey {
	return p.key
}

// PrivKeyFromBytes decodes a raw 32-byte private key.
func PrivKeyFromBytes(b []byte) (*PrivateKey, error) {
	k, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &PrivateKey{key: k}, nil
}

// PrivKeyFromHex decodes a hex-encoded private key, with or without 0x.
func PrivKeyFromHex(s string) (*PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid privkey hex: %w", err)
	}
	return PrivKeyFromBytes(b)
}

// ParseAddress accepts a 0x-prefixed 20-byte hex address. An empty string
// yields the zero address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, fmt.Errorf("address %q must start with 0x", s)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("address %q is not a 20-byte hex address", s)
	}
	return common.HexToAddress(s), nil
}
