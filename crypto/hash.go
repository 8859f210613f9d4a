package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Hash returns the Keccak-256 hash of data.
func Hash(data []byte) common.Hash {
	return ethcrypto.Keccak256Hash(data)
}

// HashBytes returns the raw Keccak-256 bytes of data.
func HashBytes(data ...[]byte) []byte {
	return ethcrypto.Keccak256(data...)
}
