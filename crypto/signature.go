package crypto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Sign produces a 65-byte [R || S || V] signature over hash.
func Sign(priv *PrivateKey, hash common.Hash) ([]byte, error) {
	return ethcrypto.Sign(hash[:], priv.key)
}

// Recover returns the address that produced sig over hash.
func Recover(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", ethcrypto.SignatureLength, len(sig))
	}
	pub, err := ethcrypto.SigToPub(hash[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig over hash was produced by addr.
func Verify(addr common.Address, hash common.Hash, sig []byte) error {
	signer, err := Recover(hash, sig)
	if err != nil {
		return err
	}
	if signer != addr {
		return errors.New("signature verification failed")
	}
	return nil
}
