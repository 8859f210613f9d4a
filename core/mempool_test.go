package core_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/crypto"
)

func signedTx(t *testing.T, priv *crypto.PrivateKey, nonce uint64) *core.Transaction {
	t.Helper()
	tx, err := core.NewTransaction(31337, priv.Address(), nonce, &core.Call{
		Method:  core.MethodCancelBattle,
		Payload: core.BattleIDPayload{BattleID: 1},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Sign(func(h common.Hash) ([]byte, error) { return crypto.Sign(priv, h) }))
	return tx
}

// TestTransactionSignVerify ensures transaction signing and verification work.
func TestTransactionSignVerify(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, priv, 0)

	assert.NotEqual(t, common.Hash{}, tx.ID)
	assert.NoError(t, tx.Verify())

	tx.Gas = 999
	assert.Error(t, tx.Verify(), "tampered tx should fail verification")
}

// TestMempool verifies add/remove/pending operations.
func TestMempool(t *testing.T) {
	mp := core.NewMempool()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	tx := signedTx(t, priv, 0)
	require.NoError(t, mp.Add(tx))
	assert.Equal(t, 1, mp.Size())
	assert.Error(t, mp.Add(tx), "adding duplicate tx should fail")

	assert.Equal(t, uint64(1), mp.PendingNonce(priv.Address(), 0))
	assert.Len(t, mp.Pending(10), 1)

	mp.Remove([]common.Hash{tx.ID})
	assert.Equal(t, 0, mp.Size())
	assert.Equal(t, uint64(0), mp.PendingNonce(priv.Address(), 0))
}
