package storage_test

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/internal/testutil"
	"github.com/tolelom/framebattles/storage"
)

var addr = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

func TestStateDBZeroValues(t *testing.T) {
	state := testutil.NewStateDB()

	acc, err := state.GetAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, addr, acc.Address)
	assert.Zero(t, acc.Balance.Sign())

	st, err := state.GetStats(addr)
	require.NoError(t, err)
	assert.Zero(t, st.TotalBattles)
	assert.NotNil(t, st.TotalWinnings)

	_, err = state.GetBattle(0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStateDBSnapshotRevert(t *testing.T) {
	state := testutil.NewStateDB()
	require.NoError(t, state.SetAccount(&core.Account{Address: addr, Balance: big.NewInt(100)}))
	root := state.ComputeRoot()

	snap, err := state.Snapshot()
	require.NoError(t, err)
	require.NoError(t, state.SetAccount(&core.Account{Address: addr, Balance: big.NewInt(1)}))
	require.NoError(t, state.SetBattle(&core.BattleRecord{Battle: core.Battle{ID: 0, StakeAmount: big.NewInt(5)}}))
	assert.NotEqual(t, root, state.ComputeRoot())

	require.NoError(t, state.RevertToSnapshot(snap))
	acc, err := state.GetAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance.Int64())
	_, err = state.GetBattle(0)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, root, state.ComputeRoot())

	assert.Error(t, state.RevertToSnapshot(snap), "snapshot is consumed by revert")
}

func TestStateDBCommitPersists(t *testing.T) {
	db := testutil.NewMemDB()
	state := storage.NewStateDB(db)
	require.NoError(t, state.SetStats(addr, &core.UserStats{TotalBattles: 2, Wins: 1, TotalStaked: big.NewInt(2), TotalWinnings: big.NewInt(3)}))
	root := state.ComputeRoot()
	require.NoError(t, state.Commit())

	reopened := storage.NewStateDB(db)
	st, err := reopened.GetStats(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Wins)
	assert.Equal(t, root, reopened.ComputeRoot())

	all, err := reopened.AllStats()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLevelDB(t *testing.T) {
	db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set([]byte("a:1"), []byte("x")))
	require.NoError(t, db.Set([]byte("a:2"), []byte("y")))
	require.NoError(t, db.Set([]byte("b:1"), []byte("z")))

	_, err = db.Get([]byte("missing"))
	assert.ErrorIs(t, err, core.ErrNotFound)

	it := db.NewIterator([]byte("a:"))
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	it.Release()
	require.NoError(t, it.Error())
	assert.Equal(t, []string{"a:1", "a:2"}, keys)

	batch := db.NewBatch()
	batch.Delete([]byte("a:1"))
	batch.Set([]byte("c:1"), []byte("w"))
	require.NoError(t, batch.Write())
	_, err = db.Get([]byte("a:1"))
	assert.ErrorIs(t, err, core.ErrNotFound)
	v, err := db.Get([]byte("c:1"))
	require.NoError(t, err)
	assert.Equal(t, "w", string(v))
}
