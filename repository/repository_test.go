package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/events"
	"github.com/tolelom/framebattles/internal/testutil"
	"github.com/tolelom/framebattles/ledger"
	"github.com/tolelom/framebattles/repository"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func battle(id uint64, status core.Status) *core.Battle {
	return &core.Battle{ID: id, Prediction: "p", StakeAmount: core.MustEther("1"), Challenger: alice, Status: status}
}

func newRepo(l ledger.Reader, clock *testutil.Clock) *repository.Repository {
	return repository.New(l, repository.Options{TTL: time.Minute, Clock: clock.Now})
}

func TestListBattlesCachesWithinTTL(t *testing.T) {
	fake := testutil.NewFakeLedger(31337)
	fake.Put(battle(0, core.StatusOpen))
	fake.Put(battle(1, core.StatusOpen))
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	repo := newRepo(fake, clock)
	ctx := context.Background()

	got, err := repo.ListBattles(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int64(1), fake.Calls())

	// callers get copies
	got[0].Status = core.StatusCancelled
	again, err := repo.ListBattles(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StatusOpen, again[0].Status)
	assert.Equal(t, int64(1), fake.Calls())

	clock.Advance(2 * time.Minute)
	_, err = repo.ListBattles(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fake.Calls())
}

func TestListBattlesEmptyAndFailure(t *testing.T) {
	fake := testutil.NewFakeLedger(31337)
	fake.AllBattlesFn = func(context.Context) ([]*core.Battle, error) { return nil, ledger.ErrNoData }
	repo := newRepo(fake, testutil.NewClock(time.Unix(0, 0)))

	got, err := repo.ListBattles(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	fake = testutil.NewFakeLedger(31337)
	fake.AllBattlesFn = func(context.Context) ([]*core.Battle, error) { return nil, errors.New("connection refused") }
	repo = newRepo(fake, testutil.NewClock(time.Unix(0, 0)))
	_, err = repo.ListBattles(context.Background())
	assert.ErrorIs(t, err, core.ErrFetch)
}

func TestGetBattleNotFound(t *testing.T) {
	fake := testutil.NewFakeLedger(31337)
	repo := newRepo(fake, testutil.NewClock(time.Unix(0, 0)))

	_, err := repo.GetBattle(context.Background(), 99)
	assert.ErrorIs(t, err, core.ErrBattleNotFound)
	assert.NotErrorIs(t, err, core.ErrFetch)
}

// An older fetch that completes after a newer one must not overwrite it.
func TestStaleFetchDoesNotOverwrite(t *testing.T) {
	fake := testutil.NewFakeLedger(31337)
	started := make(chan struct{})
	release := make(chan struct{})
	first := true
	fake.AllBattlesFn = func(ctx context.Context) ([]*core.Battle, error) {
		if first {
			first = false
			close(started)
			<-release // ignores cancellation, like a slow node
			return []*core.Battle{battle(0, core.StatusOpen)}, nil
		}
		return []*core.Battle{battle(0, core.StatusActive)}, nil
	}
	repo := newRepo(fake, testutil.NewClock(time.Unix(1_700_000_000, 0)))
	ctx := context.Background()

	type result struct {
		battles []*core.Battle
		err     error
	}
	slow := make(chan result, 1)
	go func() {
		b, err := repo.ListBattles(ctx)
		slow <- result{b, err}
	}()
	<-started

	require.NoError(t, repo.Refresh(ctx))
	close(release)

	res := <-slow
	require.NoError(t, res.err)
	require.Len(t, res.battles, 1)
	assert.Equal(t, core.StatusActive, res.battles[0].Status, "superseded caller sees the newest result")

	cached, err := repo.ListBattles(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, cached[0].Status)
}

func TestStatusRegressionIgnored(t *testing.T) {
	fake := testutil.NewFakeLedger(31337)
	fake.Put(battle(0, core.StatusActive))
	repo := newRepo(fake, testutil.NewClock(time.Unix(0, 0)))
	ctx := context.Background()

	b, err := repo.GetBattle(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, core.StatusActive, b.Status)

	// a lagging node reports the battle as open again
	fake.Put(battle(0, core.StatusOpen))
	require.NoError(t, repo.Refresh(ctx))
	b, err = repo.GetBattle(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, b.Status)

	fake.Put(battle(0, core.StatusResolved))
	require.NoError(t, repo.Refresh(ctx))
	b, err = repo.GetBattle(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, core.StatusResolved, b.Status)
}

func TestUserBattlesNewestFirst(t *testing.T) {
	fake := testutil.NewFakeLedger(31337)
	fake.Put(battle(0, core.StatusOpen))
	other := battle(1, core.StatusOpen)
	other.Challenger = bob
	fake.Put(other)
	fake.Put(battle(2, core.StatusOpen))
	repo := newRepo(fake, testutil.NewClock(time.Unix(0, 0)))
	ctx := context.Background()

	got, err := repo.UserBattles(ctx, alice)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].ID)
	assert.Equal(t, uint64(0), got[1].ID)

	none, err := repo.UserBattles(ctx, common.HexToAddress("0x0000000000000000000000000000000000000c0c"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLeaderboardAndStats(t *testing.T) {
	fake := testutil.NewFakeLedger(31337)
	fake.Stats[alice] = &core.UserStats{TotalBattles: 4, Wins: 3, TotalStaked: core.MustEther("4"), TotalWinnings: core.MustEther("5.85")}
	repo := newRepo(fake, testutil.NewClock(time.Unix(0, 0)))
	ctx := context.Background()

	_, err := repo.Leaderboard(ctx, 0)
	assert.ErrorIs(t, err, core.ErrValidation)

	board, err := repo.Leaderboard(ctx, 20)
	require.NoError(t, err)
	assert.Empty(t, board)

	st, err := repo.UserStats(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Wins)

	st, err = repo.UserStats(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, st.TotalBattles)
}

func TestContractScalarsAreCached(t *testing.T) {
	fake := testutil.NewFakeLedger(31337)
	fake.Admin = alice
	fake.Put(battle(0, core.StatusOpen))
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	repo := newRepo(fake, clock)
	ctx := context.Background()

	n, err := repo.BattlesCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	owner, err := repo.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)
	assert.Equal(t, int64(2), fake.Calls())

	fake.Put(battle(1, core.StatusOpen))
	n, err = repo.BattlesCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	assert.Equal(t, int64(2), fake.Calls())

	// Refresh picks up the new battle without waiting out the TTL
	require.NoError(t, repo.Refresh(ctx))
	n, err = repo.BattlesCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestRefreshEmits(t *testing.T) {
	fake := testutil.NewFakeLedger(31337)
	fake.FeeBps = 250
	emitter := events.NewEmitter()
	var got []events.Event
	emitter.Subscribe(events.EventRefreshed, func(ev events.Event) { got = append(got, ev) })
	clock := testutil.NewClock(time.Unix(0, 0))
	repo := repository.New(fake, repository.Options{TTL: time.Minute, Emitter: emitter, Clock: clock.Now})
	ctx := context.Background()

	fee, err := repo.PlatformFee(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), fee)
	paused, err := repo.Paused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	fake.FeeBps = 300
	require.NoError(t, repo.Refresh(ctx))
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Data["queries"])

	fee, err = repo.PlatformFee(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), fee)

	// queries unused for longer than the retain window are dropped
	clock.Advance(10 * time.Minute)
	require.NoError(t, repo.Refresh(ctx))
	assert.Equal(t, 0, got[1].Data["queries"])
}
