package actions_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tolelom/framebattles/actions"
	"github.com/tolelom/framebattles/config"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/devchain"
	"github.com/tolelom/framebattles/events"
	"github.com/tolelom/framebattles/internal/testutil"
	"github.com/tolelom/framebattles/ledger"
	"github.com/tolelom/framebattles/repository"
	"github.com/tolelom/framebattles/wallet"
)

var start = time.Unix(1_700_000_000, 0)

func newWallet(t *testing.T, chainID uint64, allowed ...uint64) *wallet.Wallet {
	t.Helper()
	w, err := wallet.Generate(chainID, allowed)
	require.NoError(t, err)
	return w
}

func newActions(l ledger.Ledger, w actions.Provider, clock *testutil.Clock) *actions.Actions {
	tracker := actions.NewTracker(l, nil, nil, testutil.NewMemDB())
	return actions.New(l, w, tracker, actions.Options{
		ChainID:  l.ChainID(),
		GasLimit: config.DefaultConfig().Gas.Limit,
		Clock:    clock.Now,
	})
}

func validCreate() actions.CreateRequest {
	return actions.CreateRequest{
		Prediction:        "BTC closes above 100k on Sunday",
		Description:       "Coinbase daily close",
		EndTime:           start.Add(24 * time.Hour),
		ChallengerSaysYes: true,
		Stake:             core.MustEther("0.01"),
	}
}

func TestCreateValidationMakesNoLedgerCalls(t *testing.T) {
	fake := testutil.NewFakeLedger(config.DevChainID)
	w := newWallet(t, config.DevChainID)
	acts := newActions(fake, w, testutil.NewClock(start))

	tests := []struct {
		name   string
		mutate func(*actions.CreateRequest)
	}{
		{"empty prediction", func(r *actions.CreateRequest) { r.Prediction = "  " }},
		{"empty description", func(r *actions.CreateRequest) { r.Description = "" }},
		{"ends too soon", func(r *actions.CreateRequest) { r.EndTime = start.Add(59 * time.Minute) }},
		{"zero stake", func(r *actions.CreateRequest) { r.Stake = new(big.Int) }},
		{"nil stake", func(r *actions.CreateRequest) { r.Stake = nil }},
		{"opponent without 0x", func(r *actions.CreateRequest) { r.Opponent = "b0b0000000000000000000000000000000000000" }},
		{"opponent too short", func(r *actions.CreateRequest) { r.Opponent = "0xb0b" }},
		{"opponent is self", func(r *actions.CreateRequest) { r.Opponent = w.Address().Hex() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreate()
			tt.mutate(&req)
			_, err := acts.CreateBattle(context.Background(), req)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
	assert.Zero(t, fake.Calls())
}

func TestNoConnectedAccount(t *testing.T) {
	fake := testutil.NewFakeLedger(config.DevChainID)
	w := newWallet(t, config.DevChainID)
	w.Disconnect()
	acts := newActions(fake, w, testutil.NewClock(start))

	_, err := acts.CreateBattle(context.Background(), validCreate())
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = acts.AcceptBattle(context.Background(), 0)
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Zero(t, fake.Calls())
}

func TestChainSwitch(t *testing.T) {
	fake := testutil.NewFakeLedger(config.DevChainID)
	fake.Put(&core.Battle{ID: 0, StakeAmount: core.MustEther("1"), Challenger: common.HexToAddress("0xa11ce"), EndTime: uint64(start.Add(time.Hour).Unix())})
	ctx := context.Background()

	// the wallet does not know the target chain
	w := newWallet(t, config.BaseMainnetChainID)
	acts := newActions(fake, w, testutil.NewClock(start))
	_, err := acts.AcceptBattle(ctx, 0)
	assert.ErrorIs(t, err, core.ErrChainSwitch)
	assert.ErrorIs(t, err, wallet.ErrUnsupportedChain)
	assert.Zero(t, fake.Calls())

	// the user rejects the switch
	w = newWallet(t, config.BaseMainnetChainID, config.DevChainID)
	w.SetApprover(func(context.Context, uint64, uint64) error { return errors.New("user declined") })
	acts = newActions(fake, w, testutil.NewClock(start))
	_, err = acts.AcceptBattle(ctx, 0)
	assert.ErrorIs(t, err, core.ErrChainSwitch)
	assert.ErrorIs(t, err, wallet.ErrSwitchRejected)
	assert.Equal(t, uint64(config.BaseMainnetChainID), w.ChainID())

	// an approved switch lets the call through
	w.SetApprover(nil)
	fake.WaitMinedFn = func(_ context.Context, hash common.Hash) (*core.Receipt, error) {
		return &core.Receipt{TxHash: hash, BlockNumber: 3, Success: true}, nil
	}
	sub, err := acts.AcceptBattle(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusConfirmed, sub.Status)
	assert.Equal(t, uint64(config.DevChainID), w.ChainID())

	// value and gas come from the fresh read and the configured limits
	require.Len(t, fake.Submitted, 1)
	assert.Equal(t, core.MustEther("1"), fake.Submitted[0].Value)
	assert.Equal(t, uint64(300_000), fake.Submitted[0].GasLimit)
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	fake := testutil.NewFakeLedger(config.DevChainID)
	w := newWallet(t, config.DevChainID)
	fake.Put(&core.Battle{ID: 4, StakeAmount: core.MustEther("1"), Challenger: w.Address(), EndTime: uint64(start.Add(time.Hour).Unix())})
	release := make(chan struct{})
	fake.WaitMinedFn = func(ctx context.Context, hash common.Hash) (*core.Receipt, error) {
		<-release
		return &core.Receipt{TxHash: hash, BlockNumber: 9, Success: true}, nil
	}
	tracker := actions.NewTracker(fake, nil, nil, nil)
	acts := actions.New(fake, w, tracker, actions.Options{Clock: testutil.NewClock(start).Now})

	// the request gives up waiting but the submission stays tracked
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	sub, err := acts.CancelBattle(ctx, 4)
	cancel()
	require.NoError(t, err)
	assert.Equal(t, actions.StatusPending, sub.Status)
	assert.Len(t, acts.Pending(), 1)

	_, err = acts.CancelBattle(context.Background(), 4)
	assert.ErrorIs(t, err, actions.ErrAlreadyPending)
	assert.ErrorIs(t, err, core.ErrSubmission)

	close(release)
	defer tracker.Close()

	// once confirmed the same call may be sent again
	var again *actions.Submission
	require.Eventually(t, func() bool {
		again, err = acts.CancelBattle(context.Background(), 4)
		return err == nil
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, actions.StatusConfirmed, again.Status)
	got, ok := tracker.Get(sub.ID)
	require.True(t, ok)
	assert.Equal(t, actions.StatusConfirmed, got.Status)
	assert.Empty(t, acts.Pending())
}

func TestAcceptRaceIsRecoverable(t *testing.T) {
	fake := testutil.NewFakeLedger(config.DevChainID)
	open := &core.Battle{ID: 1, StakeAmount: core.MustEther("1"), Challenger: common.HexToAddress("0xa11ce"), EndTime: uint64(start.Add(time.Hour).Unix())}
	fake.Put(open)
	// someone else's accept lands between our read and our send
	fake.TransactFn = func(context.Context, ledger.Signer, *core.Call) (common.Hash, error) {
		taken := open.Clone()
		taken.Status = core.StatusActive
		taken.Opponent = common.HexToAddress("0xb0b")
		fake.Put(taken)
		return common.Hash{}, &ledger.RevertError{Reason: "battle is not open"}
	}
	acts := newActions(fake, newWallet(t, config.DevChainID), testutil.NewClock(start))

	_, err := acts.AcceptBattle(context.Background(), 1)
	require.ErrorIs(t, err, core.ErrInvalidState)
	assert.True(t, core.IsRecoverable(err))
	assert.Contains(t, err.Error(), "already taken")
}

func TestAcceptOfCancelledBattleIsNotARace(t *testing.T) {
	fake := testutil.NewFakeLedger(config.DevChainID)
	open := &core.Battle{ID: 1, StakeAmount: core.MustEther("1"), Challenger: common.HexToAddress("0xa11ce"), EndTime: uint64(start.Add(time.Hour).Unix())}
	fake.Put(open)
	// the challenger cancels between our read and our send
	fake.TransactFn = func(context.Context, ledger.Signer, *core.Call) (common.Hash, error) {
		cancelled := open.Clone()
		cancelled.Status = core.StatusCancelled
		fake.Put(cancelled)
		return common.Hash{}, &ledger.RevertError{Reason: "battle is not open"}
	}
	acts := newActions(fake, newWallet(t, config.DevChainID), testutil.NewClock(start))

	_, err := acts.AcceptBattle(context.Background(), 1)
	require.ErrorIs(t, err, core.ErrInvalidState)
	assert.False(t, core.IsRecoverable(err))
	assert.NotContains(t, err.Error(), "already taken")
}

func TestRejectedActionRefreshesRepository(t *testing.T) {
	fake := testutil.NewFakeLedger(config.DevChainID)
	challenger := common.HexToAddress("0xa11ce")
	open := &core.Battle{ID: 0, StakeAmount: core.MustEther("1"), Challenger: challenger, EndTime: uint64(start.Add(time.Hour).Unix())}
	fake.Put(open)
	clock := testutil.NewClock(start)
	repo := repository.New(fake, repository.Options{TTL: time.Hour, Clock: clock.Now})
	ctx := context.Background()

	cached, err := repo.GetBattle(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, core.StatusOpen, cached.Status)

	// another account accepts; the repository still holds the open snapshot
	taken := open.Clone()
	taken.Status = core.StatusActive
	taken.Opponent = common.HexToAddress("0xb0b")
	fake.Put(taken)

	tracker := actions.NewTracker(fake, repo, nil, nil)
	defer tracker.Close()
	acts := actions.New(fake, newWallet(t, config.DevChainID), tracker, actions.Options{Clock: clock.Now})
	_, err = acts.AcceptBattle(ctx, 0)
	require.ErrorIs(t, err, core.ErrInvalidState)
	assert.True(t, core.IsRecoverable(err))

	got, err := repo.GetBattle(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, got.Status)

	// a ledger-side revert also refreshes
	reopened := open.Clone()
	reopened.ID = 1
	fake.Put(reopened)
	_, err = repo.GetBattle(ctx, 1)
	require.NoError(t, err)
	cancelled := reopened.Clone()
	cancelled.Status = core.StatusCancelled
	fake.TransactFn = func(context.Context, ledger.Signer, *core.Call) (common.Hash, error) {
		fake.Put(cancelled)
		return common.Hash{}, &ledger.RevertError{Reason: "battle is not open"}
	}
	_, err = acts.AcceptBattle(ctx, 1)
	require.ErrorIs(t, err, core.ErrInvalidState)
	got, err = repo.GetBattle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, got.Status)
}

func TestPausedAndMissingBattle(t *testing.T) {
	fake := testutil.NewFakeLedger(config.DevChainID)
	acts := newActions(fake, newWallet(t, config.DevChainID), testutil.NewClock(start))

	_, err := acts.CancelBattle(context.Background(), 12)
	assert.ErrorIs(t, err, core.ErrBattleNotFound)

	fake.IsPaused = true
	_, err = acts.CreateBattle(context.Background(), validCreate())
	assert.ErrorIs(t, err, core.ErrSubmission)
	assert.Contains(t, err.Error(), "paused")
	assert.Empty(t, fake.Submitted)
}

func TestRevertedAtConfirmation(t *testing.T) {
	fake := testutil.NewFakeLedger(config.DevChainID)
	w := newWallet(t, config.DevChainID)
	fake.Put(&core.Battle{ID: 2, StakeAmount: core.MustEther("1"), Challenger: w.Address(), EndTime: uint64(start.Add(time.Hour).Unix())})
	fake.WaitMinedFn = func(_ context.Context, hash common.Hash) (*core.Receipt, error) {
		return &core.Receipt{TxHash: hash, BlockNumber: 5, Success: false, RevertReason: "battle is not open"}, nil
	}
	acts := newActions(fake, w, testutil.NewClock(start))

	sub, err := acts.CancelBattle(context.Background(), 2)
	require.ErrorIs(t, err, core.ErrInvalidState)
	assert.Equal(t, actions.StatusFailed, sub.Status)
	assert.NotEmpty(t, sub.Error)
	assert.False(t, sub.Receipt.Success)
}

// TestBattleLifecycleOnDevchain runs create, accept and resolve end to end.
func TestBattleLifecycleOnDevchain(t *testing.T) {
	clock := testutil.NewClock(start)
	alice := newWallet(t, config.DevChainID)
	bob := newWallet(t, config.DevChainID)
	carol := newWallet(t, config.DevChainID)
	emitter := events.NewEmitter()
	chain, err := devchain.New(testutil.NewMemDB(), devchain.Options{
		ChainID:  config.DevChainID,
		Contract: common.HexToAddress(config.DefaultContract),
		Owner:    alice.Address(),
		Genesis: &config.DevConfig{
			PlatformFeeBps: 250,
			Alloc: map[string]string{
				alice.Address().Hex(): "10",
				bob.Address().Hex():   "10",
				carol.Address().Hex(): "10",
			},
		},
		AutoMine:     true,
		Clock:        clock.Now,
		Emitter:      emitter,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	repo := repository.New(chain, repository.Options{Clock: clock.Now})

	var confirmed []events.Event
	emitter.Subscribe(events.EventTxConfirmed, func(ev events.Event) { confirmed = append(confirmed, ev) })

	actsFor := func(w *wallet.Wallet) *actions.Actions {
		tracker := actions.NewTracker(chain, repo, emitter, testutil.NewMemDB())
		t.Cleanup(tracker.Close)
		return actions.New(chain, w, tracker, actions.Options{
			GasLimit: config.DefaultConfig().Gas.Limit,
			Emitter:  emitter,
			Clock:    clock.Now,
		})
	}
	ctx := context.Background()

	req := validCreate()
	req.Stake = core.MustEther("1")
	sub, err := actsFor(alice).CreateBattle(ctx, req)
	require.NoError(t, err)
	require.Equal(t, actions.StatusConfirmed, sub.Status)
	require.NotNil(t, sub.BattleID)
	id := *sub.BattleID

	listed, err := repo.ListBattles(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, core.StatusOpen, listed[0].Status)

	sub, err = actsFor(bob).AcceptBattle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, actions.StatusConfirmed, sub.Status)

	// the tracker refreshed the cache after confirmation
	listed, err = repo.ListBattles(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, listed[0].Status)

	// carol was too late
	_, err = actsFor(carol).AcceptBattle(ctx, id)
	require.ErrorIs(t, err, core.ErrInvalidState)
	assert.True(t, core.IsRecoverable(err))

	_, err = actsFor(alice).ResolveBattle(ctx, id, false)
	assert.ErrorIs(t, err, core.ErrInvalidState, "cannot resolve before the end time")

	clock.Advance(25 * time.Hour)
	sub, err = actsFor(alice).ResolveBattle(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, actions.StatusConfirmed, sub.Status)

	b, err := repo.GetBattle(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusResolved, b.Status)
	assert.Equal(t, bob.Address(), b.Winner, "challenger said yes and the prediction failed")

	bal, err := chain.Balance(ctx, bob.Address())
	require.NoError(t, err)
	assert.Equal(t, "10.95", core.FormatEther(bal))
	assert.Len(t, confirmed, 3)
}
