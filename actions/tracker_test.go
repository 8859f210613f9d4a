package actions

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/internal/testutil"
	"github.com/tolelom/framebattles/ledger"
	"github.com/tolelom/framebattles/wallet"
)

type countingRefresher struct{ n atomic.Int32 }

func (r *countingRefresher) Refresh(context.Context) error { r.n.Add(1); return nil }

func TestTrackerResumesJournal(t *testing.T) {
	db := testutil.NewMemDB()
	fake := testutil.NewFakeLedger(31337)
	fake.WaitMinedFn = func(_ context.Context, hash common.Hash) (*core.Receipt, error) {
		return &core.Receipt{TxHash: hash, BlockNumber: 2, Success: true}, nil
	}

	pending := &Submission{
		ID:          "7d1f2c3e-0000-4000-8000-000000000001",
		Method:      core.MethodCreateBattle,
		TxHash:      common.HexToHash("0x01"),
		Status:      StatusPending,
		SubmittedAt: time.Unix(1_700_000_000, 0),
	}
	data, err := json.Marshal(pending)
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte(journalPrefix+pending.ID), data))
	require.NoError(t, db.Set([]byte(journalPrefix+"broken"), []byte("{")))

	refresher := &countingRefresher{}
	tracker := NewTracker(fake, refresher, nil, db)
	defer tracker.Close()
	n, err := tracker.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool { return refresher.n.Load() == 1 }, 2*time.Second, time.Millisecond)

	got, ok := tracker.Get(pending.ID)
	require.True(t, ok)
	assert.Equal(t, StatusConfirmed, got.Status)

	_, err = db.Get([]byte(journalPrefix + pending.ID))
	assert.ErrorIs(t, err, core.ErrNotFound, "confirmed submissions leave the journal")
	assert.Empty(t, db.Keys(journalPrefix), "corrupt entries are dropped")
}

func blockingLedger() *testutil.FakeLedger {
	fake := testutil.NewFakeLedger(31337)
	fake.WaitMinedFn = func(ctx context.Context, _ common.Hash) (*core.Receipt, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return fake
}

func TestTrackerTimeoutLeavesSubmissionJournaled(t *testing.T) {
	db := testutil.NewMemDB()
	tracker := NewTracker(blockingLedger(), nil, nil, db)
	defer tracker.Close()
	tracker.SetTimeout(10 * time.Millisecond)

	sub := &Submission{ID: "s1", Method: core.MethodCancelBattle, Status: StatusPending}
	tracker.Track(sub)
	got, err := tracker.Wait(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Len(t, tracker.Pending(), 1)
	assert.Equal(t, []string{journalPrefix + "s1"}, db.Keys(journalPrefix))
}

func TestTrackerCloseDoesNotWaitForConfirmation(t *testing.T) {
	db := testutil.NewMemDB()
	tracker := NewTracker(blockingLedger(), nil, nil, db)
	released := make(chan string, 1)
	tracker.setOnDone(func(s *Submission) { released <- s.ID })

	sub := &Submission{ID: "s2", Method: core.MethodAcceptBattle, Status: StatusPending}
	tracker.Track(sub)

	closed := make(chan struct{})
	go func() {
		tracker.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a pending confirmation")
	}
	assert.Equal(t, "s2", <-released)

	got, ok := tracker.Get("s2")
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, []string{journalPrefix + "s2"}, db.Keys(journalPrefix), "resumed on the next start")
}

func TestAcceptRace(t *testing.T) {
	fake := testutil.NewFakeLedger(31337)
	fake.Put(&core.Battle{ID: 1, Status: core.StatusActive, Opponent: common.HexToAddress("0xb0b")})
	fake.Put(&core.Battle{ID: 2, Status: core.StatusCancelled})
	ctx := context.Background()
	notOpen := classify(opAccept, &ledger.RevertError{Reason: "battle is not open"})

	err := acceptRace(ctx, fake, 1, notOpen)
	require.ErrorIs(t, err, core.ErrInvalidState)
	assert.True(t, core.IsRecoverable(err))
	assert.Contains(t, err.Error(), "already taken")

	err = acceptRace(ctx, fake, 2, notOpen)
	require.ErrorIs(t, err, core.ErrInvalidState)
	assert.False(t, core.IsRecoverable(err), "cancelled battles are not a race")

	err = acceptRace(ctx, fake, 9, notOpen)
	assert.False(t, core.IsRecoverable(err))

	other := classify(opAccept, &ledger.RevertError{Reason: "stake amount mismatch: want 1"})
	assert.Equal(t, other, acceptRace(ctx, fake, 1, other))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		op          string
		err         error
		kind        core.Kind
		recoverable bool
	}{
		{opAccept, &ledger.RevertError{Reason: "battle is not open"}, core.KindInvalidState, false},
		{opCancel, &ledger.RevertError{Reason: "battle is not open"}, core.KindInvalidState, false},
		{opResolve, &ledger.RevertError{Reason: "only challenger can resolve"}, core.KindInvalidState, false},
		{opResolve, &ledger.RevertError{Reason: "battle has not ended"}, core.KindInvalidState, false},
		{opAccept, &ledger.RevertError{Reason: "battle does not exist"}, core.KindNotFound, false},
		{opCreate, &ledger.RevertError{Reason: "insufficient balance: have 0 need 1"}, core.KindSubmission, false},
		{opCreate, &ledger.RevertError{}, core.KindSubmission, false},
		{opCreate, wallet.ErrDisconnected, core.KindValidation, false},
		{opCreate, errors.New("nonce too low"), core.KindSubmission, false},
		{opCreate, core.NotFoundf(opCreate, "x"), core.KindNotFound, false},
	}
	for _, tt := range tests {
		err := classify(tt.op, tt.err)
		assert.Equal(t, tt.kind, core.KindOf(err), "%s: %v", tt.op, tt.err)
		assert.Equal(t, tt.recoverable, core.IsRecoverable(err), "%s: %v", tt.op, tt.err)
	}
	assert.NoError(t, classify(opCreate, nil))
}
