package lifecycle_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/lifecycle"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	now   = time.Unix(1_700_000_000, 0)
)

func battle(status core.Status, opponent common.Address, end time.Time) *core.Battle {
	return &core.Battle{
		ID:                7,
		Prediction:        "ETH above 5k by Friday",
		StakeAmount:       core.MustEther("1"),
		Challenger:        alice,
		Opponent:          opponent,
		EndTime:           uint64(end.Unix()),
		Status:            status,
		ChallengerSaysYes: true,
	}
}

func TestLegalActions(t *testing.T) {
	future := now.Add(2 * time.Hour)
	past := now.Add(-time.Minute)

	tests := []struct {
		name   string
		b      *core.Battle
		viewer common.Address
		want   []lifecycle.Action
	}{
		{"open, challenger", battle(core.StatusOpen, core.ZeroAddress, future), alice, []lifecycle.Action{lifecycle.ActionCancel}},
		{"open, stranger", battle(core.StatusOpen, core.ZeroAddress, future), bob, []lifecycle.Action{lifecycle.ActionAccept}},
		{"open past end, stranger", battle(core.StatusOpen, core.ZeroAddress, past), bob, []lifecycle.Action{lifecycle.ActionAccept}},
		{"directed, invitee", battle(core.StatusOpen, bob, future), bob, []lifecycle.Action{lifecycle.ActionAccept}},
		{"directed, other", battle(core.StatusOpen, bob, future), carol, []lifecycle.Action{}},
		{"active before end, challenger", battle(core.StatusActive, bob, future), alice, []lifecycle.Action{}},
		{"active after end, challenger", battle(core.StatusActive, bob, past), alice, []lifecycle.Action{lifecycle.ActionResolve}},
		{"active after end, opponent", battle(core.StatusActive, bob, past), bob, []lifecycle.Action{}},
		{"resolved", battle(core.StatusResolved, bob, past), alice, []lifecycle.Action{}},
		{"cancelled", battle(core.StatusCancelled, core.ZeroAddress, past), alice, []lifecycle.Action{}},
		{"no account", battle(core.StatusOpen, core.ZeroAddress, future), core.ZeroAddress, []lifecycle.Action{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lifecycle.LegalActions(tt.b, tt.viewer, now))
		})
	}
}

func TestCheckResolveBeforeEnd(t *testing.T) {
	b := battle(core.StatusActive, bob, now.Add(time.Hour))
	err := lifecycle.Check(lifecycle.ActionResolve, b, alice, now)
	require.ErrorIs(t, err, core.ErrInvalidState)
	assert.Contains(t, err.Error(), "has not ended")

	// exactly at end time resolution becomes legal
	assert.NoError(t, lifecycle.Check(lifecycle.ActionResolve, b, alice, now.Add(time.Hour)))
}

func TestCheckAcceptAlreadyTakenIsRecoverable(t *testing.T) {
	b := battle(core.StatusActive, carol, now.Add(time.Hour))
	err := lifecycle.Check(lifecycle.ActionAccept, b, bob, now)
	require.ErrorIs(t, err, core.ErrInvalidState)
	assert.True(t, core.IsRecoverable(err))

	err = lifecycle.Check(lifecycle.ActionAccept, battle(core.StatusOpen, core.ZeroAddress, now), alice, now)
	require.ErrorIs(t, err, core.ErrInvalidState)
	assert.False(t, core.IsRecoverable(err))
}

func TestCheckUnknownAction(t *testing.T) {
	err := lifecycle.Check("withdraw", battle(core.StatusOpen, core.ZeroAddress, now), bob, now)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestEvaluate(t *testing.T) {
	b := battle(core.StatusActive, bob, now.Add(90*time.Second))
	v := lifecycle.Evaluate(b, bob, now, 250)

	assert.Equal(t, lifecycle.PhaseActive, v.Phase)
	assert.Equal(t, lifecycle.RoleOpponent, v.Role)
	assert.False(t, v.IsExpired)
	assert.True(t, v.HasOpponent)
	assert.Equal(t, 90*time.Second, v.TimeRemaining)
	assert.Equal(t, "2", core.FormatEther(v.PrizePool))
	assert.Equal(t, "0.05", core.FormatEther(v.PlatformFee))
	assert.Equal(t, "1.95", core.FormatEther(v.WinnerPayout))

	later := lifecycle.Evaluate(b, carol, now.Add(2*time.Minute), 250)
	assert.Equal(t, lifecycle.PhaseAwaitingResolution, later.Phase)
	assert.Equal(t, lifecycle.RoleSpectator, later.Role)
	assert.True(t, later.IsExpired)
	assert.Zero(t, later.TimeRemaining)
}

func TestPayout(t *testing.T) {
	assert.Equal(t, core.MustEther("1.95"), lifecycle.Payout(core.MustEther("1"), 250))
	assert.Equal(t, core.MustEther("2"), lifecycle.Payout(core.MustEther("1"), 0))
	assert.Equal(t, "0", lifecycle.Payout(core.MustEther("1"), lifecycle.FeeDenominator).String())
	// fee rounds down, so the odd wei goes to the winner
	assert.Equal(t, "2", lifecycle.Fee(core.MustEther("0.000000000000000099"), 125).String())
	assert.Equal(t, "196", lifecycle.Payout(core.MustEther("0.000000000000000099"), 125).String())
}

func TestWinner(t *testing.T) {
	yes := battle(core.StatusActive, bob, now)
	assert.Equal(t, alice, lifecycle.Winner(yes, true))
	assert.Equal(t, bob, lifecycle.Winner(yes, false))

	no := battle(core.StatusActive, bob, now)
	no.ChallengerSaysYes = false
	assert.Equal(t, bob, lifecycle.Winner(no, true))
	assert.Equal(t, alice, lifecycle.Winner(no, false))
}

func TestTransitions(t *testing.T) {
	assert.True(t, lifecycle.CanTransition(core.StatusOpen, core.StatusActive))
	assert.True(t, lifecycle.CanTransition(core.StatusOpen, core.StatusCancelled))
	assert.True(t, lifecycle.CanTransition(core.StatusActive, core.StatusResolved))
	assert.False(t, lifecycle.CanTransition(core.StatusActive, core.StatusCancelled))
	assert.False(t, lifecycle.CanTransition(core.StatusResolved, core.StatusOpen))

	assert.True(t, lifecycle.Advances(core.StatusOpen, core.StatusResolved))
	assert.True(t, lifecycle.Advances(core.StatusActive, core.StatusActive))
	assert.False(t, lifecycle.Advances(core.StatusActive, core.StatusOpen))
	assert.False(t, lifecycle.Advances(core.StatusCancelled, core.StatusActive))
}

func TestWinRate(t *testing.T) {
	assert.Equal(t, uint64(0), lifecycle.WinRate(core.NewUserStats()))
	assert.Equal(t, uint64(66), lifecycle.WinRate(&core.UserStats{TotalBattles: 3, Wins: 2}))
}
