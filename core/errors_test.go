package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tolelom/framebattles/core"
)

func TestErrorMatchesByKind(t *testing.T) {
	err := core.InvalidStatef("acceptBattle", "battle %d is not open", 3)

	assert.ErrorIs(t, err, core.ErrInvalidState)
	assert.NotErrorIs(t, err, core.ErrValidation)
	assert.Equal(t, core.KindInvalidState, core.KindOf(err))
	assert.Equal(t, "acceptBattle: invalid_state: battle 3 is not open", err.Error())

	wrapped := fmt.Errorf("ui: %w", err)
	assert.ErrorIs(t, wrapped, core.ErrInvalidState)
	assert.Equal(t, core.KindInvalidState, core.KindOf(wrapped))
}

func TestErrorWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := core.Wrap(core.KindFetch, "listBattles", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, core.ErrFetch)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRecoverable(t *testing.T) {
	err := &core.Error{Kind: core.KindInvalidState, Msg: "battle was already taken", Recoverable: true}
	assert.True(t, core.IsRecoverable(fmt.Errorf("x: %w", err)))
	assert.False(t, core.IsRecoverable(core.NotFoundf("getBattle", "battle 9 not found")))
	assert.False(t, core.IsRecoverable(errors.New("plain")))
	assert.Equal(t, core.Kind(0), core.KindOf(errors.New("plain")))
}
