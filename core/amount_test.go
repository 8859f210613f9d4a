package core_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tolelom/framebattles/core"
)

func TestParseEther(t *testing.T) {
	tests := []struct {
		in   string
		want string // wei
	}{
		{"1", "1000000000000000000"},
		{"0.01", "10000000000000000"},
		{" 2.5 ", "2500000000000000000"},
		{"0.000000000000000001", "1"},
	}
	for _, tt := range tests {
		got, err := core.ParseEther(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got.String(), tt.in)
	}

	for _, bad := range []string{"", "abc", "0.0000000000000000001", "--1"} {
		_, err := core.ParseEther(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0", core.FormatEther(nil))
	assert.Equal(t, "1.95", core.FormatEther(core.MustEther("1.95")))
	assert.Equal(t, "0.000000000000000001", core.FormatEther(big.NewInt(1)))
	assert.Equal(t, "-3", core.FormatEther(new(big.Int).Neg(core.MustEther("3"))))
}

func TestBattleCloneIsDeep(t *testing.T) {
	b := &core.Battle{ID: 1, StakeAmount: core.MustEther("1")}
	cp := b.Clone()
	cp.StakeAmount.SetInt64(0)
	assert.Equal(t, "1", core.FormatEther(b.StakeAmount))
}

func TestStatusJSON(t *testing.T) {
	data, err := core.StatusActive.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"active"`, string(data))

	var s core.Status
	require.NoError(t, s.UnmarshalJSON([]byte(`"cancelled"`)))
	assert.Equal(t, core.StatusCancelled, s)
	assert.True(t, s.Terminal())
	assert.Error(t, s.UnmarshalJSON([]byte(`"paused"`)))
	assert.False(t, core.Status(7).Valid())
}
