package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	generated := GenerateUUID()

	id, err := NewID(generated.String())
	require.NoError(t, err)
	assert.Equal(t, generated, id)

	_, err = NewID("not-a-uuid")
	assert.Error(t, err)
}

func TestMoneyAdd(t *testing.T) {
	sum, err := NewMoney(100000, "COP").Add(NewMoney(50000, "COP"))
	require.NoError(t, err)
	assert.Equal(t, int64(150000), sum.Amount)
	assert.Equal(t, "COP", sum.Currency)

	_, err = NewMoney(100, "COP").Add(NewMoney(100, "USD"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "currency mismatch")
}

func TestMoneyMulQty(t *testing.T) {
	assert.Equal(t, int64(200000), NewMoney(100000, "COP").MulQty(2).Amount)
	assert.Equal(t, int64(0), NewMoney(100000, "COP").MulQty(0).Amount)
}

func TestMoneyRateBasisPoints(t *testing.T) {
	assert.Equal(t, int64(38000), NewMoney(200000, "COP").RateBasisPoints(1900).Amount)
	assert.Equal(t, int64(0), NewMoney(0, "COP").RateBasisPoints(1900).Amount)
	// Integer division truncates toward zero.
	assert.Equal(t, int64(18), NewMoney(99, "COP").RateBasisPoints(1900).Amount)
}

func TestMoneyPredicates(t *testing.T) {
	assert.True(t, NewMoney(0, "COP").IsZero())
	assert.True(t, NewMoney(1, "COP").IsPositive())
	assert.False(t, NewMoney(-1, "COP").IsPositive())
}

func TestVersionUpdate(t *testing.T) {
	v := NewVersion()
	assert.Equal(t, 1, v.Value)
	assert.Equal(t, 2, v.Update().Value)
	// Update returns a copy; the receiver is unchanged.
	assert.Equal(t, 1, v.Value)
}
