package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObligation_FromNoneOnlyAddPending(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	for _, to := range []ObligationStatus{
		ObligationActive, ObligationCancelPending, ObligationPartiallyExecuted, ObligationNone,
	} {
		ob := NewObligation(SideBuy, 0, d("0.001"), d("1000"))
		err := ob.Transition(to, now)
		assert.ErrorIs(t, err, ErrIllegalTransition, "None -> %s", to)
		assert.Equal(t, ObligationNone, ob.Status)
	}

	ob := NewObligation(SideBuy, 0, d("0.001"), d("1000"))
	require.NoError(t, ob.InitialSet("o-1", d("99.9"), now))
	assert.Equal(t, ObligationAddPending, ob.Status)
	assert.Equal(t, "o-1", ob.OrderID)
}

func TestObligation_CanCancelAfterPendingTimeout(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	timeout := 5 * time.Second
	ob := NewObligation(SideSell, 1, d("0.002"), d("500"))
	require.NoError(t, ob.InitialSet("o-1", d("100.2"), now))

	assert.False(t, ob.CanAddNew())
	assert.False(t, ob.CanCancel(now, timeout))
	assert.False(t, ob.CanCancel(now.Add(timeout), timeout))
	assert.True(t, ob.CanCancel(now.Add(timeout+time.Millisecond), timeout))
}

func TestObligation_Lifecycle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ob := NewObligation(SideBuy, 0, d("0.001"), d("1000"))
	require.NoError(t, ob.InitialSet("o-1", d("99.9"), now))
	require.NoError(t, ob.Transition(ObligationActive, now))
	assert.True(t, ob.CanCancel(now, time.Second))

	require.NoError(t, ob.Transition(ObligationPartiallyExecuted, now))
	require.NoError(t, ob.Transition(ObligationPartiallyExecuted, now))
	// 不允许倒退
	assert.ErrorIs(t, ob.Transition(ObligationActive, now), ErrIllegalTransition)

	require.NoError(t, ob.Transition(ObligationCancelPending, now))
	assert.ErrorIs(t, ob.Transition(ObligationPartiallyExecuted, now), ErrIllegalTransition)
	assert.False(t, ob.CanCancel(now, time.Second))
	assert.True(t, ob.CanCancel(now.Add(2*time.Second), time.Second))

	require.NoError(t, ob.Transition(ObligationNone, now))
	assert.Empty(t, ob.OrderID)
	assert.False(t, ob.Matches("o-1"))
	assert.True(t, ob.CanAddNew())
}

func TestObligationBook_IgnoresStaleOrders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	book := NewObligationBook()
	ob := book.Ensure(SideBuy, 0, d("0.001"), d("1000"))
	require.Same(t, ob, book.Ensure(SideBuy, 0, d("0.001"), d("1000")))

	require.NoError(t, ob.InitialSet("o-1", d("99.9"), now))
	book.Bind(ob)
	assert.Same(t, ob, book.ForOrder("o-1"))

	require.NoError(t, book.Release(ob, now))
	assert.Nil(t, book.ForOrder("o-1"))

	require.NoError(t, ob.InitialSet("o-2", d("99.8"), now))
	book.Bind(ob)
	assert.Nil(t, book.ForOrder("o-1"))
	assert.Same(t, ob, book.ForOrder("o-2"))
	assert.Len(t, book.All(), 1)
}
