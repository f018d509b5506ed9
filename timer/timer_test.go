package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimer(t *testing.T) {
	tm := NewTimer(10 * time.Millisecond)
	require.True(t, tm.IsStopped())
	require.False(t, tm.IsTimedOut())

	tm.Start()
	require.False(t, tm.IsTimedOut())
	time.Sleep(20 * time.Millisecond)
	require.True(t, tm.IsTimedOut())
	require.Zero(t, tm.Remaining())

	tm.Stop()
	require.False(t, tm.IsTimedOut())

	tm.Start(0)
	require.True(t, tm.IsTimedOut())
}

func TestTicks(t *testing.T) {
	tests := []struct {
		d, period time.Duration
		want      uint32
	}{
		{0, 10 * time.Millisecond, 0},
		{time.Millisecond, 10 * time.Millisecond, 1},
		{50 * time.Millisecond, 10 * time.Millisecond, 5},
		{55 * time.Millisecond, 10 * time.Millisecond, 6},
		{5 * time.Second, 0, 1},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, Ticks(tc.d, tc.period), "Ticks(%v, %v)", tc.d, tc.period)
	}
}

func TestBank(t *testing.T) {
	b := NewBank(3)
	b.Start(0, 1)
	b.Start(2, 3)
	b.Start(7, 1) // out of range, ignored

	exp := b.Tick()
	require.True(t, exp.Has(0))
	require.False(t, exp.Has(2))
	require.False(t, b.Running(0))
	require.Equal(t, uint32(2), b.Remaining(2))

	b.Start(2, 3) // reload
	require.True(t, b.Tick().Empty())
	require.True(t, b.Tick().Empty())
	exp = b.Tick()
	require.Equal(t, 1, exp.Count())
	require.True(t, exp.Has(2))

	// stopped timers never expire
	b.Start(1, 2)
	b.Stop(1)
	require.True(t, b.Tick().Empty())
	require.True(t, b.Tick().Empty())
}

func TestMaskForEach(t *testing.T) {
	var m Mask
	m.Set(5)
	m.Set(0)
	m.Set(63)
	var got []int
	m.ForEach(func(i int) { got = append(got, i) })
	require.Equal(t, []int{0, 5, 63}, got)
	m.Clear(5)
	require.False(t, m.Has(5))
	require.Equal(t, 2, m.Count())
}
