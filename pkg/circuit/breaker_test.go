package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Minute})

	for i := 0; i < 2; i++ {
		require.Error(t, b.Execute(func() error { return errBoom }))
		assert.Equal(t, StateClosed, b.State())
	}
	require.Error(t, b.Execute(func() error { return errBoom }))
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 2, Timeout: time.Minute})

	require.Error(t, b.Execute(func() error { return errBoom }))
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Zero(t, b.Failures())

	require.Error(t, b.Execute(func() error { return errBoom }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})

	require.Error(t, b.Execute(func() error { return errBoom }))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	t.Run("a success in half-open closes the circuit", func(t *testing.T) {
		require.NoError(t, b.Execute(func() error { return nil }))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("a failure in half-open reopens it", func(t *testing.T) {
		require.Error(t, b.Execute(func() error { return errBoom }))
		require.Equal(t, StateOpen, b.State())

		time.Sleep(20 * time.Millisecond)
		require.Error(t, b.Execute(func() error { return errBoom }))
		assert.Equal(t, StateOpen, b.State())
	})
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(Config{
		Name:        "acc-1",
		MaxFailures: 1,
		Timeout:     time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	require.Error(t, b.Execute(func() error { return errBoom }))
	assert.Equal(t, []string{"acc-1:closed->open"}, transitions)

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Len(t, transitions, 2)
}

func TestBreakerGroup(t *testing.T) {
	g := NewBreakerGroup(Config{MaxFailures: 1, Timeout: time.Minute})

	a := g.Get("acc-a")
	assert.Same(t, a, g.Get("acc-a"))

	require.Error(t, a.Execute(func() error { return errBoom }))
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateClosed, g.Get("acc-b").State())
}
