package circuit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefchain/engine/pkg/circuit"
)

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("should stay closed while calls succeed", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 3, Timeout: time.Minute, HalfOpenMax: 1})
		for i := 0; i < 10; i++ {
			require.NoError(t, b.Execute(ctx, succeed))
		}
		assert.Equal(t, circuit.StateClosed, b.State())
	})

	t.Run("should open after consecutive failures", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 3, Timeout: time.Minute, HalfOpenMax: 1})
		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
		}
		assert.Equal(t, circuit.StateOpen, b.State())
		assert.ErrorIs(t, b.Execute(ctx, succeed), circuit.ErrCircuitOpen)
	})

	t.Run("should reset the failure count on success", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 3, Timeout: time.Minute, HalfOpenMax: 1})
		b.Execute(ctx, fail)
		b.Execute(ctx, fail)
		require.NoError(t, b.Execute(ctx, succeed))
		assert.Zero(t, b.Failures())
		assert.Equal(t, circuit.StateClosed, b.State())
	})

	t.Run("should probe after the timeout and close on success", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})
		b.Execute(ctx, fail)
		require.Equal(t, circuit.StateOpen, b.State())

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, b.Execute(ctx, succeed))
		assert.Equal(t, circuit.StateClosed, b.State())
	})

	t.Run("should reopen when the probe fails", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})
		b.Execute(ctx, fail)

		time.Sleep(20 * time.Millisecond)
		assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
		assert.Equal(t, circuit.StateOpen, b.State())
		assert.ErrorIs(t, b.Execute(ctx, succeed), circuit.ErrCircuitOpen)
	})

	t.Run("should limit concurrent half-open probes", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 2})
		b.Execute(ctx, fail)
		time.Sleep(20 * time.Millisecond)

		release := make(chan struct{})
		started := make(chan struct{}, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.Execute(ctx, func() error {
					started <- struct{}{}
					<-release
					return nil
				})
			}()
		}
		<-started
		<-started

		assert.ErrorIs(t, b.Execute(ctx, succeed), circuit.ErrTooManyRequests)
		close(release)
		wg.Wait()
		assert.Equal(t, circuit.StateClosed, b.State())
	})

	t.Run("should support forced transitions", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 3, Timeout: time.Minute, HalfOpenMax: 1})

		b.ForceOpen()
		assert.ErrorIs(t, b.Execute(ctx, succeed), circuit.ErrCircuitOpen)

		b.Reset()
		assert.NoError(t, b.Execute(ctx, succeed))
	})

	t.Run("should notify on state changes", func(t *testing.T) {
		var mu sync.Mutex
		var transitions []string
		b := circuit.NewBreaker(circuit.Config{
			MaxFailures: 1,
			Timeout:     time.Minute,
			HalfOpenMax: 1,
			OnStateChange: func(from, to circuit.State) {
				mu.Lock()
				transitions = append(transitions, from.String()+"->"+to.String())
				mu.Unlock()
			},
		})

		b.Execute(ctx, fail)
		b.Reset()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
	})
}

func TestBreakerGroup(t *testing.T) {
	ctx := context.Background()

	t.Run("should isolate failures per dependency", func(t *testing.T) {
		g := circuit.NewBreakerGroup(circuit.Config{MaxFailures: 1, Timeout: time.Minute, HalfOpenMax: 1})

		g.Execute(ctx, "ledger", fail)
		assert.ErrorIs(t, g.Execute(ctx, "ledger", succeed), circuit.ErrCircuitOpen)
		assert.NoError(t, g.Execute(ctx, "storage", succeed))

		states := g.States()
		assert.Equal(t, circuit.StateOpen, states["ledger"])
		assert.Equal(t, circuit.StateClosed, states["storage"])
	})

	t.Run("should return the same breaker for the same name", func(t *testing.T) {
		g := circuit.NewBreakerGroup(circuit.Config{MaxFailures: 1, Timeout: time.Minute, HalfOpenMax: 1})
		assert.Same(t, g.Get("ledger"), g.Get("ledger"))
	})

	t.Run("should be safe under concurrent access", func(t *testing.T) {
		g := circuit.NewBreakerGroup(circuit.Config{MaxFailures: 100, Timeout: time.Minute, HalfOpenMax: 1})

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					g.Execute(ctx, "shared", succeed)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, circuit.StateClosed, g.Get("shared").State())
	})
}
