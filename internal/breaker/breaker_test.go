package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func fail() (any, error)    { return nil, errBackend }
func succeed() (any, error) { return "ok", nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("exec-test-1", Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := b.Call(fail)
		assert.ErrorIs(t, err, errBackend)
	}

	assert.Equal(t, "open", b.State())

	// Calls now short-circuit without invoking fn.
	invoked := false
	_, err := b.Call(func() (any, error) {
		invoked = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b := New("exec-test-2", Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	// threshold-1 failures, then a success, then threshold-1 more failures:
	// the breaker must stay closed throughout.
	_, _ = b.Call(fail)
	_, _ = b.Call(fail)
	_, err := b.Call(succeed)
	require.NoError(t, err)
	_, _ = b.Call(fail)
	_, _ = b.Call(fail)

	assert.Equal(t, "closed", b.State())

	// One more failure completes a fresh consecutive run of three.
	_, _ = b.Call(fail)
	assert.Equal(t, "open", b.State())
}

func TestBreakerRecoveryLifecycle(t *testing.T) {
	b := New("exec-test-3", Settings{FailureThreshold: 2, RecoveryTimeout: 50 * time.Millisecond})

	_, _ = b.Call(fail)
	_, _ = b.Call(fail)
	require.Equal(t, "open", b.State())

	time.Sleep(70 * time.Millisecond)

	// First call after the recovery timeout is the HALF_OPEN probe.
	result, err := b.Call(succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := New("exec-test-4", Settings{FailureThreshold: 2, RecoveryTimeout: 50 * time.Millisecond})

	_, _ = b.Call(fail)
	_, _ = b.Call(fail)
	time.Sleep(70 * time.Millisecond)

	_, err := b.Call(fail)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, "open", b.State())
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	b := New("exec-test-5", Settings{FailureThreshold: 1, RecoveryTimeout: 30 * time.Millisecond})

	_, _ = b.Call(fail)
	require.Equal(t, "open", b.State())
	time.Sleep(50 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var admitted, rejected atomic.Int32

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := b.Call(func() (any, error) {
			close(started)
			<-release
			return nil, nil
		})
		if err == nil {
			admitted.Add(1)
		}
	}()

	<-started
	// While the probe is in flight, every other caller is rejected.
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Call(succeed)
			if errors.Is(err, ErrCircuitOpen) {
				rejected.Add(1)
			} else if err == nil {
				admitted.Add(1)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(5), rejected.Load())
}

func TestRegistryIndependentInstances(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute})

	a := r.Get("broker-a")
	c := r.Get("broker-b")
	assert.NotSame(t, a, c)
	assert.Same(t, a, r.Get("broker-a"))

	_, _ = a.Call(fail)
	assert.Equal(t, "open", a.State())
	assert.Equal(t, "closed", c.State())
}
