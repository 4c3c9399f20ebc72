package telemetry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitState_RunsOnce(t *testing.T) {
	s := newInitState()
	var calls atomic.Int32

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.run(func() error {
				calls.Add(1)
				return nil
			}))
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	require.True(t, s.ready())
}

func TestInitState_FailureAllowsRetry(t *testing.T) {
	s := newInitState()

	err := s.run(func() error { return errors.New("exporter unavailable") })
	require.Error(t, err)
	require.False(t, s.ready())

	ran := false
	require.NoError(t, s.run(func() error {
		ran = true
		return nil
	}))
	require.True(t, ran)
	require.True(t, s.ready())
}

func TestInitState_ResetAllowsReinit(t *testing.T) {
	s := newInitState()
	require.NoError(t, s.run(func() error { return nil }))

	s.reset()
	require.False(t, s.ready())

	ran := false
	require.NoError(t, s.run(func() error {
		ran = true
		return nil
	}))
	require.True(t, ran)
}

func TestInitMetrics_Idempotent(t *testing.T) {
	ctx := t.Context()

	shutdown, err := InitMetrics(ctx, MetricsConfig{})
	require.NoError(t, err)
	first := globalMetrics
	require.NotNil(t, first)

	_, err = InitMetrics(ctx, MetricsConfig{})
	require.NoError(t, err)
	require.Same(t, first, globalMetrics)

	require.NoError(t, shutdown(ctx))
	require.Nil(t, globalMetrics)
	require.False(t, metricsInit.ready())
}
