package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/converse/core"
	"github.com/hupe1980/converse/taxonomy"
)

func fastManager(optFns ...func(o *Options)) *Manager {
	base := []func(o *Options){func(o *Options) {
		o.BaseBackoff = time.Millisecond
	}}
	return NewManager(append(base, optFns...)...)
}

func okReply() *core.Message {
	msg := core.NewAssistantMessage("ok", nil)
	return &msg
}

func TestActionFor_Defaults(t *testing.T) {
	assert.Equal(t, ActionRetry, ActionFor(taxonomy.KindNetworkUnavailable))
	assert.Equal(t, ActionRetry, ActionFor(taxonomy.KindEmptyReply))
	assert.Equal(t, ActionSystemRestart, ActionFor(taxonomy.KindSessionInitFailed))
	assert.Equal(t, ActionFallbackStrategy, ActionFor(taxonomy.KindDecodingFailure))
	assert.Equal(t, ActionDegradedMode, ActionFor(taxonomy.KindContextWindowExceeded))
	assert.Equal(t, ActionUserIntervention, ActionFor(taxonomy.KindGuardrailViolation))
	// Unmapped kinds take the conservative path.
	assert.Equal(t, ActionFallbackStrategy, ActionFor(taxonomy.KindOther))
}

func TestManager_SuccessResetsRetryCount(t *testing.T) {
	m := fastManager()
	msg, err := m.Execute(context.Background(), "op", func(ctx context.Context, opts RunOptions) (*core.Message, error) {
		return okReply(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
	assert.Equal(t, 0, m.RetryCount())
}

func TestManager_RetryThenSuccess(t *testing.T) {
	m := fastManager()
	calls := 0
	msg, err := m.Execute(context.Background(), "op", func(ctx context.Context, opts RunOptions) (*core.Message, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return okReply(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, m.RetryCount())
}

func TestManager_RetryExhaustion(t *testing.T) {
	m := fastManager()
	calls := 0
	_, err := m.Execute(context.Background(), "op", func(ctx context.Context, opts RunOptions) (*core.Message, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	require.Error(t, err)
	// Original attempt plus three retries.
	assert.Equal(t, 4, calls)

	var ee *taxonomy.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, taxonomy.KindNetworkUnavailable, ee.Kind)
}

func TestManager_BackoffDoubles(t *testing.T) {
	m := NewManager(func(o *Options) { o.BaseBackoff = 10 * time.Millisecond })
	start := time.Now()
	_, err := m.Execute(context.Background(), "op", func(ctx context.Context, opts RunOptions) (*core.Message, error) {
		return nil, errors.New("connection refused")
	})
	require.Error(t, err)
	// Delays of 10ms, 20ms and 40ms precede the three retries.
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestManager_RetryStopsWhenKindChanges(t *testing.T) {
	m := fastManager()
	calls := 0
	_, err := m.Execute(context.Background(), "op", func(ctx context.Context, opts RunOptions) (*core.Message, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection refused")
		}
		return nil, taxonomy.New(taxonomy.KindGuardrailViolation, "op", "flagged")
	})
	require.Error(t, err)
	// The guardrail failure on the first retry stops the loop early.
	assert.Equal(t, 2, calls)

	var ee *taxonomy.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, taxonomy.KindGuardrailViolation, ee.Kind)
}

func TestManager_UserInterventionRaisesImmediately(t *testing.T) {
	m := fastManager()
	calls := 0
	_, err := m.Execute(context.Background(), "op", func(ctx context.Context, opts RunOptions) (*core.Message, error) {
		calls++
		return nil, taxonomy.New(taxonomy.KindGuardrailViolation, "op", "flagged")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestManager_FallbackUsesSimplifiedRequest(t *testing.T) {
	m := fastManager()
	var simplified []bool
	msg, err := m.Execute(context.Background(), "op", func(ctx context.Context, opts RunOptions) (*core.Message, error) {
		simplified = append(simplified, opts.Simplified)
		if len(simplified) == 1 {
			return nil, taxonomy.New(taxonomy.KindDecodingFailure, "op", "garbled")
		}
		return okReply(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
	assert.Equal(t, []bool{false, true}, simplified)
}

func TestManager_DegradedModeSynthesizesReply(t *testing.T) {
	m := fastManager()
	msg, err := m.Execute(context.Background(), "op", func(ctx context.Context, opts RunOptions) (*core.Message, error) {
		return nil, taxonomy.New(taxonomy.KindContextWindowExceeded, "op", "too long")
	})
	require.NoError(t, err)
	require.NotNil(t, msg.Metadata)
	assert.InDelta(t, 0.1, msg.Metadata.Confidence, 0.001)
	assert.False(t, msg.IsUser)
}

func TestManager_RestartThenRetry(t *testing.T) {
	restarts := 0
	m := fastManager(func(o *Options) {
		o.Restart = func(ctx context.Context) error { restarts++; return nil }
	})
	calls := 0
	msg, err := m.Execute(context.Background(), "op", func(ctx context.Context, opts RunOptions) (*core.Message, error) {
		calls++
		if calls == 1 {
			return nil, taxonomy.New(taxonomy.KindAssetsUnavailable, "op", "weights missing")
		}
		return okReply(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
	assert.Equal(t, 1, restarts)
	assert.Equal(t, 2, calls)
	assert.False(t, m.Terminal())
}

func TestManager_RestartRetriedBeforeEscalating(t *testing.T) {
	restarts := 0
	m := fastManager(func(o *Options) {
		o.Restart = func(ctx context.Context) error {
			restarts++
			if restarts == 1 {
				return errors.New("no weights")
			}
			return nil
		}
	})
	calls := 0
	msg, err := m.Execute(context.Background(), "op", func(ctx context.Context, opts RunOptions) (*core.Message, error) {
		calls++
		if calls == 1 {
			return nil, taxonomy.New(taxonomy.KindSessionInitFailed, "op", "init failed")
		}
		return okReply(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
	assert.Equal(t, 2, restarts)
	assert.False(t, m.Terminal())
}

func TestManager_RestartFailureIsTerminalUntilReset(t *testing.T) {
	m := fastManager(func(o *Options) {
		o.Restart = func(ctx context.Context) error { return errors.New("no weights") }
	})
	op := func(ctx context.Context, opts RunOptions) (*core.Message, error) {
		return nil, taxonomy.New(taxonomy.KindSessionInitFailed, "op", "init failed")
	}

	_, err := m.Execute(context.Background(), "op", op)
	require.Error(t, err)
	assert.True(t, m.Terminal())

	// Terminal short-circuits without invoking the operation.
	_, err = m.Execute(context.Background(), "op", func(ctx context.Context, opts RunOptions) (*core.Message, error) {
		t.Fatal("operation must not run while terminal")
		return nil, nil
	})
	require.Error(t, err)

	m.Reset()
	assert.False(t, m.Terminal())
	assert.Equal(t, 0, m.RetryCount())
}

func TestManager_CancellationAbortsBackoff(t *testing.T) {
	m := NewManager(func(o *Options) { o.BaseBackoff = 10 * time.Second })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := m.Execute(ctx, "op", func(ctx context.Context, opts RunOptions) (*core.Message, error) {
			return nil, errors.New("connection refused")
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("backoff did not honor cancellation")
	}
}

func TestManager_ProgressCallback(t *testing.T) {
	var attempts []int
	m := fastManager(func(o *Options) {
		o.OnProgress = func(attempt, max int) { attempts = append(attempts, attempt) }
	})
	_, err := m.Execute(context.Background(), "op", func(ctx context.Context, opts RunOptions) (*core.Message, error) {
		return nil, errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}
