package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_TypedErrorsFirst(t *testing.T) {
	inner := New(KindGuardrailViolation, "test", "flagged")
	wrapped := fmt.Errorf("outer: %w", inner)
	assert.Equal(t, KindGuardrailViolation, Classify(wrapped))

	assert.Equal(t, KindNetworkUnavailable, Classify(context.DeadlineExceeded))
}

func TestClassify_SubstringHeuristics(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"prompt is too long: maximum context exceeded", KindContextWindowExceeded},
		{"429 Too Many Requests", KindRateLimited},
		{"request blocked by content policy", KindGuardrailViolation},
		{"401 unauthorized: invalid api key", KindPermissionDenied},
		{"dial tcp: connection refused", KindNetworkUnavailable},
		{"model returned empty reply", KindEmptyReply},
		{"unexpected end of JSON input", KindDecodingFailure},
		{"model not found on disk", KindAssetsUnavailable},
		{"unsupported schema for response format", KindUnsupportedGuide},
		{"unsupported locale: xx-XX", KindUnsupportedLocale},
		{"failed to create session", KindSessionInitFailed},
		{"503 service unavailable", KindModelUnavailable},
		{"speech recognition error", KindVoiceRecognitionFailed},
		{"something inexplicable", KindOther},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(errors.New(tc.msg)), "msg %q", tc.msg)
	}
}

func TestClassify_Nil(t *testing.T) {
	assert.Equal(t, KindOther, Classify(nil))
}

func TestWrap_PassthroughAndClassification(t *testing.T) {
	assert.Nil(t, Wrap(nil, "op"))

	typed := New(KindRateLimited, "", "throttled")
	ee := Wrap(typed, "strategy.generate")
	assert.Equal(t, "strategy.generate", ee.Op)
	assert.Equal(t, KindRateLimited, ee.Kind)
	// The original is never mutated; an already stamped error passes through.
	assert.NotSame(t, typed, ee)
	assert.Empty(t, typed.Op)
	assert.Same(t, ee, Wrap(ee, "other.op"))
	assert.Equal(t, "strategy.generate", ee.Op)

	raw := errors.New("connection reset by peer")
	ee = Wrap(raw, "model.call")
	assert.Equal(t, KindNetworkUnavailable, ee.Kind)
	assert.Equal(t, "model.call", ee.Op)
	assert.ErrorIs(t, ee, raw)
	assert.Equal(t, KindNetworkUnavailable.Suggestion(), ee.Suggestion)
}

func TestKind_Suggestion(t *testing.T) {
	assert.NotEmpty(t, KindGuardrailViolation.Suggestion())
	// Unknown kinds fall back to the catch-all hint.
	assert.Equal(t, KindOther.Suggestion(), Kind("made_up").Suggestion())
}

func TestKind_UserFacing(t *testing.T) {
	assert.True(t, KindGuardrailViolation.UserFacing())
	assert.True(t, KindContextWindowExceeded.UserFacing())
	assert.True(t, KindRateLimited.UserFacing())
	assert.False(t, KindNetworkUnavailable.UserFacing())
	assert.False(t, KindOther.UserFacing())
}

func TestEngineError_Error(t *testing.T) {
	ee := New(KindSaveFailed, "store.save", "disk full")
	assert.Contains(t, ee.Error(), "store.save")
	assert.Contains(t, ee.Error(), "save_failed")
	assert.Contains(t, ee.Error(), "disk full")
}
