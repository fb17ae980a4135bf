// Package taxonomy defines the closed set of failure kinds recognized by the
// conversation engine, the typed error carrying them, and the classifier
// that maps arbitrary raised errors into the set. The recovery layer decides
// policy from the classified kind; this package only names and describes
// failures.
package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind tags a failure with its classification.
type Kind string

const (
	// KindContextWindowExceeded indicates the prompt exceeded the model's window.
	KindContextWindowExceeded Kind = "context_window_exceeded"
	// KindAssetsUnavailable indicates model assets/weights are not available.
	KindAssetsUnavailable Kind = "assets_unavailable"
	// KindGuardrailViolation indicates content was judged unsafe.
	KindGuardrailViolation Kind = "guardrail_violation"
	// KindUnsupportedGuide indicates the requested structured schema is unsupported.
	KindUnsupportedGuide Kind = "unsupported_guide"
	// KindUnsupportedLocale indicates the requested language is unsupported.
	KindUnsupportedLocale Kind = "unsupported_locale"
	// KindDecodingFailure indicates a structured reply could not be decoded.
	KindDecodingFailure Kind = "decoding_failure"
	// KindRateLimited indicates the model provider throttled the request.
	KindRateLimited Kind = "rate_limited"
	// KindNetworkUnavailable indicates a transport-level failure.
	KindNetworkUnavailable Kind = "network_unavailable"
	// KindPermissionDenied indicates missing authorization for the operation.
	KindPermissionDenied Kind = "permission_denied"
	// KindSessionInitFailed indicates the model session could not be created.
	KindSessionInitFailed Kind = "session_init_failed"
	// KindModelUnavailable indicates the model rejected or cannot serve requests.
	KindModelUnavailable Kind = "model_unavailable"
	// KindVoiceRecognitionFailed indicates a voice transcription failure.
	KindVoiceRecognitionFailed Kind = "voice_recognition_failed"
	// KindSaveFailed indicates a persistence write failure.
	KindSaveFailed Kind = "save_failed"
	// KindLoadFailed indicates a persistence read failure.
	KindLoadFailed Kind = "load_failed"
	// KindSessionNotFound indicates a lookup for a missing session.
	KindSessionNotFound Kind = "session_not_found"
	// KindEmptyReply indicates a completed generation with no content; it is
	// treated as transient and retried rather than surfaced as a valid empty
	// message.
	KindEmptyReply Kind = "empty_reply"
	// KindOther is the conservative catch-all.
	KindOther Kind = "other"
)

// suggestions maps kinds to the user-facing recovery hint surfaced by the
// coordinator when no transparent recovery is possible.
var suggestions = map[Kind]string{
	KindContextWindowExceeded:  "The conversation is too long for the model. Start a new session or shorten your message.",
	KindAssetsUnavailable:      "Model assets are unavailable. Restarting the session may help.",
	KindGuardrailViolation:     "The request or reply was flagged by safety guardrails. Please rephrase your message.",
	KindUnsupportedGuide:       "The requested response format is not supported by this model.",
	KindUnsupportedLocale:      "The requested language is not supported by this model.",
	KindDecodingFailure:        "The model produced an unreadable reply. Trying a simpler request may help.",
	KindRateLimited:            "Too many requests right now. Please wait a moment and try again.",
	KindNetworkUnavailable:     "Network connection lost. Check your connection and try again.",
	KindPermissionDenied:       "Permission to use the model was denied. Check your credentials.",
	KindSessionInitFailed:      "The model session could not be started. Try again shortly.",
	KindModelUnavailable:       "The model is currently unavailable. Trying a simplified request.",
	KindVoiceRecognitionFailed: "Voice input could not be transcribed. Please try speaking again.",
	KindSaveFailed:             "Saving the conversation failed. It will be retried.",
	KindLoadFailed:             "Loading the conversation failed. It will be retried.",
	KindSessionNotFound:        "That conversation no longer exists.",
	KindEmptyReply:             "The model returned an empty reply. Please try again.",
	KindOther:                  "Something went wrong. Please try again.",
}

// Suggestion returns the user-facing recovery hint for a kind.
func (k Kind) Suggestion() string {
	if s, ok := suggestions[k]; ok {
		return s
	}
	return suggestions[KindOther]
}

// UserFacing reports whether the kind's message may be surfaced verbatim to
// the caller. All other kinds are logged and converted to a generic message.
func (k Kind) UserFacing() bool {
	switch k {
	case KindGuardrailViolation, KindContextWindowExceeded, KindRateLimited:
		return true
	default:
		return false
	}
}

// EngineError is the tagged error union flowing through the recovery
// pipeline. It wraps the underlying cause and carries the operation name for
// log correlation.
type EngineError struct {
	Kind       Kind   `json:"kind"`
	Op         string `json:"op"`      // operation that raised the error
	Message    string `json:"message"` // human-readable description
	Suggestion string `json:"suggestion,omitempty"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *EngineError) Unwrap() error { return e.Err }

// New creates an EngineError of the given kind with the default suggestion.
func New(kind Kind, op, message string) *EngineError {
	return &EngineError{Kind: kind, Op: op, Message: message, Suggestion: kind.Suggestion()}
}

// Wrap classifies err (unless already typed) and wraps it with operation
// context. A nil err yields nil. Stamping Op on an already typed error
// copies it so callers holding the original never observe the change.
func Wrap(err error, op string) *EngineError {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Op == "" && op != "" {
			stamped := *ee
			stamped.Op = op
			return &stamped
		}
		return ee
	}
	kind := Classify(err)
	return &EngineError{Kind: kind, Op: op, Message: err.Error(), Suggestion: kind.Suggestion(), Err: err}
}

// ErrorContext travels with an error through the recovery pipeline. It is
// never persisted.
type ErrorContext struct {
	Kind       Kind
	Op         string
	RetryCount int
	Timestamp  time.Time
}

// Classify maps an arbitrary error into the taxonomy. Typed errors are
// inspected structurally first; untyped errors fall back to substring
// heuristics on the description.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetworkUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "context window", "context length", "maximum context", "too many tokens", "prompt is too long"):
		return KindContextWindowExceeded
	case containsAny(msg, "rate limit", "429", "too many requests", "quota"):
		return KindRateLimited
	case containsAny(msg, "guardrail", "content policy", "content filter", "unsafe content", "safety"):
		return KindGuardrailViolation
	case containsAny(msg, "permission", "unauthorized", "forbidden", "401", "403", "api key"):
		return KindPermissionDenied
	case containsAny(msg, "network", "connection refused", "connection reset", "no such host", "timeout", "timed out", "unreachable", "broken pipe"):
		return KindNetworkUnavailable
	case containsAny(msg, "empty reply", "empty response content"):
		return KindEmptyReply
	case containsAny(msg, "decode", "decoding", "unmarshal", "invalid json", "unexpected end of json", "schema mismatch"):
		return KindDecodingFailure
	case containsAny(msg, "assets", "model not found", "model file", "not downloaded"):
		return KindAssetsUnavailable
	case containsAny(msg, "unsupported guide", "unsupported schema", "response format"):
		return KindUnsupportedGuide
	case containsAny(msg, "unsupported locale", "unsupported language"):
		return KindUnsupportedLocale
	case containsAny(msg, "session init", "failed to create session", "session could not"):
		return KindSessionInitFailed
	case containsAny(msg, "overloaded", "unavailable", "503", "502"):
		return KindModelUnavailable
	case containsAny(msg, "transcription", "speech recognition", "voice recognition"):
		return KindVoiceRecognitionFailed
	default:
		return KindOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
