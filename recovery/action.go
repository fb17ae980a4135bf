// Package recovery classifies raised errors into the engine taxonomy and
// executes the mapped recovery policy: transparent retries with exponential
// backoff, a simplified fallback request, degraded canned replies, immediate
// user intervention, or a model session restart. Every path funnels through
// the same attempt tracking so callers can display recovery progress without
// knowing policy details.
package recovery

import "github.com/hupe1980/converse/taxonomy"

// Action is the policy decision output for a classified failure. It is
// never stored.
type Action int

const (
	// ActionRetry re-invokes the operation with exponential backoff.
	ActionRetry Action = iota
	// ActionFallbackStrategy retries once with a simplified request.
	ActionFallbackStrategy
	// ActionDegradedMode synthesizes a safe canned reply without calling the model.
	ActionDegradedMode
	// ActionUserIntervention raises immediately with a recovery suggestion.
	ActionUserIntervention
	// ActionSystemRestart recreates the model session and retries once.
	ActionSystemRestart
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFallbackStrategy:
		return "fallback_strategy"
	case ActionDegradedMode:
		return "degraded_mode"
	case ActionUserIntervention:
		return "user_intervention"
	case ActionSystemRestart:
		return "system_restart"
	default:
		return "unknown"
	}
}

// defaultActions maps each failure kind to its default recovery action.
var defaultActions = map[taxonomy.Kind]Action{
	taxonomy.KindNetworkUnavailable:     ActionRetry,
	taxonomy.KindRateLimited:            ActionRetry,
	taxonomy.KindVoiceRecognitionFailed: ActionRetry,
	taxonomy.KindSaveFailed:             ActionRetry,
	taxonomy.KindLoadFailed:             ActionRetry,
	taxonomy.KindEmptyReply:             ActionRetry,
	taxonomy.KindSessionInitFailed:      ActionSystemRestart,
	taxonomy.KindAssetsUnavailable:      ActionSystemRestart,
	taxonomy.KindModelUnavailable:       ActionFallbackStrategy,
	taxonomy.KindDecodingFailure:        ActionFallbackStrategy,
	taxonomy.KindContextWindowExceeded:  ActionDegradedMode,
	taxonomy.KindUnsupportedGuide:       ActionDegradedMode,
	taxonomy.KindUnsupportedLocale:      ActionDegradedMode,
	taxonomy.KindGuardrailViolation:     ActionUserIntervention,
	taxonomy.KindPermissionDenied:       ActionUserIntervention,
	taxonomy.KindSessionNotFound:        ActionUserIntervention,
}

// ActionFor returns the default recovery action for a failure kind.
// Unmapped kinds fall back to the conservative FallbackStrategy.
func ActionFor(kind taxonomy.Kind) Action {
	if a, ok := defaultActions[kind]; ok {
		return a
	}
	return ActionFallbackStrategy
}
