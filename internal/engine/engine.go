// Package engine implements the retry/fallback state machine that wraps each
// generative stage. The machine is deterministic: the same scripted sequence
// of attempt and validation outcomes always produces the same terminal state
// and the same recorded reason.
package engine

import (
	"context"
)

// State identifies a position in the stage state machine.
type State string

const (
	StateAttempting     State = "attempting"
	StateValidating     State = "validating"
	StateRetrying       State = "retrying"
	StateFallingBack    State = "falling_back"
	StateAccepted       State = "accepted"
	StateFellBack       State = "fell_back"
	StateFailedTerminal State = "failed_terminal"
	StateCancelled      State = "cancelled"
)

// Policy bounds one stage invocation.
type Policy struct {
	// MaxAttempts is the total number of generative attempts before the
	// deterministic fallback runs. Values below 1 are treated as 1.
	MaxAttempts int
	// NoRetry, when set, marks validation failure reasons that cannot
	// improve on retry; the machine goes straight to the fallback.
	NoRetry func(reason string) bool
}

// Hooks supplies the stage-specific behavior. Attempt invokes the generative
// provider for the given 1-based attempt index; provider load downgrades are
// handled inside the closure and do not consume an attempt. Validate returns
// the failure reason for a rejected candidate. Fallback runs the
// non-generative substitute; its error is terminal. Cancelled is observed
// before every attempt and before the fallback.
type Hooks[T any] struct {
	Attempt   func(ctx context.Context, attempt int) (T, error)
	Validate  func(ctx context.Context, candidate T) (reason string, ok bool)
	Fallback  func(ctx context.Context) (T, error)
	Cancelled func(ctx context.Context) bool
	Provider  func() string
}

// Outcome is the diagnostic bundle for one stage invocation.
type Outcome[T any] struct {
	State               State
	Result              T
	Attempts            int
	Provider            string
	GenerationAttempted bool
	FallbackUsed        bool
	SafetyPassed        bool
	Reason              string
	Err                 error
}

// Terminal reports whether the outcome allows the stage result to be used.
func (o Outcome[T]) OK() bool {
	return o.State == StateAccepted || o.State == StateFellBack
}

// Run drives one stage invocation through attempt/validate/fallback cycles.
func Run[T any](ctx context.Context, policy Policy, h Hooks[T]) Outcome[T] {
	out := Outcome[T]{State: StateAttempting}
	if h.Provider != nil {
		out.Provider = h.Provider()
	}

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	cancelled := func() bool {
		if h.Cancelled != nil && h.Cancelled(ctx) {
			return true
		}
		return ctx.Err() != nil
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if cancelled() {
			out.State = StateCancelled
			return out
		}

		out.State = StateAttempting
		out.Attempts = attempt
		out.GenerationAttempted = true

		candidate, err := h.Attempt(ctx, attempt)
		if h.Provider != nil {
			out.Provider = h.Provider()
		}
		if err != nil {
			out.Reason = err.Error()
			out.State = StateRetrying
			continue
		}

		out.State = StateValidating
		reason, ok := h.Validate(ctx, candidate)
		if ok {
			out.State = StateAccepted
			out.Result = candidate
			out.SafetyPassed = true
			return out
		}
		// Last reason wins for reporting.
		out.Reason = reason
		out.State = StateRetrying
		if policy.NoRetry != nil && policy.NoRetry(reason) {
			break
		}
	}

	if cancelled() {
		out.State = StateCancelled
		return out
	}

	out.State = StateFallingBack
	out.FallbackUsed = true
	result, err := h.Fallback(ctx)
	if err != nil {
		out.State = StateFailedTerminal
		out.Err = err
		return out
	}
	out.State = StateFellBack
	out.Result = result
	return out
}
