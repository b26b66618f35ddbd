package intent

import "errors"

// Errors returned by Compile, per spec.md 4.5's failure taxonomy. AI
// failures are wrapped with ErrAIUnavailable or ErrMalformedResponse; a
// gateway CostCeilingError alone is returned as it is.
var (
	// ErrEmptyMessage is returned when the raw intent message is blank.
	ErrEmptyMessage = errors.New("intent: message is empty")

	// ErrClarificationNeeded indicates the parse step returned non-empty
	// `unclear` questions; compilation halts until a human answers them.
	ErrClarificationNeeded = errors.New("intent: clarification needed")

	// ErrNoTestableConditions is returned when the spec step yields no
	// assertions.
	ErrNoTestableConditions = errors.New("intent: no testable conditions")

	// ErrContradictoryConstraints is returned when may_touch and
	// must_not_touch share an entry. Conflicts between must and must-not
	// entries are not checked.
	ErrContradictoryConstraints = errors.New("intent: contradictory constraints")

	// ErrCodebaseUnreadable is returned when the project file tree can't
	// be enumerated.
	ErrCodebaseUnreadable = errors.New("intent: codebase unreadable")

	// ErrMalformedResponse is returned when an AI response can't be
	// parsed into the structured shape a compile step expects.
	ErrMalformedResponse = errors.New("intent: malformed AI response")

	// ErrAIUnavailable wraps a Gateway failure that exhausted its own
	// retry budget (everything except a cost-ceiling refusal, which
	// gateway.IsCostCeiling distinguishes on its own).
	ErrAIUnavailable = errors.New("intent: AI unavailable")
)
