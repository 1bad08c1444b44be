package invobot

import "errors"

// Turn-level failure taxonomy. Store and model failures abort the turn and
// propagate to the caller; tool failures never do, becoming tool_result
// text the model can react to.
var (
	// ErrStoreUnavailable wraps transcript store failures. The turn aborts
	// with no partial persistence; the next message starts from the last
	// committed state.
	ErrStoreUnavailable = errors.New("invobot: transcript store unavailable")

	// ErrModelUnavailable wraps model gateway failures and timeouts. The
	// turn aborts before any assistant entry is appended.
	ErrModelUnavailable = errors.New("invobot: model unavailable")

	// ErrLoopBudgetExceeded is returned when the model keeps requesting
	// tools past the configured round limit.
	ErrLoopBudgetExceeded = errors.New("invobot: tool-call loop budget exceeded")
)
