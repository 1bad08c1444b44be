package invobot

import "time"

// TimeoutConfig bounds each class of external call made during a turn.
type TimeoutConfig struct {
	ModelCall     time.Duration // Per model gateway call (0 = no timeout)
	ToolExecution time.Duration // Per tool execution (0 = no timeout)
	StoreOp       time.Duration // Per store load/save/delete (0 = no timeout)
}

// DefaultTimeoutConfig returns sensible timeout defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ModelCall:     30 * time.Second,
		ToolExecution: 10 * time.Second,
		StoreOp:       5 * time.Second,
	}
}

// NoTimeouts returns a config with all timeouts disabled.
func NoTimeouts() TimeoutConfig {
	return TimeoutConfig{}
}
