package engine

import "time"

const (
	DefaultStepTimeout = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultBackoffBase = time.Second
)

// Config controls step execution policy.
type Config struct {
	// StepTimeout bounds how long the engine waits for one step attempt.
	StepTimeout time.Duration

	// MaxRetries is the retry budget. With PerStepRetries false it is
	// shared across all steps of one execution: transient failures early
	// in a workflow consume budget that later steps would otherwise use.
	MaxRetries int

	// BackoffBase scales the linear retry delay (base × retry count).
	BackoffBase time.Duration

	// PerStepRetries scopes the retry budget per step index instead of
	// per execution.
	PerStepRetries bool
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}

	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}

	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}

	return c
}
