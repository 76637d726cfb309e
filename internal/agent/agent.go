package agent

import (
	"context"
	"time"
)

// Result is what a run produced: the agent's reply and the actions it
// reports having taken along the way.
type Result struct {
	Output       string   `json:"output"`
	ActionsTaken []string `json:"actions_taken,omitempty"`
}

// Invoker drives one agent run to completion.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (*Result, error)
}

// Config holds settings for an agent endpoint.
type Config struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}
