package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Executor turns coordinator run requests into agent invocations. The
// agent's structured result is flattened to JSON for the run ledger.
type Executor struct {
	invoker Invoker
}

// NewExecutor wraps an invoker for the run coordinator.
func NewExecutor(invoker Invoker) *Executor {
	return &Executor{invoker: invoker}
}

// Execute runs the agent once for the given trigger.
func (e *Executor) Execute(ctx context.Context, reason, topic string) (string, error) {
	prompt := fmt.Sprintf("Run triggered by: %s.", reason)
	if topic != "" {
		prompt += " Topic: " + topic + "."
	}

	result, err := e.invoker.Invoke(ctx, prompt)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(encoded), nil
}
