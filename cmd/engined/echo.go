package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"forge-ai/internal/domain"
)

// echoInvoker is the demo model client: it returns the prompt as the
// completion, streamed word by word.
type echoInvoker struct{}

func (echoInvoker) Invoke(ctx context.Context, model, prompt string, _ float64, _ int) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return fmt.Sprintf("[%s] %s", model, prompt), nil
}

func (echoInvoker) InvokeStream(ctx context.Context, model, prompt string, temperature float64, maxTokens int) (<-chan string, error) {
	out := make(chan string, 4)
	go func() {
		defer close(out)
		text, err := echoInvoker{}.Invoke(ctx, model, prompt, temperature, maxTokens)
		if err != nil {
			return
		}
		for i := 0; i < len(text); i += 8 {
			end := i + 8
			if end > len(text) {
				end = len(text)
			}
			select {
			case <-ctx.Done():
				return
			case out <- text[i:end]:
			}
		}
	}()
	return out, nil
}

// echoAgent passes the request input through as the prompt and wraps the
// model output in a JSON envelope.
type echoAgent struct{}

func newEchoAgent(domain.AgentConfig) (domain.Agent, error) {
	return echoAgent{}, nil
}

func (echoAgent) Process(_ context.Context, req domain.AgentRequest) (string, error) {
	var s string
	if err := json.Unmarshal(req.Input, &s); err == nil {
		return s, nil
	}
	return string(req.Input), nil
}

func (echoAgent) ProcessOutput(_ context.Context, raw string, _ domain.AgentRequest) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"echo": raw})
}

func (echoAgent) EmergencyFallback(_ context.Context, _ domain.AgentRequest) (json.RawMessage, error) {
	return json.RawMessage(`{"echo":"service degraded, please retry"}`), nil
}
