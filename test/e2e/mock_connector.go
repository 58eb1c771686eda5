package e2e

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evalcore/orchestrator/pkg/apperrors"
	"github.com/evalcore/orchestrator/pkg/connector"
)

// ScriptedConnector implements connector.Connector with deterministic,
// test-controlled behavior in place of a real provider call. Grounded on
// the teacher's ScriptedLLMClient (test/e2e/mock_llm.go): sequential
// fallback behavior plus an injectable failure mode.
type ScriptedConnector struct {
	mu sync.Mutex

	// failUntil, when non-zero, makes every call before that time fail
	// with apperrors.CircuitOpen — used by the circuit-open backpressure
	// scenario (S5) to simulate the breaker tripping without wiring a real
	// HTTPConnector and gobreaker instance.
	failUntil time.Time

	calls          int
	capturedIdemps []string
}

// NewScriptedConnector builds a ScriptedConnector that answers every call
// with a deterministic echo response.
func NewScriptedConnector() *ScriptedConnector {
	return &ScriptedConnector{}
}

// Invoke implements connector.Connector.
func (c *ScriptedConnector) Invoke(ctx context.Context, req connector.Request) (connector.Response, error) {
	c.mu.Lock()
	c.calls++
	c.capturedIdemps = append(c.capturedIdemps, req.IdempotencyKey)
	failing := !c.failUntil.IsZero() && time.Now().Before(c.failUntil)
	c.mu.Unlock()

	if failing {
		return connector.Response{}, apperrors.New(apperrors.CircuitOpen, "scripted connector: circuit forced open")
	}

	select {
	case <-ctx.Done():
		return connector.Response{}, ctx.Err()
	default:
	}

	text := fmt.Sprintf("echo: %s", lastUserMessage(req.Messages))
	return connector.Response{Text: text, LatencyMS: 1}, nil
}

// FailFor makes every Invoke call fail with CircuitOpen for duration d,
// simulating the Model Connector's breaker tripping open.
func (c *ScriptedConnector) FailFor(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failUntil = time.Now().Add(d)
}

// CallCount returns how many Invoke calls have been observed so far.
func (c *ScriptedConnector) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func lastUserMessage(msgs []connector.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
