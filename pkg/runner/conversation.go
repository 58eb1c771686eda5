package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/evalcore/orchestrator/pkg/connector"
)

// ConversationRequest is everything the Conversation port needs to produce
// a system response for one TestCase within one Execution.
type ConversationRequest struct {
	SystemID       string
	UserInput      string
	Context        map[string]any
	TenantID       string
	IdempotencyKey string
	Timeout        time.Duration
}

// ConversationResponse is the target system's answer to a ConversationRequest.
type ConversationResponse struct {
	Text      string
	LatencyMS int64
}

// Conversation is the port the Runner uses to obtain a system_response for a
// case, deliberately left distinct from Connector per the design notes' open
// question: the source repository's handling of conversation_spec_id is
// underspecified (prompt template, endpoint, or flow instance), so the core
// treats resolution as opaque and delegates it to whatever implements this
// port — by default, a Connector call.
type Conversation interface {
	Respond(ctx context.Context, req ConversationRequest) (ConversationResponse, error)
}

// ConnectorConversation adapts a Model Connector into a Conversation port by
// sending the user input (plus any context values as supplementary
// messages) as a single chat-completion call to systemID.
type ConnectorConversation struct {
	Connector connector.Connector
}

// NewConnectorConversation builds a Conversation port over conn.
func NewConnectorConversation(conn connector.Connector) ConnectorConversation {
	return ConnectorConversation{Connector: conn}
}

func (c ConnectorConversation) Respond(ctx context.Context, req ConversationRequest) (ConversationResponse, error) {
	messages := []connector.Message{}
	if len(req.Context) > 0 {
		messages = append(messages, connector.Message{Role: "system", Content: contextToContent(req.Context)})
	}
	messages = append(messages, connector.Message{Role: "user", Content: req.UserInput})

	resp, err := c.Connector.Invoke(ctx, connector.Request{
		ModelID:        req.SystemID,
		Messages:       messages,
		Timeout:        req.Timeout,
		IdempotencyKey: req.IdempotencyKey,
		TenantID:       req.TenantID,
	})
	if err != nil {
		return ConversationResponse{}, err
	}
	return ConversationResponse{Text: resp.Text, LatencyMS: resp.LatencyMS}, nil
}

func contextToContent(ctx map[string]any) string {
	if len(ctx) == 0 {
		return ""
	}
	out := "context:"
	for k, v := range ctx {
		out += fmt.Sprintf(" %s=%v", k, v)
	}
	return out
}
