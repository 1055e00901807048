// internal/agent/client.go
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"loan-orchestrator/internal/common/config"
	apperrors "loan-orchestrator/internal/common/errors"
	commonhttp "loan-orchestrator/internal/common/http"
	"loan-orchestrator/internal/common/logger"
)

const (
	serviceName  = "reasoning-agent"
	generatePath = "/api/ai/generate"
)

type generateRequest struct {
	Instructions string                 `json:"instructions"`
	Context      json.RawMessage        `json:"context,omitempty"`
	Tools        []ToolSpec             `json:"tools,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`
	Messages     []Message              `json:"messages,omitempty"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
	Temperature  float64                `json:"temperature"`
}

type generateResponse struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// HTTPClient talks to the reasoning-agent service and runs its tool-call
// loop. It performs no retries; callers own retry policy.
type HTTPClient struct {
	http          *commonhttp.Client
	maxToolRounds int
	maxTokens     int
	temperature   float64
	log           logger.Logger
}

func NewHTTPClient(cfg config.AgentConfig, log logger.Logger) *HTTPClient {
	rounds := cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = 8
	}
	return &HTTPClient{
		http: commonhttp.NewClient(
			config.GetDuration(cfg.Timeout),
			commonhttp.WithBaseURL(cfg.BaseURL),
			commonhttp.WithBearerToken(cfg.APIKey),
		),
		maxToolRounds: rounds,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		log:           logger.Component(log, "agent"),
	}
}

func (c *HTTPClient) Invoke(ctx context.Context, req Request) (string, error) {
	body := generateRequest{
		Instructions: req.Instructions,
		Context:      req.Context,
		OutputSchema: req.OutputSchema,
		Messages:     append([]Message(nil), req.Messages...),
		MaxTokens:    c.maxTokens,
		Temperature:  c.temperature,
	}
	if req.Tools != nil {
		body.Tools = req.Tools.Specs()
	}

	start := time.Now()
	for round := 0; ; round++ {
		var resp generateResponse
		if err := c.http.PostJSON(ctx, generatePath, body, &resp); err != nil {
			return "", commonhttp.Classify(ctx, serviceName, err)
		}

		if len(resp.ToolCalls) == 0 {
			c.log.Debug("agent replied", map[string]interface{}{
				"rounds":     round,
				"durationMs": time.Since(start).Milliseconds(),
			})
			return resp.Text, nil
		}

		if round >= c.maxToolRounds {
			return "", apperrors.NewInternalError(
				fmt.Sprintf("agent exceeded %d tool rounds", c.maxToolRounds), nil)
		}

		body.Messages = append(body.Messages, Message{
			Role:      RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			msg, err := c.runTool(ctx, req.Tools, call)
			if err != nil {
				return "", err
			}
			body.Messages = append(body.Messages, msg)
		}
	}
}

// runTool returns a fatal error only for failures the pipeline must see:
// policy violations and provider outages. Everything else goes back to the
// agent as an error result so it can adjust.
func (c *HTTPClient) runTool(ctx context.Context, tools ToolBinding, call ToolCall) (Message, error) {
	if !bound(tools, call.Capability) {
		c.log.Warn("agent requested unbound capability", map[string]interface{}{
			"capability": call.Capability,
			"operation":  call.Operation,
		})
		return toolError(call, fmt.Sprintf("capability %q is not available", call.Capability)), nil
	}

	result, err := tools.Invoke(ctx, call)
	if err != nil {
		switch apperrors.KindOf(err) {
		case apperrors.ErrCodePrivacyViolation,
			apperrors.ErrCodeCapabilityUnavailable,
			apperrors.ErrCodeTimeout,
			apperrors.ErrCodeCancelled:
			return Message{}, err
		}
		return toolError(call, err.Error()), nil
	}

	return Message{Role: RoleTool, ToolCallID: call.ID, Content: string(result)}, nil
}

func toolError(call ToolCall, msg string) Message {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	return Message{Role: RoleTool, ToolCallID: call.ID, Content: string(payload)}
}
