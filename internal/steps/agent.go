package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmespath/go-jmespath"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"maiachat/backend/internal/engine"
)

const agentInvokePath = "/v1/agents/invoke"

// AgentRequest is the body posted to the agent sidecar.
type AgentRequest struct {
	Agent     string      `json:"agent"`
	Prompt    string      `json:"prompt,omitempty"`
	Input     interface{} `json:"input"`
	RunID     string      `json:"run_id"`
	StepIndex int         `json:"step_index"`
}

// AgentAction asks the agent sidecar to run one agent turn.
//
// Config:
//   - agent string: agent name
//   - prompt string: optional instruction
//   - input_from string: optional JMESPath selecting the agent input;
//     defaults to the run input
//
// Transient failures (transport errors, 429 and 5xx) are retried with
// exponential backoff. Every attempt carries the same Idempotency-Key, so a
// replay after a crash is recognised by the sidecar.
type AgentAction struct {
	url        string
	client     *http.Client
	maxRetries uint64
}

// NewAgentAction creates an AgentAction posting to baseURL.
func NewAgentAction(baseURL string, client *http.Client, maxRetries uint64) *AgentAction {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &AgentAction{
		url:        strings.TrimRight(baseURL, "/"),
		client:     client,
		maxRetries: maxRetries,
	}
}

func (a *AgentAction) Type() string         { return "agent" }
func (a *AgentAction) SupportsDryRun() bool { return true }

func (a *AgentAction) Run(ctx context.Context, sc engine.StepContext) (interface{}, error) {
	req, err := a.buildRequest(sc)
	if err != nil {
		return nil, err
	}
	if sc.DryRun {
		return map[string]interface{}{
			"simulated": true,
			"agent":     req.Agent,
			"request":   req,
		}, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	idempotencyKey := sc.RunID + ":" + strconv.Itoa(sc.StepIndex)

	var out interface{}
	operation := func() error {
		result, err := a.invoke(ctx, body, idempotencyKey)
		if err != nil {
			return err
		}
		out = result
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), a.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *AgentAction) buildRequest(sc engine.StepContext) (*AgentRequest, error) {
	agent, err := stringConfig(sc.Config, "agent")
	if err != nil {
		return nil, err
	}
	prompt, _ := sc.Config["prompt"].(string)

	var input interface{} = orEmpty(sc.Input)
	if expr, ok := sc.Config["input_from"].(string); ok && expr != "" {
		input, err = jmespath.Search(expr, scope(sc))
		if err != nil {
			return nil, fmt.Errorf("evaluating input_from %q: %w", expr, err)
		}
	}
	return &AgentRequest{
		Agent:     agent,
		Prompt:    prompt,
		Input:     input,
		RunID:     sc.RunID,
		StepIndex: sc.StepIndex,
	}, nil
}

func (a *AgentAction) invoke(ctx context.Context, body []byte, idempotencyKey string) (interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url+agentInvokePath, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("agent call failed: status code %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	var out interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode response body: %w", err))
	}
	return out, nil
}
