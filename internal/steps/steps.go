// Package steps holds the built-in workflow actions.
package steps

import (
	"fmt"
	"net/http"

	"maiachat/backend/internal/engine"
)

// Options configures the built-in actions. Actions whose collaborator is not
// configured are not registered, so definitions using them fail validation.
type Options struct {
	// AgentURL is the base URL of the agent sidecar.
	AgentURL string
	// AgentMaxRetries bounds retries of a failed agent call.
	AgentMaxRetries uint64
	// HTTPClient is used for agent calls; nil means an instrumented default.
	HTTPClient *http.Client
	// MCP calls tools on a remote MCP server.
	MCP ToolCaller
}

// RegisterBuiltins adds the built-in actions to r.
func RegisterBuiltins(r *engine.Registry, opts Options) error {
	actions := []engine.Action{
		NewSetAction(),
		NewTransformAction(),
	}
	if opts.AgentURL != "" {
		actions = append(actions, NewAgentAction(opts.AgentURL, opts.HTTPClient, opts.AgentMaxRetries))
	}
	if opts.MCP != nil {
		actions = append(actions, NewMCPToolAction(opts.MCP))
	}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			return fmt.Errorf("registering %s: %w", a.Type(), err)
		}
	}
	return nil
}

// scope is the data JMESPath expressions in step configs are evaluated against.
func scope(sc engine.StepContext) map[string]interface{} {
	return map[string]interface{}{
		"input":   orEmpty(sc.Input),
		"output":  orEmpty(sc.Accumulated),
		"config":  orEmpty(sc.Config),
		"dry_run": sc.DryRun,
	}
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func stringConfig(cfg map[string]interface{}, key string) (string, error) {
	raw, ok := cfg[key]
	if !ok {
		return "", fmt.Errorf("config %q is required", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("config %q must be a non-empty string", key)
	}
	return s, nil
}
