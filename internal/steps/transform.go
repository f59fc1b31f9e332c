package steps

import (
	"context"
	"fmt"

	"github.com/jmespath/go-jmespath"

	"maiachat/backend/internal/engine"
)

// TransformAction projects run data with a JMESPath expression.
//
// Config:
//   - expression string: evaluated over {input, output, config, dry_run}
type TransformAction struct{}

// NewTransformAction creates a TransformAction.
func NewTransformAction() *TransformAction { return &TransformAction{} }

func (a *TransformAction) Type() string { return "transform" }

// SupportsDryRun is true: the action is pure.
func (a *TransformAction) SupportsDryRun() bool { return true }

func (a *TransformAction) Run(ctx context.Context, sc engine.StepContext) (interface{}, error) {
	expression, err := stringConfig(sc.Config, "expression")
	if err != nil {
		return nil, err
	}
	result, err := jmespath.Search(expression, scope(sc))
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", expression, err)
	}
	return result, nil
}

// SetAction returns the static values from its config.
//
// Config:
//   - values object
type SetAction struct{}

// NewSetAction creates a SetAction.
func NewSetAction() *SetAction { return &SetAction{} }

func (a *SetAction) Type() string         { return "set" }
func (a *SetAction) SupportsDryRun() bool { return true }

func (a *SetAction) Run(ctx context.Context, sc engine.StepContext) (interface{}, error) {
	values, ok := sc.Config["values"]
	if !ok {
		return map[string]interface{}{}, nil
	}
	if _, ok := values.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("config %q must be an object", "values")
	}
	return values, nil
}
