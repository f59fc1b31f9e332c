package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// StepContext is what an action sees when it runs.
type StepContext struct {
	RunID      string
	WorkflowID string
	StepIndex  int
	StepID     string
	// Input is the payload the run was started with.
	Input map[string]interface{}
	// Accumulated holds the outputs of earlier steps keyed by step key.
	Accumulated map[string]interface{}
	// Config is the step's static configuration from the definition.
	Config map[string]interface{}
	// DryRun asks the action to report a simulated outcome without any
	// externally observable effect.
	DryRun bool
}

// Action is one pluggable step capability.
//
// Run may be replayed after a crash that happened before its checkpoint was
// written, so actions must be idempotent or free of side effects on retry.
// When sc.DryRun is set, Run must not touch anything outside the run.
type Action interface {
	Type() string
	// SupportsDryRun reports whether the action honours StepContext.DryRun.
	// Definitions using actions that do not are rejected.
	SupportsDryRun() bool
	Run(ctx context.Context, sc StepContext) (interface{}, error)
}

type funcAction struct {
	actionType string
	dryRun     bool
	fn         func(ctx context.Context, sc StepContext) (interface{}, error)
}

// ActionFunc adapts a function to an Action.
func ActionFunc(actionType string, supportsDryRun bool, fn func(ctx context.Context, sc StepContext) (interface{}, error)) Action {
	return &funcAction{actionType: actionType, dryRun: supportsDryRun, fn: fn}
}

func (f *funcAction) Type() string         { return f.actionType }
func (f *funcAction) SupportsDryRun() bool { return f.dryRun }

func (f *funcAction) Run(ctx context.Context, sc StepContext) (interface{}, error) {
	return f.fn(ctx, sc)
}

// Registry maps action types to actions. Each Engine is given its own
// Registry; there is no package-level default.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates a Registry holding actions.
func NewRegistry(actions ...Action) (*Registry, error) {
	r := &Registry{actions: make(map[string]Action)}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an action. Empty and duplicate types are rejected.
func (r *Registry) Register(a Action) error {
	if a == nil {
		return errors.New("registry: nil action")
	}
	actionType := a.Type()
	if actionType == "" {
		return errors.New("registry: action type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[actionType]; exists {
		return fmt.Errorf("registry: action type %q already registered", actionType)
	}
	r.actions[actionType] = a
	return nil
}

// Lookup returns the action registered for actionType.
func (r *Registry) Lookup(actionType string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[actionType]
	return a, ok
}

// Types lists the registered action types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.actions))
	for t := range r.actions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run dispatches to the action registered for actionType and returns its
// output as a plain JSON value. Unknown types fail with ErrUnknownStepType.
func (r *Registry) Run(ctx context.Context, actionType string, sc StepContext) (interface{}, error) {
	a, ok := r.Lookup(actionType)
	if !ok {
		return nil, newError(KindUnknownStepType, "no action registered for type %q", actionType)
	}
	out, err := a.Run(ctx, sc)
	if err != nil {
		return nil, err
	}
	normalized, err := normalizeOutput(out)
	if err != nil {
		return nil, fmt.Errorf("action %s returned a value that is not JSON encodable: %w", actionType, err)
	}
	return normalized, nil
}

// normalizeOutput converts v to the form it takes after a round trip through
// the store, so a resumed run sees exactly what an uninterrupted run saw.
func normalizeOutput(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
