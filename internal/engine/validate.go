package engine

import (
	"strings"

	"github.com/jmespath/go-jmespath"
	"github.com/xeipuuv/gojsonschema"

	"maiachat/backend/pkg/models"
)

// ValidateWorkflow checks a definition against the engine's registry and
// limits: step count, known action types with dry-run support, unique step
// keys and well-formed approval policies.
func (e *Engine) ValidateWorkflow(wf *models.Workflow) error {
	if len(wf.Steps) == 0 {
		return newError(KindValidationFailed, "workflow %q has no steps", wf.Name)
	}
	if len(wf.Steps) > e.maxSteps {
		return newError(KindValidationFailed, "workflow %q has %d steps, the limit is %d", wf.Name, len(wf.Steps), e.maxSteps)
	}

	keys := make(map[string]int, len(wf.Steps))
	for i, step := range wf.Steps {
		action, ok := e.registry.Lookup(step.Type)
		if !ok {
			return newError(KindUnknownStepType, "step %d uses unknown action type %q", i, step.Type)
		}
		if !action.SupportsDryRun() {
			return newError(KindValidationFailed, "step %d: action type %q does not declare dry-run behaviour", i, step.Type)
		}

		key := step.Key(i)
		if prev, dup := keys[key]; dup {
			return newError(KindValidationFailed, "steps %d and %d share the key %q", prev, i, key)
		}
		keys[key] = i

		if err := validateApproval(i, step.Approval); err != nil {
			return err
		}
	}

	if len(wf.InputSchema) > 0 {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(wf.InputSchema)); err != nil {
			return wrapError(KindValidationFailed, err, "workflow %q has an invalid input schema", wf.Name)
		}
	}
	return nil
}

func validateApproval(index int, policy *models.ApprovalPolicy) error {
	if policy == nil {
		return nil
	}
	switch policy.Mode {
	case "", models.ApprovalNever, models.ApprovalAlways:
		return nil
	case models.ApprovalWhen:
		if policy.Expression == "" {
			return newError(KindValidationFailed, "step %d: approval mode %q needs an expression", index, policy.Mode)
		}
		if _, err := jmespath.Compile(policy.Expression); err != nil {
			return wrapError(KindValidationFailed, err, "step %d: invalid approval expression", index)
		}
		return nil
	default:
		return newError(KindValidationFailed, "step %d: unknown approval mode %q", index, policy.Mode)
	}
}

// validateInput checks input against the workflow's JSON Schema, if it has one.
func validateInput(schema, input map[string]interface{}) error {
	if len(schema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(input))
	if err != nil {
		return wrapError(KindValidationFailed, err, "validating input")
	}
	if !result.Valid() {
		problems := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			problems[i] = desc.String()
		}
		return newError(KindValidationFailed, "input does not match the workflow schema: %s", strings.Join(problems, "; "))
	}
	return nil
}
