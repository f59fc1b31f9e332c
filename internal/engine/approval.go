package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jmespath/go-jmespath"

	"maiachat/backend/internal/repository"
	"maiachat/backend/pkg/models"
)

// DefaultTokenTTL is how long a resume token stays claimable.
const DefaultTokenTTL = 24 * time.Hour

// IssuedToken is a freshly minted resume token. Token is the only copy of the
// raw value; the store keeps its hash.
type IssuedToken struct {
	Token     string
	RunID     string
	StepIndex int
	ExpiresAt time.Time
}

// ApprovalGate decides which steps need a human decision and suspends runs
// at those steps.
type ApprovalGate struct {
	tokens repository.TokenStore
	ttl    time.Duration
	now    func() time.Time
}

// NewApprovalGate creates a gate that mints tokens valid for ttl.
func NewApprovalGate(tokens repository.TokenStore, ttl time.Duration, now func() time.Time) *ApprovalGate {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &ApprovalGate{tokens: tokens, ttl: ttl, now: now}
}

// RequiresApproval evaluates the step's approval policy against the run
// context. A "when" policy is a JMESPath expression over
// {input, output, config, dry_run}; the step is gated when the result is
// truthy in the JMESPath sense.
func (g *ApprovalGate) RequiresApproval(spec models.StepSpec, sc StepContext) (bool, error) {
	if spec.Approval == nil {
		return false, nil
	}
	switch spec.Approval.Mode {
	case "", models.ApprovalNever:
		return false, nil
	case models.ApprovalAlways:
		return true, nil
	case models.ApprovalWhen:
		result, err := jmespath.Search(spec.Approval.Expression, approvalData(sc))
		if err != nil {
			return false, fmt.Errorf("evaluating approval expression %q: %w", spec.Approval.Expression, err)
		}
		return truthy(result), nil
	default:
		return false, fmt.Errorf("unknown approval mode %q", spec.Approval.Mode)
	}
}

// Suspend mints and stores a resume token bound to run and stepIndex. It does
// not change the run; it is used to reissue a token for a run that is already
// paused.
func (g *ApprovalGate) Suspend(ctx context.Context, run *models.WorkflowRun, stepIndex int) (*IssuedToken, error) {
	issued, token, err := g.Mint(run, stepIndex)
	if err != nil {
		return nil, err
	}
	if err := g.tokens.CreateResumeToken(ctx, token); err != nil {
		return nil, fromStore(err, "storing resume token for run %s", run.ID)
	}
	return issued, nil
}

// Mint creates a token for run and stepIndex without storing it. The
// returned row carries only the token's hash.
func (g *ApprovalGate) Mint(run *models.WorkflowRun, stepIndex int) (*IssuedToken, *models.ResumeToken, error) {
	value, err := newTokenValue()
	if err != nil {
		return nil, nil, err
	}
	now := g.now().UTC()
	token := &models.ResumeToken{
		TokenHash: HashToken(value),
		RunID:     run.ID,
		StepIndex: stepIndex,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.ttl),
	}
	return &IssuedToken{
		Token:     value,
		RunID:     run.ID,
		StepIndex: stepIndex,
		ExpiresAt: token.ExpiresAt,
	}, token, nil
}

func approvalData(sc StepContext) map[string]interface{} {
	input := sc.Input
	if input == nil {
		input = map[string]interface{}{}
	}
	output := sc.Accumulated
	if output == nil {
		output = map[string]interface{}{}
	}
	config := sc.Config
	if config == nil {
		config = map[string]interface{}{}
	}
	return map[string]interface{}{
		"input":   input,
		"output":  output,
		"config":  config,
		"dry_run": sc.DryRun,
	}
}

// truthy follows JMESPath: false, null, and empty strings, arrays and objects
// are false; everything else, including 0, is true.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}
