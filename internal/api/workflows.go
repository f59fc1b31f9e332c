// Package api contains the HTTP handlers of the workflow service.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"maiachat/backend/internal/auth"
	"maiachat/backend/internal/engine"
	"maiachat/backend/internal/repository"
	"maiachat/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// IdempotencyKeyHeader lets a client retry an execute request without
// starting a second run.
const IdempotencyKeyHeader = "Idempotency-Key"

// Runner is the engine surface used by the HTTP layer.
type Runner interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.RunResult, error)
	Resume(ctx context.Context, req engine.ResumeRequest) (*engine.RunResult, error)
	GetRun(ctx context.Context, runID, userID string) (*engine.RunResult, error)
	ValidateWorkflow(wf *models.Workflow) error
}

// Server holds the dependencies for the API server.
type Server struct {
	Repo   repository.WorkflowStore
	Engine Runner
}

// NewServer creates a new Server.
func NewServer(repo repository.WorkflowStore, runner Runner) *Server {
	return &Server{Repo: repo, Engine: runner}
}

// Register mounts the workflow and run routes on g.
func (s *Server) Register(g *echo.Group) {
	g.GET("/workflows", s.ListWorkflows)
	g.PUT("/workflows", s.PutWorkflow)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.POST("/workflows/:id/execute", s.ExecuteWorkflow)
	g.POST("/runs/resume", s.ResumeRun)
	g.GET("/runs/:id", s.GetRun)
}

// ExecuteBody is the request body of ExecuteWorkflow.
type ExecuteBody struct {
	Input          map[string]interface{} `json:"input"`
	DryRun         bool                   `json:"dry_run"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// ResumeBody is the request body of ResumeRun.
type ResumeBody struct {
	Token    string `json:"token"`
	Approved *bool  `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

func principal(c echo.Context) (models.Principal, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return models.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "caller not authenticated")
	}
	return p, nil
}

// ListWorkflows returns the latest version of each workflow in the caller's tenant
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}

	workflows, err := s.Repo.ListWorkflows(c.Request().Context(), p.TenantID)
	if err != nil {
		return err
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	return c.JSON(http.StatusOK, workflows)
}

// GetWorkflow returns one workflow by version ID or stable workflow ID
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}

	wf, err := s.loadWorkflow(c.Request().Context(), c.Param("id"), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// PutWorkflow creates a workflow, or a new version of it when workflow_id
// names an existing one owned by the caller
// (PUT /api/v1/workflows)
func (s *Server) PutWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := principal(c)
	if err != nil {
		return err
	}

	var workflow models.Workflow
	if err := c.Bind(&workflow); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	// A new workflow always gets a server-minted id; a supplied id must name
	// a workflow the caller owns.
	if workflow.WorkflowID == "" {
		workflow.WorkflowID = uuid.New().String()
	} else {
		existing, err := s.loadWorkflow(ctx, workflow.WorkflowID, p)
		if err != nil {
			return err
		}
		workflow.WorkflowID = existing.WorkflowID
	}

	workflow.ID = ""
	workflow.TenantID = p.TenantID
	workflow.OwnerID = p.UserID
	workflow.CreatedBy = p.Email
	if workflow.Status == "" {
		workflow.Status = models.WorkflowStatusActive
	}

	if err := s.Engine.ValidateWorkflow(&workflow); err != nil {
		return err
	}
	if err := s.Repo.CreateWorkflow(ctx, &workflow); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflow)
}

// ExecuteWorkflow starts a run of the workflow
// (POST /api/v1/workflows/:id/execute)
func (s *Server) ExecuteWorkflow(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}

	var body ExecuteBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	key := strings.TrimSpace(c.Request().Header.Get(IdempotencyKeyHeader))
	if key == "" {
		key = body.IdempotencyKey
	}

	res, err := s.Engine.Execute(c.Request().Context(), engine.ExecuteRequest{
		WorkflowID:     c.Param("id"),
		UserID:         p.UserID,
		Input:          body.Input,
		DryRun:         body.DryRun,
		IdempotencyKey: key,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// ResumeRun approves or rejects the step a run is paused at
// (POST /api/v1/runs/resume)
func (s *Server) ResumeRun(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}

	var body ResumeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if body.Approved == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "approved is required")
	}

	res, err := s.Engine.Resume(c.Request().Context(), engine.ResumeRequest{
		Token:    body.Token,
		Approved: *body.Approved,
		Comment:  body.Comment,
		UserID:   p.UserID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// GetRun returns the state of a run
// (GET /api/v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}

	res, err := s.Engine.GetRun(c.Request().Context(), c.Param("id"), p.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// loadWorkflow reads a workflow visible to p. Workflows of other tenants are
// reported as missing.
func (s *Server) loadWorkflow(ctx context.Context, id string, p models.Principal) (*models.Workflow, error) {
	wf, err := s.Repo.GetWorkflow(ctx, id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && wf.TenantID != p.TenantID) {
		return nil, &engine.Error{Kind: engine.KindNotFound, Message: "workflow " + id + " not found"}
	}
	if err != nil {
		return nil, err
	}
	if wf.OwnerID != p.UserID {
		return nil, &engine.Error{Kind: engine.KindForbidden, Message: "workflow " + id + " is not owned by the caller"}
	}
	return wf, nil
}
