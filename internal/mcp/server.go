// Package mcp exposes the workflow engine as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"maiachat/backend/internal/auth"
	"maiachat/backend/internal/engine"
	"maiachat/backend/internal/repository"
)

// Runner is the engine surface the tools call.
type Runner interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.RunResult, error)
	Resume(ctx context.Context, req engine.ResumeRequest) (*engine.RunResult, error)
	GetRun(ctx context.Context, runID, userID string) (*engine.RunResult, error)
}

type Server struct {
	mcpServer *server.MCPServer
	runner    Runner
	workflows repository.WorkflowStore
}

func NewServer(runner Runner, workflows repository.WorkflowStore) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"MaiaChat Workflows",
			"1.0.0",
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		runner:    runner,
		workflows: workflows,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflows",
			mcp.WithDescription("List the workflows of the caller's tenant"),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"execute_workflow",
			mcp.WithDescription("Run a workflow until it completes, fails or waits for approval"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow ID or version ID")),
			mcp.WithObject("input", mcp.Description("Run input")),
			mcp.WithBoolean("dry_run", mcp.Description("Simulate side-effecting steps")),
			mcp.WithString("idempotency_key", mcp.Description("Retrying with the same key returns the same run")),
		),
		s.handleExecute,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"resume_workflow",
			mcp.WithDescription("Approve or reject the step a run is waiting on"),
			mcp.WithString("token", mcp.Required(), mcp.Description("Resume token returned when the run paused")),
			mcp.WithBoolean("approved", mcp.Required(), mcp.Description("The decision")),
			mcp.WithString("comment", mcp.Description("Reason recorded with the decision")),
		),
		s.handleResume,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_run",
			mcp.WithDescription("Get the state of a run"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleGetRun,
	)
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("caller not authenticated"), nil
	}

	workflows, err := s.workflows.ListWorkflows(ctx, p.TenantID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}
	type summary struct {
		WorkflowID  string `json:"workflow_id"`
		Version     int    `json:"version"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Steps       int    `json:"steps"`
	}
	out := make([]summary, 0, len(workflows))
	for _, wf := range workflows {
		if wf.OwnerID != p.UserID {
			continue
		}
		out = append(out, summary{
			WorkflowID:  wf.WorkflowID,
			Version:     wf.Version,
			Name:        wf.Name,
			Description: wf.Description,
			Steps:       len(wf.Steps),
		})
	}
	return jsonResult(out)
}

func (s *Server) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("caller not authenticated"), nil
	}

	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var input map[string]interface{}
	if raw, ok := request.GetArguments()["input"]; ok && raw != nil {
		input, ok = raw.(map[string]interface{})
		if !ok {
			return mcp.NewToolResultError("input must be an object"), nil
		}
	}

	res, err := s.runner.Execute(ctx, engine.ExecuteRequest{
		WorkflowID:     workflowID,
		UserID:         p.UserID,
		Input:          input,
		DryRun:         request.GetBool("dry_run", false),
		IdempotencyKey: request.GetString("idempotency_key", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) handleResume(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("caller not authenticated"), nil
	}

	token, err := request.RequireString("token")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	approved, err := request.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.runner.Resume(ctx, engine.ResumeRequest{
		Token:    token,
		Approved: approved,
		Comment:  request.GetString("comment", ""),
		UserID:   p.UserID,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("caller not authenticated"), nil
	}

	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.runner.GetRun(ctx, runID, p.UserID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the tools over streamable HTTP at /mcp and over
// SSE at /mcp/sse and /mcp/message. wrap is applied to every handler, which
// is where authentication goes.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer, wrap func(http.Handler) http.Handler) {
	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.Handle("/mcp", wrap(streamable))
	mux.Handle("/mcp/sse", wrap(sseServer.SSEHandler()))
	mux.Handle("/mcp/message", wrap(sseServer.MessageHandler()))
}

