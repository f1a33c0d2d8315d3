package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/diagram"
	"github.com/rendis/nodeflow/pkg/schema"
)

func (s *NodeflowServer) handleWorkflowCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	var def schema.WorkflowDefinition
	if err := decodeArgument(raw, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	wf, err := s.engine.CreateWorkflow(ctx, &def)
	if err != nil {
		return errorResult("create workflow failed", err)
	}
	return marshalResult(wf)
}

func (s *NodeflowServer) handleWorkflowGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, err := s.engine.GetWorkflow(ctx, id)
	if err != nil {
		return errorResult("get workflow failed", err)
	}
	return marshalResult(wf)
}

func (s *NodeflowServer) handleWorkflowUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	raw := mcp.ParseStringMap(req, "patch", nil)
	if raw == nil {
		return mcp.NewToolResultError("patch is required"), nil
	}
	var patch schema.WorkflowPatch
	if err := decodeArgument(raw, &patch); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid patch: %v", err)), nil
	}

	wf, err := s.engine.UpdateWorkflow(ctx, id, &patch)
	if err != nil {
		return errorResult("update workflow failed", err)
	}
	return marshalResult(wf)
}

func (s *NodeflowServer) handleWorkflowList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}
	wfs, err := s.engine.ListWorkflows(ctx, owner)
	if err != nil {
		return errorResult("list workflows failed", err)
	}
	return marshalResult(map[string]any{"workflows": wfs})
}

// handleWorkflowExecute starts an execution. With wait set it blocks until
// the execution finishes and returns the final record.
func (s *NodeflowServer) handleWorkflowExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	execID, err := s.engine.ExecuteWorkflow(ctx, id, inputs)
	if err != nil {
		return errorResult("execute workflow failed", err)
	}
	s.captureSession(ctx, execID)

	if !req.GetBool("wait", false) {
		return marshalResult(map[string]any{
			"execution_id": execID,
			"workflow_id":  id,
			"status":       schema.ExecutionStatusRunning,
		})
	}

	if err := s.engine.Wait(ctx, execID); err != nil {
		return errorResult("wait for execution failed", err)
	}
	exec, err := s.engine.GetExecution(ctx, execID)
	if err != nil {
		return errorResult("get execution failed", err)
	}
	return marshalResult(exec)
}

func (s *NodeflowServer) handleExecutionGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.engine.GetExecution(ctx, id)
	if err != nil {
		return errorResult("get execution failed", err)
	}
	return marshalResult(exec)
}

func (s *NodeflowServer) handleExecutionCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if err := s.engine.CancelExecution(ctx, id); err != nil {
		return errorResult("cancel execution failed", err)
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": id})
}

func (s *NodeflowServer) handleExecutionList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	execs, err := s.engine.ListExecutions(ctx, id)
	if err != nil {
		return errorResult("list executions failed", err)
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *NodeflowServer) handleWorkflowDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, err := s.engine.GetWorkflow(ctx, id)
	if err != nil {
		return errorResult("diagram failed", err)
	}

	nodes, edges := wf.Nodes, wf.Edges
	var exec *schema.Execution
	if execID := req.GetString("execution_id", ""); execID != "" {
		exec, err = s.engine.GetExecution(ctx, execID)
		if err != nil {
			return errorResult("diagram failed", err)
		}
		if exec.WorkflowID != wf.ID {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s does not belong to workflow %s", execID, wf.ID)), nil
		}
		snap, err := s.engine.GetSnapshot(ctx, exec.SnapshotRef)
		if err != nil {
			return errorResult("diagram failed", err)
		}
		nodes, edges = snap.Nodes, snap.Edges
	}

	model, err := diagram.Build(wf.Name, nodes, edges, exec)
	if err != nil {
		return errorResult("diagram failed", err)
	}

	switch format := req.GetString("format", "ascii"); format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return errorResult("diagram failed", err)
		}
		return mcp.NewToolResultImage(wf.Name, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q", format)), nil
	}
}

func (s *NodeflowServer) handleTriggerCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	// Reject triggers for workflows that do not exist.
	if _, err := s.engine.GetWorkflow(ctx, id); err != nil {
		return errorResult("create trigger failed", err)
	}
	t, err := s.triggers.Create(ctx, id, cronExpr, inputs)
	if err != nil {
		return errorResult("create trigger failed", err)
	}
	return marshalResult(t)
}

func (s *NodeflowServer) handleTriggerList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	triggers, err := s.triggers.List(ctx, req.GetString("workflow_id", ""))
	if err != nil {
		return errorResult("list triggers failed", err)
	}
	return marshalResult(map[string]any{"triggers": triggers})
}

// --- Internal helpers ---

// decodeArgument converts a loosely typed tool argument into v.
func decodeArgument(raw map[string]any, v any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// captureSession maps an execution to the MCP session that started it.
func (s *NodeflowServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// errorResult reports err as a tool error. FlowErrors keep their code and
// details in the text so callers can branch on them.
func errorResult(prefix string, err error) (*mcp.CallToolResult, error) {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		data, mErr := json.Marshal(map[string]any{"error": fe})
		if mErr == nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s", prefix, data)), nil
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err)), nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
