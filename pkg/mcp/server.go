// Package mcp exposes the workflow engine as an MCP tool server.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/trigger"
	"github.com/rendis/nodeflow/pkg/schema"
)

// WorkflowEngine is the part of *engine.Engine the tool handlers call.
type WorkflowEngine interface {
	CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, patch *schema.WorkflowPatch) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, ownerID string) ([]*schema.Workflow, error)
	ExecuteWorkflow(ctx context.Context, workflowID string, inputs map[string]any) (string, error)
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	CancelExecution(ctx context.Context, id string) error
	ListExecutions(ctx context.Context, workflowID string) ([]*schema.Execution, error)
	GetSnapshot(ctx context.Context, ref string) (*schema.Snapshot, error)
	Wait(ctx context.Context, id string) error
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error)
}

// TriggerManager stores cron triggers. Satisfied by *trigger.Scheduler.
type TriggerManager interface {
	Create(ctx context.Context, workflowID, cronExpr string, inputs map[string]any) (*trigger.Trigger, error)
	List(ctx context.Context, workflowID string) ([]*trigger.Trigger, error)
}

// NodeflowServerDeps holds the dependencies for creating a NodeflowServer.
type NodeflowServerDeps struct {
	Engine   WorkflowEngine
	Triggers TriggerManager // optional; trigger tools are omitted when nil
	Logger   *slog.Logger
}

// NodeflowServer wraps an MCP server with nodeflow tool handlers.
type NodeflowServer struct {
	engine    WorkflowEngine
	triggers  TriggerManager
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *ExecutionNotifier
	mcpServer *server.MCPServer
}

// NewNodeflowServer creates a NodeflowServer with every tool registered.
func NewNodeflowServer(deps NodeflowServerDeps) *NodeflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &NodeflowServer{
		engine:   deps.Engine,
		triggers: deps.Triggers,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"nodeflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Nodeflow runs workflows of agent, tool, transform and conditional nodes. "+
			"Use workflow.create to store a graph, workflow.execute to start a run, execution.get to follow it "+
			"and trigger.create to run a workflow on a cron schedule."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewExecutionNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *NodeflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *NodeflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ForwardEvents pushes execution events to the session that started each
// execution until ctx ends.
func (s *NodeflowServer) ForwardEvents(ctx context.Context) error {
	events, cancel, err := s.engine.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for ev := range events {
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "event notification failed",
				slog.String("execution_id", ev.ExecutionID),
				slog.String("event_type", ev.EventType),
				slog.String("error", err.Error()))
		}
	}
	return ctx.Err()
}

func (s *NodeflowServer) tools() []server.ServerTool {
	tools := []server.ServerTool{
		{Tool: workflowCreateTool(), Handler: s.handleWorkflowCreate},
		{Tool: workflowGetTool(), Handler: s.handleWorkflowGet},
		{Tool: workflowUpdateTool(), Handler: s.handleWorkflowUpdate},
		{Tool: workflowListTool(), Handler: s.handleWorkflowList},
		{Tool: workflowExecuteTool(), Handler: s.handleWorkflowExecute},
		{Tool: executionGetTool(), Handler: s.handleExecutionGet},
		{Tool: executionCancelTool(), Handler: s.handleExecutionCancel},
		{Tool: executionListTool(), Handler: s.handleExecutionList},
		{Tool: workflowDiagramTool(), Handler: s.handleWorkflowDiagram},
	}
	if s.triggers != nil {
		tools = append(tools,
			server.ServerTool{Tool: triggerCreateTool(), Handler: s.handleTriggerCreate},
			server.ServerTool{Tool: triggerListTool(), Handler: s.handleTriggerList},
		)
	}
	return tools
}

// --- Tool definitions ---

func workflowCreateTool() mcp.Tool {
	return mcp.NewTool("workflow.create",
		mcp.WithDescription("Store a new workflow as a draft"),
		mcp.WithObject("definition", mcp.Required(),
			mcp.Description("Workflow definition: name, owner_id, nodes, edges and an optional input_schema")),
	)
}

func workflowGetTool() mcp.Tool {
	return mcp.NewTool("workflow.get",
		mcp.WithDescription("Get a workflow by ID"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func workflowUpdateTool() mcp.Tool {
	return mcp.NewTool("workflow.update",
		mcp.WithDescription("Patch a workflow; running executions keep their snapshot"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithObject("patch", mcp.Required(),
			mcp.Description("Fields to change: name, description, status, nodes, edges, input_schema")),
	)
}

func workflowListTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List the workflows of an owner, most recently updated first"),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("Owner whose workflows to list")),
	)
}

func workflowExecuteTool() mcp.Tool {
	return mcp.NewTool("workflow.execute",
		mcp.WithDescription("Start an execution of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("inputs", mcp.Description("Execution inputs")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution finishes and return its record")),
	)
}

func executionGetTool() mcp.Tool {
	return mcp.NewTool("execution.get",
		mcp.WithDescription("Get the current record of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func executionCancelTool() mcp.Tool {
	return mcp.NewTool("execution.cancel",
		mcp.WithDescription("Request cancellation of an execution at its next stage boundary"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func executionListTool() mcp.Tool {
	return mcp.NewTool("execution.list",
		mcp.WithDescription("List the executions of a workflow, newest first"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func workflowDiagramTool() mcp.Tool {
	return mcp.NewTool("workflow.diagram",
		mcp.WithDescription("Render a workflow graph, optionally with the node states of one execution"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("execution_id", mcp.Description("Overlay the state of this execution, drawn on the graph it ran against")),
		mcp.WithString("format", mcp.Description("ascii (default), mermaid or image"), mcp.Enum("ascii", "mermaid", "image")),
	)
}

func triggerCreateTool() mcp.Tool {
	return mcp.NewTool("trigger.create",
		mcp.WithDescription("Run a workflow on a cron schedule"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression or descriptor such as @hourly")),
		mcp.WithObject("inputs", mcp.Description("Inputs passed to every triggered execution")),
	)
}

func triggerListTool() mcp.Tool {
	return mcp.NewTool("trigger.list",
		mcp.WithDescription("List cron triggers"),
		mcp.WithString("workflow_id", mcp.Description("Only triggers of this workflow")),
	)
}
