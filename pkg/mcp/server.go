package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/taskmill/taskmill/internal/engine"
	"github.com/taskmill/taskmill/internal/store"
	"github.com/taskmill/taskmill/internal/tools"
)

// TaskmillServerDeps holds the dependencies for creating a TaskmillServer.
type TaskmillServerDeps struct {
	Engine   engine.Engine
	Store    store.Store
	Registry tools.ToolRegistry
	Logger   *slog.Logger
}

// TaskmillServer wraps an MCP server with taskmill-specific tool handlers.
type TaskmillServer struct {
	engine    engine.Engine
	store     store.Store
	registry  tools.ToolRegistry
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewTaskmillServer creates a new TaskmillServer with all tools registered.
func NewTaskmillServer(deps TaskmillServerDeps) *TaskmillServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &TaskmillServer{
		engine:   deps.Engine,
		store:    deps.Store,
		registry: deps.Registry,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"taskmill",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Taskmill executes declarative plans as stateful, resumable tasks. Use plan.define to register a plan, task.start to run it, task.get to inspect progress, task.resume to supply missing data to a paused task, task.cancel to abort, task.history for the execution audit trail, plan.schedule for cron-triggered runs, and tools.list to see available step actions."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *TaskmillServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *TaskmillServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *TaskmillServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: planDefineTool(), Handler: s.handlePlanDefine},
		{Tool: planScheduleTool(), Handler: s.handlePlanSchedule},
		{Tool: taskStartTool(), Handler: s.handleTaskStart},
		{Tool: taskGetTool(), Handler: s.handleTaskGet},
		{Tool: taskResumeTool(), Handler: s.handleTaskResume},
		{Tool: taskCancelTool(), Handler: s.handleTaskCancel},
		{Tool: taskHistoryTool(), Handler: s.handleTaskHistory},
		{Tool: toolsListTool(), Handler: s.handleToolsList},
	}
}

// --- Tool definitions ---

func planDefineTool() mcp.Tool {
	return mcp.NewTool("plan.define",
		mcp.WithDescription("Register an immutable plan definition. The plan is schema-validated and cycle-checked before it is stored."),
		mcp.WithObject("plan", mcp.Required(), mcp.Description("Plan object: goal, steps (id, order, action, parameters, dependencies), optional missing_data")),
	)
}

func planScheduleTool() mcp.Tool {
	return mcp.NewTool("plan.schedule",
		mcp.WithDescription("Create a cron-triggered scheduled run for a registered plan"),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("ID of the plan to run on a schedule")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Standard 5-field cron expression (minute hour dom month dow)")),
		mcp.WithString("agent_config_id", mcp.Description("Opaque reference to the execution credentials/config for scheduled tasks")),
	)
}

func taskStartTool() mcp.Tool {
	return mcp.NewTool("task.start",
		mcp.WithDescription("Start executing a registered plan as a task. Runs synchronously to a settle point: completed, failed, paused (missing data), or cancelled."),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("ID of the plan to execute")),
		mcp.WithString("agent_config_id", mcp.Description("Opaque reference to the execution credentials/config")),
	)
}

func taskGetTool() mcp.Tool {
	return mcp.NewTool("task.get",
		mcp.WithDescription("Get the durable state of a task: status, per-step statuses, outputs, pending inputs, error"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task to query")),
	)
}

func taskResumeTool() mcp.Tool {
	return mcp.NewTool("task.resume",
		mcp.WithDescription("Supply missing data to a paused task. When all pending inputs are satisfied the task resumes execution."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the paused task")),
		mcp.WithArray("inputs", mcp.Required(), mcp.Description("Array of {step_id, field, value} objects answering the task's pending inputs")),
	)
}

func taskCancelTool() mcp.Tool {
	return mcp.NewTool("task.cancel",
		mcp.WithDescription("Cancel a non-terminal task. Unstarted steps are skipped; completed work is preserved."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task to cancel")),
		mcp.WithString("reason", mcp.Description("Human-readable cancellation reason")),
	)
}

func taskHistoryTool() mcp.Tool {
	return mcp.NewTool("task.history",
		mcp.WithDescription("Get the append-only execution history of a task, ordered by sequence"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithString("since", mcp.Description("Return entries with sequence greater than this value (default: all)")),
	)
}

func toolsListTool() mcp.Tool {
	return mcp.NewTool("tools.list",
		mcp.WithDescription("List the registered step actions available to plans"),
	)
}
