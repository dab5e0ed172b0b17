package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/robfig/cron/v3"

	"github.com/taskmill/taskmill/internal/logging"
	"github.com/taskmill/taskmill/internal/store"
	"github.com/taskmill/taskmill/pkg/schema"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// handlePlanDefine validates and persists a plan definition.
func (s *TaskmillServer) handlePlanDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planRaw := mcp.ParseStringMap(req, "plan", nil)
	if planRaw == nil {
		return mcp.NewToolResultError("plan is required"), nil
	}

	// Marshal then unmarshal to get a typed Plan.
	planBytes, marshalErr := json.Marshal(planRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", marshalErr)), nil
	}
	var plan schema.Plan
	if unmarshalErr := json.Unmarshal(planBytes, &plan); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", unmarshalErr)), nil
	}

	rec, err := s.engine.DefinePlan(ctx, &plan)
	if err != nil {
		return taskErrorResult("plan rejected", err), nil
	}

	return marshalResult(map[string]any{
		"plan_id": rec.ID,
		"goal":    plan.Goal,
		"steps":   len(plan.Steps),
	})
}

// handlePlanSchedule creates a cron-triggered scheduled run for a plan.
func (s *TaskmillServer) handlePlanSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID, err := req.RequireString("plan_id")
	if err != nil {
		return mcp.NewToolResultError("plan_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	agentConfigID := req.GetString("agent_config_id", "")

	schedule, parseErr := cronParser.Parse(cronExpr)
	if parseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", parseErr)), nil
	}

	// The plan must exist before it can be scheduled.
	if _, planErr := s.store.GetPlan(ctx, planID); planErr != nil {
		return taskErrorResult("plan lookup failed", planErr), nil
	}

	now := time.Now().UTC()
	next := schedule.Next(now)
	run := &store.ScheduledRun{
		ID:             uuid.NewString(),
		PlanID:         planID,
		AgentConfigID:  agentConfigID,
		CronExpression: cronExpr,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if createErr := s.store.CreateScheduledRun(ctx, run); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create scheduled run: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"scheduled_run_id": run.ID,
		"plan_id":          planID,
		"next_run_at":      next.Format(time.RFC3339),
	})
}

// handleTaskStart starts a plan as a task and runs it to a settle point.
func (s *TaskmillServer) handleTaskStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID, err := req.RequireString("plan_id")
	if err != nil {
		return mcp.NewToolResultError("plan_id is required"), nil
	}
	agentConfigID := req.GetString("agent_config_id", "")

	// Capture session mapping for pause notifications.
	if agentConfigID != "" {
		s.captureSession(ctx, agentConfigID)
	}

	task, startErr := s.engine.StartTask(ctx, planID, agentConfigID)
	if startErr != nil {
		return taskErrorResult("task start failed", startErr), nil
	}

	ctx = logging.WithIDs(ctx, task.ID, task.PlanID, "")
	s.logger.InfoContext(ctx, "task settled", "status", task.Status)
	s.notifyIfPaused(ctx, task)
	return marshalResult(taskSummary(task))
}

// handleTaskGet returns the durable state of a task.
func (s *TaskmillServer) handleTaskGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	snap, getErr := s.engine.GetTask(ctx, taskID)
	if getErr != nil {
		return taskErrorResult("task lookup failed", getErr), nil
	}

	return marshalResult(snap)
}

// handleTaskResume supplies missing data to a paused task.
func (s *TaskmillServer) handleTaskResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	args := req.GetArguments()
	rawInputs, ok := args["inputs"]
	if !ok {
		return mcp.NewToolResultError("inputs is required"), nil
	}
	inputBytes, marshalErr := json.Marshal(rawInputs)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid inputs: %v", marshalErr)), nil
	}
	var inputs []schema.UserInput
	if unmarshalErr := json.Unmarshal(inputBytes, &inputs); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid inputs: %v", unmarshalErr)), nil
	}

	task, resumeErr := s.engine.ResumeTask(ctx, taskID, inputs)
	if resumeErr != nil {
		return taskErrorResult("resume failed", resumeErr), nil
	}

	ctx = logging.WithIDs(ctx, task.ID, task.PlanID, "")
	s.logger.InfoContext(ctx, "task resumed", "status", task.Status)
	s.notifyIfPaused(ctx, task)
	return marshalResult(taskSummary(task))
}

// handleTaskCancel cancels a non-terminal task.
func (s *TaskmillServer) handleTaskCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	reason := req.GetString("reason", "")

	task, cancelErr := s.engine.CancelTask(ctx, taskID, reason)
	if cancelErr != nil {
		return taskErrorResult("cancel failed", cancelErr), nil
	}

	return marshalResult(taskSummary(task))
}

// handleTaskHistory returns the sequence-ordered execution history of a task.
func (s *TaskmillServer) handleTaskHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	var since int64
	if sinceStr := req.GetString("since", ""); sinceStr != "" {
		n, parseErr := strconv.ParseInt(sinceStr, 10, 64)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since value %q", sinceStr)), nil
		}
		since = n
	}

	entries, histErr := s.engine.History(ctx, taskID, since)
	if histErr != nil {
		return taskErrorResult("history query failed", histErr), nil
	}

	return marshalResult(map[string]any{"task_id": taskID, "history": entries})
}

// handleToolsList lists the registered step actions.
func (s *TaskmillServer) handleToolsList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"tools": s.registry.List()})
}

// --- Internal helpers ---

// taskSummary is the settle-point response shape for start/resume/cancel.
func taskSummary(task *store.Task) map[string]any {
	out := map[string]any{
		"task_id": task.ID,
		"plan_id": task.PlanID,
		"status":  task.Status,
	}
	if len(task.PendingInputs) > 0 {
		out["pending_inputs"] = task.PendingInputs
	}
	if len(task.Error) > 0 {
		out["error"] = json.RawMessage(task.Error)
	}
	return out
}

// taskErrorResult renders an engine error as a tool error, preserving the
// structured TaskError payload when one is present.
func taskErrorResult(prefix string, err error) *mcp.CallToolResult {
	var te *schema.TaskError
	if errors.As(err, &te) {
		if data, marshalErr := json.Marshal(te); marshalErr == nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s", prefix, data))
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// notifyIfPaused pushes a pause notification to the owning agent session.
func (s *TaskmillServer) notifyIfPaused(ctx context.Context, task *store.Task) {
	if task.Status != schema.TaskStatusPaused || task.AgentConfigID == "" {
		return
	}
	notifier := NewPauseNotifier(s.mcpServer, s.sessions)
	if err := notifier.Notify(ctx, task.AgentConfigID, map[string]any{
		"event":          "task.paused",
		"task_id":        task.ID,
		"pending_inputs": task.PendingInputs,
	}); err != nil {
		s.logger.WarnContext(logging.WithTaskID(ctx, task.ID), "pause notification failed",
			"error", err.Error(),
		)
	}
}

// captureSession maps the agent config ID to its current MCP session so pause
// notifications can be routed back to the caller.
func (s *TaskmillServer) captureSession(ctx context.Context, agentConfigID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentConfigID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
