package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier pushes notifications to connected callers.
type Notifier interface {
	Notify(ctx context.Context, agentConfigID string, payload map[string]any) error
}

// PauseNotifier pushes pause events to the caller's MCP session so an agent
// learns its task is waiting on input without polling task.get.
type PauseNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewPauseNotifier creates a notifier that pushes via the MCP server.
func NewPauseNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *PauseNotifier {
	return &PauseNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the caller's session.
// Best-effort: returns nil if the caller is not connected.
func (n *PauseNotifier) Notify(_ context.Context, agentConfigID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentConfigID)
	if !ok {
		return nil // caller not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send. Not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
