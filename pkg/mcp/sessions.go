package mcp

import "sync"

// SessionRegistry maps agent config IDs to MCP session IDs.
// Populated automatically when callers pass agent_config_id to a tool.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // agentConfigID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an agent config ID with a session ID.
// Reconnecting callers overwrite their previous mapping.
func (r *SessionRegistry) Register(agentConfigID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[agentConfigID] = sessionID
}

// SessionFor returns the session ID for the given agent config, if connected.
func (r *SessionRegistry) SessionFor(agentConfigID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[agentConfigID]
	return sid, ok
}

// Remove deletes all mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, id)
		}
	}
}
