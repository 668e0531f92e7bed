package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier pushes run state notifications to connected callers.
type Notifier interface {
	Notify(ctx context.Context, userID string, payload map[string]any) error
}

// PushNotifier implements Notifier over the MCP server's per-session push
// channel.
type PushNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewPushNotifier creates a notifier bound to the given server and registry.
func NewPushNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *PushNotifier {
	return &PushNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the user's session. Best-effort: returns nil
// if the user is not connected.
func (n *PushNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
