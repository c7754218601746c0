package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/parley/internal/ratelimit"
)

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("tool result has no content")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", result.Content[0])
	}
	return tc.Text
}

func newMCPTestEnv(t *testing.T) (*testEnv, MCPDeps) {
	t.Helper()
	env := newTestEnv(t, ratelimit.Limits{})
	deps := MCPDeps{
		Store:      env.store,
		Dispatcher: env.dispatcher,
		Usage:      ratelimit.New(env.store, ratelimit.Limits{}),
	}
	return env, deps
}

func TestMCPSendMessage(t *testing.T) {
	env, deps := newMCPTestEnv(t)
	conv := env.createConversation(t, "user-1", nil)
	env.finish()

	handler := mcpSendMessage(deps)
	result, err := handler(context.Background(), makeCallToolRequest("send_message", map[string]interface{}{
		"conversation_id": conv.ID,
		"user_id":         "user-1",
		"content":         "hello",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var turn turnJSON
	if err := json.Unmarshal([]byte(toolText(t, result)), &turn); err != nil {
		t.Fatalf("decoding turn: %v", err)
	}
	if turn.Role != "user" || turn.Content != "hello" {
		t.Errorf("turn = %+v", turn)
	}
}

func TestMCPSendMessage_MissingArgs(t *testing.T) {
	_, deps := newMCPTestEnv(t)
	handler := mcpSendMessage(deps)

	result, err := handler(context.Background(), makeCallToolRequest("send_message", map[string]interface{}{
		"conversation_id": "conv-1",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("missing arguments should produce a tool error")
	}
}

func TestMCPSendMessage_Rejection(t *testing.T) {
	_, deps := newMCPTestEnv(t)
	handler := mcpSendMessage(deps)

	result, err := handler(context.Background(), makeCallToolRequest("send_message", map[string]interface{}{
		"conversation_id": "missing",
		"user_id":         "user-1",
		"content":         "hello",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("submission to a missing conversation should produce a tool error")
	}
}

func TestMCPListConversations(t *testing.T) {
	env, deps := newMCPTestEnv(t)
	env.createConversation(t, "user-1", map[string]any{"title": "one"})
	env.createConversation(t, "user-1", map[string]any{"title": "two"})
	env.createConversation(t, "user-2", map[string]any{"title": "other"})

	handler := mcpListConversations(deps)
	result, err := handler(context.Background(), makeCallToolRequest("list_conversations", map[string]interface{}{
		"user_id": "user-1",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var convs []conversationJSON
	if err := json.Unmarshal([]byte(toolText(t, result)), &convs); err != nil {
		t.Fatalf("decoding conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Errorf("listed %d conversations, want 2", len(convs))
	}
}

func TestMCPUsageStats(t *testing.T) {
	env, deps := newMCPTestEnv(t)
	conv := env.createConversation(t, "user-1", nil)
	env.finish()

	send := mcpSendMessage(deps)
	if _, err := send(context.Background(), makeCallToolRequest("send_message", map[string]interface{}{
		"conversation_id": conv.ID,
		"user_id":         "user-1",
		"content":         "hello",
	})); err != nil {
		t.Fatalf("send_message: %v", err)
	}

	handler := mcpUsageStats(deps)
	result, err := handler(context.Background(), makeCallToolRequest("usage_stats", map[string]interface{}{
		"user_id": "user-1",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var standing ratelimit.Standing
	if err := json.Unmarshal([]byte(toolText(t, result)), &standing); err != nil {
		t.Fatalf("decoding standing: %v", err)
	}
	if standing.PerMinute.Used != 1 {
		t.Errorf("per_minute used = %d, want 1", standing.PerMinute.Used)
	}
}

func TestNewMCPServerRegistersTools(t *testing.T) {
	_, deps := newMCPTestEnv(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
