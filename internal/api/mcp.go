package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPDeps holds dependencies for the MCP server. It reuses the HTTP layer's
// interfaces: the MCP surface is a second front door to the same core.
type MCPDeps struct {
	Store      ConversationStore
	Dispatcher Submitter
	Usage      UsageReader
}

// NewMCPServer creates an MCP server exposing the chat core as tools. The
// transport is stdio; the process on the other end is trusted, so tools take
// an explicit user_id instead of a session identity.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"parley",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("parley — AI-chat orchestration: submit messages, inspect conversations, and read rate-limit standing."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Submit a user message to a conversation and start a generation. Returns the accepted user turn; the assistant reply streams to attached viewers."),
			mcp.WithString("conversation_id", mcp.Description("Target conversation id"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Acting user id"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Message text"), mcp.Required()),
		),
		mcpSendMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("list_conversations",
			mcp.WithDescription("List a user's conversations, most recent first."),
			mcp.WithString("user_id", mcp.Description("Owner user id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListConversations(deps),
	)

	s.AddTool(
		mcp.NewTool("usage_stats",
			mcp.WithDescription("Report a user's rate-limit standing across the minute/hour/day windows."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
		),
		mcpUsageStats(deps),
	)

	return s
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		turn, err := deps.Dispatcher.Submit(ctx, convID, userID, content)
		if err != nil {
			return mcpError(fmt.Sprintf("submission rejected: %v", err)), nil
		}

		b, err := json.Marshal(toTurnJSON(*turn))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal turn: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListConversations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		convs, err := deps.Store.ListConversations(userID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing conversations failed: %v", err)), nil
		}

		results := make([]conversationJSON, 0, len(convs))
		for _, c := range convs {
			results = append(results, toConversationJSON(c))
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpUsageStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		standing, err := deps.Usage.Stats(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("reading usage failed: %v", err)), nil
		}

		b, err := json.Marshal(standing)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal usage: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
