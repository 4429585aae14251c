package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/leadbot/internal/analytics"
	"github.com/kalambet/leadbot/internal/clients"
	"github.com/kalambet/leadbot/internal/profile"
	"github.com/kalambet/leadbot/internal/retrieval"
)

// KnowledgeSearcher abstracts semantic search over a client's knowledge base.
type KnowledgeSearcher interface {
	Retrieve(ctx context.Context, namespace, query string, topK int) ([]retrieval.ContextChunk, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Clients   *clients.Manager
	Profiles  *profile.Store
	Analytics *analytics.Service
	Knowledge KnowledgeSearcher // optional; if nil, search_knowledge returns an error
}

// NewMCPServer creates an MCP server with all leadbot tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"leadbot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("leadbot: lead analytics, customer profiles and knowledge-base search for each client."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("client_analytics",
			mcp.WithDescription("Audience overview, lead qualification funnel and conversion rate of a client."),
			mcp.WithString("client_id", mcp.Description("Client identifier"), mcp.Required()),
		),
		mcpClientAnalytics(deps),
	)

	s.AddTool(
		mcp.NewTool("user_segments",
			mcp.WithDescription("Phone numbers of a client's users bucketed into high value, need nurturing, at risk and new."),
			mcp.WithString("client_id", mcp.Description("Client identifier"), mcp.Required()),
		),
		mcpUserSegments(deps),
	)

	s.AddTool(
		mcp.NewTool("get_user_profile",
			mcp.WithDescription("Lead score, qualification status, interests and recent conversation of one user."),
			mcp.WithString("client_id", mcp.Description("Client identifier"), mcp.Required()),
			mcp.WithString("phone", mcp.Description("User phone number in E.164 form"), mcp.Required()),
		),
		mcpGetUserProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Semantically search a client's knowledge base and return the most relevant chunks."),
			mcp.WithString("client_id", mcp.Description("Client identifier"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchKnowledge(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"clients://list",
			"Clients",
			mcp.WithResourceDescription("Settings of every registered client as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceClients(deps),
	)

	return s
}

func mcpClientAnalytics(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		clientID, err := req.RequireString("client_id")
		if err != nil {
			return mcpError("client_id is required"), nil
		}
		return mcpJSON(deps.Analytics.ClientReport(clientID)), nil
	}
}

func mcpUserSegments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		clientID, err := req.RequireString("client_id")
		if err != nil {
			return mcpError("client_id is required"), nil
		}
		return mcpJSON(deps.Analytics.ClientSegments(clientID)), nil
	}
}

func mcpGetUserProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		clientID, err := req.RequireString("client_id")
		if err != nil {
			return mcpError("client_id is required"), nil
		}
		phone, err := req.RequireString("phone")
		if err != nil {
			return mcpError("phone is required"), nil
		}

		p, err := deps.Profiles.Get(clientID, phone)
		if errors.Is(err, profile.ErrNotFound) {
			return mcpError(fmt.Sprintf("no profile for %s in client %s", phone, clientID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get profile: %v", err)), nil
		}
		return mcpJSON(p), nil
	}
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Knowledge == nil {
			return mcpError("knowledge search not available: no embedding backend configured"), nil
		}
		clientID, err := req.RequireString("client_id")
		if err != nil {
			return mcpError("client_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		chunks, err := deps.Knowledge.Retrieve(ctx, clientID, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			ID         string   `json:"id"`
			DocumentID string   `json:"document_id"`
			Text       string   `json:"text"`
			Score      float32  `json:"score"`
			Tags       []string `json:"tags,omitempty"`
		}

		results := make([]chunkResult, len(chunks))
		for i, c := range chunks {
			results[i] = chunkResult{
				ID:         c.ID,
				DocumentID: c.DocumentID,
				Text:       c.Text,
				Score:      c.Score,
				Tags:       c.Tags,
			}
		}
		return mcpJSON(results), nil
	}
}

func mcpResourceClients(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Clients.List())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal clients: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
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
