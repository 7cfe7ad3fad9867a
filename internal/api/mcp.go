package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/talesync/talesync/internal/audioaccess"
	"github.com/talesync/talesync/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Chains ChainReader
}

// NewMCPServer creates an MCP server exposing the public read surface
// as tools. The stdio transport carries no caller identity, so every
// tool sees only what an anonymous caller would: public, completed
// memories.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"talesync",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("talesync — recorded audio memories with transcripts, topics, and similarity chains."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_memories",
			mcp.WithDescription("Search public memory transcripts, topics, and titles."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchMemories(deps),
	)

	s.AddTool(
		mcp.NewTool("get_memory",
			mcp.WithDescription("Fetch a single public memory by id, including transcript and entities."),
			mcp.WithString("id", mcp.Description("Memory id"), mcp.Required()),
		),
		mcpGetMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_chain",
			mcp.WithDescription("List the memories linked to a public memory by transcript similarity."),
			mcp.WithString("id", mcp.Description("Memory id"), mcp.Required()),
		),
		mcpMemoryChain(deps),
	)

	return s
}

type mcpMemory struct {
	ID         string           `json:"id"`
	UserName   string           `json:"userName"`
	Title      string           `json:"title"`
	Transcript string           `json:"transcript,omitempty"`
	Topic      string           `json:"topic,omitempty"`
	Entities   storage.Entities `json:"entities"`
	CreatedAt  string           `json:"createdAt"`
}

func mcpMemoryFrom(m *storage.Memory) mcpMemory {
	return mcpMemory{
		ID:         m.ID,
		UserName:   m.UserName,
		Title:      m.Title,
		Transcript: m.Transcript,
		Topic:      m.Topic,
		Entities:   m.Entities,
		CreatedAt:  m.CreatedAt.Format("2006-01-02"),
	}
}

func mcpSearchMemories(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		found, err := deps.Store.SearchMemories(query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		results := make([]mcpMemory, 0, len(found))
		for i := range found {
			if !audioaccess.CanAccess(&found[i], "") {
				continue
			}
			results = append(results, mcpMemoryFrom(&found[i]))
		}
		if len(results) == 0 {
			return mcpText("No memories found."), nil
		}
		return mcpJSON(results)
	}
}

func mcpGetMemory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		mem, err := deps.Store.GetMemory(id)
		if err != nil || !audioaccess.CanAccess(&mem, "") {
			return mcpError("memory not found"), nil
		}
		return mcpJSON(mcpMemoryFrom(&mem))
	}
}

func mcpMemoryChain(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		mem, err := deps.Store.GetMemory(id)
		if err != nil || !audioaccess.CanAccess(&mem, "") {
			return mcpError("memory not found"), nil
		}

		related, err := deps.Chains.Related(ctx, &mem, "")
		if err != nil {
			return mcpError(fmt.Sprintf("resolving chain: %v", err)), nil
		}
		if len(related) == 0 {
			return mcpText("No linked memories."), nil
		}
		results := make([]mcpMemory, 0, len(related))
		for i := range related {
			results = append(results, mcpMemoryFrom(&related[i]))
		}
		return mcpJSON(results)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
