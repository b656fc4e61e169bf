package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/skimlab/arxival/internal/kb"
)

// MCPDeps holds dependencies for the MCP server. It reuses the HTTP
// layer's interfaces so tools and endpoints cannot drift apart.
type MCPDeps struct {
	KB KnowledgeBase
	QA Answerer
}

// NewMCPServer creates an MCP server exposing the knowledge base to
// agent clients over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"arxival",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("arxival — local arXiv knowledge base with grounded question answering."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_papers",
			mcp.WithDescription("Search the local arXiv knowledge base. Falls back to the live arXiv API when nothing cached matches."),
			mcp.WithString("query", mcp.Description("Free-text search query"), mcp.Required()),
			mcp.WithArray("categories", mcp.Description("Optional arXiv category filter, e.g. [\"cs.AI\"]")),
			mcp.WithNumber("max_results", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchPapers(deps),
	)

	s.AddTool(
		mcp.NewTool("get_paper",
			mcp.WithDescription("Fetch one paper by its arXiv ID, from cache or upstream."),
			mcp.WithString("arxiv_id", mcp.Description("arXiv identifier, e.g. 2401.00001"), mcp.Required()),
		),
		mcpGetPaper(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_question",
			mcp.WithDescription("Answer a question grounded in cached papers, with citations and a confidence score."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithNumber("context_limit", mcp.Description("How many papers to use as context (default 5)")),
		),
		mcpAskQuestion(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"arxival://stats",
			"Knowledge Base Stats",
			mcp.WithResourceDescription("Paper counts, per-category breakdown, and last update time"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpSearchPapers(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("max_results", 10)
		categories := req.GetStringSlice("categories", nil)

		res, err := deps.KB.SearchPapers(ctx, kb.SearchQuery{
			Text:       query,
			Categories: categories,
			MaxResults: limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type paperResult struct {
			ArxivID   string   `json:"arxiv_id"`
			Title     string   `json:"title"`
			Authors   []string `json:"authors"`
			Abstract  string   `json:"abstract"`
			Published string   `json:"published"`
			Score     float64  `json:"score"`
		}
		results := make([]paperResult, len(res.Papers))
		for i, p := range res.Papers {
			results[i] = paperResult{
				ArxivID:   p.ArxivID,
				Title:     p.Title,
				Authors:   p.Authors,
				Abstract:  p.Abstract,
				Published: p.Published.Format("2006-01-02"),
				Score:     p.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetPaper(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		arxivID, err := req.RequireString("arxiv_id")
		if err != nil {
			return mcpError("arxiv_id is required"), nil
		}

		p, err := deps.KB.GetPaper(ctx, arxivID)
		if err != nil {
			return mcpError(fmt.Sprintf("get paper failed: %v", err)), nil
		}

		b, err := json.Marshal(p)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal paper: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAskQuestion(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		limit := req.GetInt("context_limit", 0)

		resp, err := deps.QA.Answer(ctx, question, limit, true)
		if err != nil {
			return mcpError(fmt.Sprintf("answering failed: %v", err)), nil
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.KB.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get stats: %w", err)
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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
