package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/obdbot/internal/diagnose"
	"github.com/kalambet/obdbot/internal/refdata"
)

// NewMCPServer creates an MCP server exposing code lookup and complaint
// diagnosis as tools, and the code table as a resource.
func NewMCPServer(src AppSource, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"obdbot",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("obdbot explains OBD-II trouble codes and maps free-text car complaints to likely issues."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("lookup_code",
			mcp.WithDescription("Look up an OBD-II trouble code such as P0300. Four digits alone are treated as a P code."),
			mcp.WithString("code", mcp.Description("Trouble code"), mcp.Required()),
		),
		mcpLookupCode(src),
	)

	s.AddTool(
		mcp.NewTool("search_codes",
			mcp.WithDescription("Find trouble codes whose description contains a keyword, optionally filtered by severity."),
			mcp.WithString("keyword", mcp.Description("Keyword to search for in code descriptions")),
			mcp.WithString("severity", mcp.Description("Severity filter: low, medium or high")),
		),
		mcpSearchCodes(src),
	)

	s.AddTool(
		mcp.NewTool("random_code",
			mcp.WithDescription("Return a random trouble code with its main causes."),
		),
		mcpRandomCode(src),
	)

	s.AddTool(
		mcp.NewTool("diagnose",
			mcp.WithDescription("Answer a trouble code or a free-text description of a car problem."),
			mcp.WithString("text", mcp.Description("Trouble code or complaint"), mcp.Required()),
			mcp.WithNumber("alternatives", mcp.Description("Number of alternative complaint matches to include (default 0)")),
		),
		mcpDiagnose(src),
	)

	s.AddResource(
		mcp.NewResource(
			"obd://codes",
			"Trouble Codes",
			mcp.WithResourceDescription("All known trouble codes with descriptions as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCodes(src),
	)

	return s
}

func mcpLookupCode(src AppSource) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		code, err := req.RequireString("code")
		if err != nil {
			return mcpError("code is required"), nil
		}
		a, err := src.Wait(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("not ready: %v", err)), nil
		}

		e, ok := a.Store.LookupCode(code)
		if !ok {
			return mcpError(a.Formatter.Format(diagnose.Resolution{
				Kind: diagnose.KindCodeNotFound,
				Code: refdata.CodeEntry{Code: refdata.NormalizeCode(code)},
			})), nil
		}
		return mcpJSON(e)
	}
}

func mcpSearchCodes(src AppSource) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		keyword := req.GetString("keyword", "")
		sev := req.GetString("severity", "")
		if keyword == "" && sev == "" {
			return mcpError("keyword or severity is required"), nil
		}
		if sev != "" {
			if _, ok := refdata.ParseSeverity(sev); !ok {
				return mcpError(fmt.Sprintf("unknown severity %q", sev)), nil
			}
		}
		a, err := src.Wait(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("not ready: %v", err)), nil
		}
		return mcpJSON(listCodes(a.Store, keyword, sev))
	}
}

func mcpRandomCode(src AppSource) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, err := src.Wait(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("not ready: %v", err)), nil
		}
		return mcpText(a.Formatter.FormatRandom(a.Store.Random(nil))), nil
	}
}

func mcpDiagnose(src AppSource) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		a, err := src.Wait(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("not ready: %v", err)), nil
		}

		resp, err := resolve(ctx, a, ResolveRequest{Text: text, Alternatives: req.GetInt("alternatives", 0)})
		if err != nil {
			if errors.Is(err, diagnose.ErrEmptyQuery) {
				return mcpError("text must not be empty"), nil
			}
			return mcpError(fmt.Sprintf("diagnose failed: %v", err)), nil
		}
		return mcpJSON(resp)
	}
}

func mcpResourceCodes(src AppSource) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		a, err := src.Wait(ctx)
		if err != nil {
			return nil, fmt.Errorf("not ready: %w", err)
		}

		b, err := json.Marshal(listCodes(a.Store, "", ""))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal codes: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
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
