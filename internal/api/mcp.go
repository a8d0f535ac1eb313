package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/bigmem/internal/syncer"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Settings *syncer.Set
	History  HistoryStore // optional; if nil, settings://history is empty
	Version  string
}

// NewMCPServer creates an MCP server with all bigmem tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"bigmem",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("bigmem: read and change kernel memory settings with verified writes."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_settings",
			mcp.WithDescription("List managed kernel settings with their kernel and stored values."),
		),
		mcpListSettings(deps),
	)

	s.AddTool(
		mcp.NewTool("apply_setting",
			mcp.WithDescription("Write a value to a kernel setting and verify it by reading it back."),
			mcp.WithString("key", mcp.Description("Setting key (e.g. bigmem)"), mcp.Required()),
			mcp.WithString("value", mcp.Description("Value to write"), mcp.Required()),
			mcp.WithNumber("max_attempts", mcp.Description("Write attempts before giving up on a mismatch (default 1, max 10)")),
		),
		mcpApplySetting(deps),
	)

	s.AddTool(
		mcp.NewTool("restore_setting",
			mcp.WithDescription("Copy the kernel's current value of a setting into the stored preference."),
			mcp.WithString("key", mcp.Description("Setting key (e.g. bigmem)"), mcp.Required()),
		),
		mcpRestoreSetting(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"settings://history",
			"Apply History",
			mcp.WithResourceDescription("Last 20 apply attempts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceHistory(deps),
	)

	return s
}

func mcpListSettings(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Settings.Statuses())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal settings: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpApplySetting(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		value, err := req.RequireString("value")
		if err != nil {
			return mcpError("value is required"), nil
		}

		maxAttempts := req.GetInt("max_attempts", 1)
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		if maxAttempts > 10 {
			maxAttempts = 10
		}

		s, err := deps.Settings.Get(key)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		// No one to ask over MCP: retry until the attempt budget is spent.
		retry := syncer.PrompterFunc(func(_ context.Context, m syncer.Mismatch) (syncer.Decision, error) {
			if m.Attempt < maxAttempts {
				return syncer.Retry, nil
			}
			return syncer.Decline, nil
		})

		res, err := s.ApplyInteractive(syncer.WithSource(ctx, "mcp"), value, retry)
		if err != nil {
			return mcpError(fmt.Sprintf("apply failed: %v", err)), nil
		}
		if !res.Verified {
			return mcpError(fmt.Sprintf("%s: requested %q but the kernel reports %q after %d attempt(s); the stored value now matches the kernel",
				key, value, res.Actual, res.Attempts)), nil
		}
		return mcpText(fmt.Sprintf("Set %s = %s (verified)", key, res.Actual)), nil
	}
}

func mcpRestoreSetting(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}

		s, err := deps.Settings.Get(key)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		value, err := s.Restore(syncer.WithSource(ctx, "mcp"))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return mcpError(fmt.Sprintf("restore failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored %s = %s", key, value)), nil
	}
}

func mcpResourceHistory(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		text := "[]"
		if deps.History != nil {
			records, err := deps.History.ListApplyRecords("", 20, 0)
			if err != nil {
				return nil, fmt.Errorf("failed to list history: %w", err)
			}
			if len(records) > 0 {
				b, err := json.Marshal(records)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal history: %w", err)
				}
				text = string(b)
			}
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     text,
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
