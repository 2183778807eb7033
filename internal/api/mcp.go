package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/clipwatch/internal/session"
	"github.com/kalambet/clipwatch/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Sessions Sessions
	Clips    ClipStore
	Uploads  Uploads
}

// NewMCPServer creates an MCP server exposing clipwatch operator tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"clipwatch",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("clipwatch: on-device motion and audio clip capture. Inspect status, list clips, flush uploads and stop the session."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_status",
			mcp.WithDescription("Return the current session, recorder state, benchmark and clip upload counts."),
		),
		mcpGetStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_clips",
			mcp.WithDescription("List stored clips, oldest first."),
			mcp.WithString("session_id", mcp.Description("Only clips of this session")),
			mcp.WithBoolean("pending", mcp.Description("Only clips not yet uploaded")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of clips (default 20)")),
		),
		mcpListClips(deps),
	)

	s.AddTool(
		mcp.NewTool("upload_pending",
			mcp.WithDescription("Run an upload pass now and report how many clips were uploaded."),
			mcp.WithString("session_id", mcp.Description("Restrict the pass to one session")),
		),
		mcpUploadPending(deps),
	)

	s.AddTool(
		mcp.NewTool("stop_session",
			mcp.WithDescription("Stop the active session. With force, queued clips are dropped and the session's stored clips are deleted."),
			mcp.WithBoolean("force", mcp.Description("Abort instead of flushing")),
		),
		mcpStopSession(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"clipwatch://clips/pending",
			"Pending Clips",
			mcp.WithResourceDescription("Clips waiting for upload, with their retry state"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePending(deps),
	)

	return s
}

func mcpGetStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Sessions.Status())
	}
}

func mcpListClips(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		f := storage.ClipFilter{
			SessionID: req.GetString("session_id", ""),
			Limit:     limit,
		}
		if req.GetBool("pending", false) {
			uploaded := false
			f.Uploaded = &uploaded
		}

		clips, err := deps.Clips.ListClips(f)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list clips: %v", err)), nil
		}
		return mcpJSON(clipViews(clips))
	}
}

func mcpUploadPending(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Uploads.RunPass(ctx, req.GetString("session_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("upload pass failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Uploaded %d of %d pending clips (%d rescheduled, %d recovered after retry)",
			res.Uploaded, res.Scanned, res.Rescheduled, res.Recovered)), nil
	}
}

func mcpStopSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stop := deps.Sessions.Stop
		if req.GetBool("force", false) {
			stop = deps.Sessions.ForceStop
		}
		info, err := stop(ctx)
		if errors.Is(err, session.ErrNotActive) {
			return mcpError("no active session"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to stop session: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stopped session %s", info.SessionID)), nil
	}
}

func mcpResourcePending(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		uploaded := false
		clips, err := deps.Clips.ListClips(storage.ClipFilter{Uploaded: &uploaded, Limit: 100})
		if err != nil {
			return nil, fmt.Errorf("failed to list pending clips: %w", err)
		}

		b, err := json.Marshal(clipViews(clips))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal clips: %w", err)
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
	b, err := json.MarshalIndent(v, "", "  ")
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
