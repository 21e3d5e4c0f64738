// Package mcp exposes the agent as MCP tools over stdio so editor
// assistants can drive character generation.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/musekit/muse/internal/agent"
	"github.com/musekit/muse/internal/models"
	"github.com/musekit/muse/internal/skills"
	"github.com/musekit/muse/internal/tokens"
)

// Server wraps the agent and exposes it as MCP tools.
type Server struct {
	agent         *agent.Agent
	characters    *skills.CharacterSkill
	ledger        *tokens.Ledger
	defaultUserID string
}

// NewServer creates the MCP server wrapper.
func NewServer(a *agent.Agent, characters *skills.CharacterSkill, ledger *tokens.Ledger, defaultUserID string) *Server {
	return &Server{
		agent:         a,
		characters:    characters,
		ledger:        ledger,
		defaultUserID: defaultUserID,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("muse", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.chatTool())
	srv.AddTool(s.confirmTool())
	srv.AddTool(s.cancelTool())
	srv.AddTool(s.taskStatusTool())
	srv.AddTool(s.listCharactersTool())
	srv.AddTool(s.tokenBalanceTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// muse_chat
func (s *Server) chatTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muse_chat",
		mcp.WithDescription("Send a chat message to the content agent. Returns the agent's reply and, for generation requests, a pending plan that must be confirmed with muse_confirm."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The user message")),
		mcp.WithString("session_id", mcp.Description("Conversation session ID; omit to start a new session")),
		mcp.WithString("character_id", mcp.Description("Character to generate for")),
		mcp.WithString("reference_image_path", mcp.Description("URL or path of a reference image")),
		mcp.WithString("reference_image_mode", mcp.Description("How to use the reference: face_swap, pose_background, clothing_pose, or custom")),
	)
	return tool, s.handleChat
}

func (s *Server) handleChat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resp, err := s.agent.ProcessMessage(ctx, agent.ChatRequest{
		SessionID:          request.GetString("session_id", ""),
		CharacterID:        request.GetString("character_id", ""),
		UserID:             s.defaultUserID,
		Message:            message,
		ReferenceImagePath: request.GetString("reference_image_path", ""),
		ReferenceMode:      referenceMode(request.GetString("reference_image_mode", "")),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("chat failed: %v", err)), nil
	}
	return jsonResult(resp)
}

// muse_confirm
func (s *Server) confirmTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muse_confirm",
		mcp.WithDescription("Confirm or decline a pending generation plan. On approval the generation starts in the background; poll muse_task_status with the returned task ID."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation session ID")),
		mcp.WithBoolean("confirmed", mcp.Required(), mcp.Description("true to start generating, false to cancel")),
		mcp.WithString("modifications", mcp.Description("Requested changes; triggers a replan instead of generating")),
		mcp.WithString("edited_prompt", mcp.Description("Replace the optimized prompt with this text")),
	)
	return tool, s.handleConfirm
}

func (s *Server) handleConfirm(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	confirmed, err := request.RequireBool("confirmed")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resp, err := s.agent.Confirm(ctx, agent.ConfirmRequest{
		SessionID:     sessionID,
		UserID:        s.defaultUserID,
		Confirmed:     confirmed,
		Modifications: request.GetString("modifications", ""),
		EditedPrompt:  request.GetString("edited_prompt", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("confirm failed: %v", err)), nil
	}
	return jsonResult(resp)
}

// muse_cancel
func (s *Server) cancelTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muse_cancel",
		mcp.WithDescription("Cancel any pending generation or edit plan in a session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation session ID")),
	)
	return tool, s.handleCancel
}

func (s *Server) handleCancel(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resp, err := s.agent.Cancel(sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return jsonResult(resp)
}

// muse_task_status
func (s *Server) taskStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muse_task_status",
		mcp.WithDescription("Get the status of a generation task. Unknown tasks report as FAILED with stage not_found."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation session ID")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID returned by muse_confirm")),
	)
	return tool, s.handleTaskStatus
}

func (s *Server) handleTaskStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(s.agent.GetTask(sessionID, taskID))
}

// muse_list_characters
func (s *Server) listCharactersTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muse_list_characters",
		mcp.WithDescription("List all characters. Returns a JSON array with id, name, description, gender, and status."),
	)
	return tool, s.handleListCharacters
}

func (s *Server) handleListCharacters(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chars, err := s.characters.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list characters: %v", err)), nil
	}

	type characterOut struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Gender      string `json:"gender"`
		Status      string `json:"status"`
	}
	out := make([]characterOut, len(chars))
	for i, c := range chars {
		out[i] = characterOut{
			ID:          c.ID,
			Name:        c.Name,
			Description: c.Description,
			Gender:      c.Gender,
			Status:      string(c.Status),
		}
	}
	return jsonResult(out)
}

// muse_token_balance
func (s *Server) tokenBalanceTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("muse_token_balance",
		mcp.WithDescription("Get the current token balance. Image generations cost 1 token, video generations cost 2."),
	)
	return tool, s.handleTokenBalance
}

func (s *Server) handleTokenBalance(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	balance, err := s.ledger.Balance(ctx, s.defaultUserID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get balance: %v", err)), nil
	}
	return jsonResult(map[string]any{"user_id": s.defaultUserID, "balance": balance})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func referenceMode(s string) (m models.ReferenceMode) {
	m = models.ReferenceMode(s)
	if s != "" && !models.ValidReferenceMode(m) {
		return ""
	}
	return m
}
