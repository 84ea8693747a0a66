// Package mcpserver exposes the approvement engine as Model Context
// Protocol tools, so an agent can request human sign-off and poll for the
// verdict.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/quorum/internal/approvement"
	"github.com/jkaninda/quorum/internal/domain"
)

// Engine is the part of the approvement engine the tools drive.
type Engine interface {
	Topics() []domain.Topic
	Create(ctx context.Context, topic string, data map[string]any) (domain.Snapshot, error)
	Get(ctx context.Context, topic, id string) (domain.Snapshot, error)
}

// Server holds the tool handlers.
type Server struct {
	engine  Engine
	version string
	logger  *slog.Logger
}

// New creates the tool handlers for engine.
func New(engine Engine, version string, logger *slog.Logger) *Server {
	return &Server{engine: engine, version: version, logger: logger}
}

// MCPServer builds an MCP server with every tool registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("quorum", s.version, server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("list_topics",
		mcp.WithDescription("List the approvement topics with their vote threshold and timeout."),
	), s.listTopics)

	srv.AddTool(mcp.NewTool("create_approvement",
		mcp.WithDescription("Post a new approvement to the chats bound to a topic and return its id."),
		mcp.WithString("topic", mcp.Required(), mcp.Description("Topic name")),
		mcp.WithObject("data", mcp.Description("Values rendered into the approval message template")),
	), s.createApprovement)

	srv.AddTool(mcp.NewTool("get_approvement",
		mcp.WithDescription("Get the status (PENDING, APPROVED, REFUSED, EXPIRED) and voters of an approvement."),
		mcp.WithString("topic", mcp.Required(), mcp.Description("Topic name")),
		mcp.WithString("approvement_id", mcp.Required(), mcp.Description("Approvement id returned by create_approvement")),
	), s.getApprovement)

	return srv
}

// ServeStdio serves the tools over stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.MCPServer())
}

type topicResult struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	RequireVotes  int    `json:"requireVotes"`
	ExpireTimeout int64  `json:"expireTimeout"`
}

type approvementResult struct {
	ApprovementID string            `json:"approvementId"`
	Topic         string            `json:"topic"`
	RequireVotes  int               `json:"requireVotes"`
	ExpireAt      time.Time         `json:"expireAt"`
	Status        string            `json:"status"`
	ApprovedBy    []domain.Approver `json:"approvedBy"`
	RefuseBy      domain.Approver   `json:"refuseBy"`
}

func (s *Server) listTopics(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topics := s.engine.Topics()
	out := make([]topicResult, 0, len(topics))
	for _, t := range topics {
		out = append(out, topicResult{
			Name:          t.Name,
			Description:   t.Description,
			RequireVotes:  t.RequireVotes,
			ExpireTimeout: int64(t.ExpireTimeout / time.Second),
		})
	}
	return jsonResult(out)
}

func (s *Server) createApprovement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic, err := req.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := renderData(req.GetArguments()["data"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	snap, err := s.engine.Create(ctx, topic, data)
	if err != nil {
		return s.toolError("create_approvement", err), nil
	}
	s.logger.Info("mcp approvement created",
		slog.String("approvement_id", snap.ID),
		slog.String("topic", topic),
	)
	return jsonResult(map[string]string{"approvementId": snap.ID})
}

func (s *Server) getApprovement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic, err := req.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("approvement_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	snap, err := s.engine.Get(ctx, topic, id)
	if err != nil {
		return s.toolError("get_approvement", err), nil
	}
	approvedBy := snap.ApprovedBy
	if approvedBy == nil {
		approvedBy = []domain.Approver{}
	}
	return jsonResult(approvementResult{
		ApprovementID: snap.ID,
		Topic:         snap.Topic.Name,
		RequireVotes:  snap.Topic.RequireVotes,
		ExpireAt:      snap.ExpireAt.UTC(),
		Status:        snap.Status.String(),
		ApprovedBy:    approvedBy,
		RefuseBy:      snap.RefusedBy,
	})
}

// toolError reports caller mistakes verbatim and hides everything else.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, approvement.ErrNoSuchApprovement),
		errors.Is(err, approvement.ErrUnknownTopic),
		errors.Is(err, approvement.ErrInvalidRenderData):
		return mcp.NewToolResultError(err.Error())
	}
	s.logger.Error("mcp tool failed", slog.String("tool", tool), slog.String("error", err.Error()))
	return mcp.NewToolResultError("internal error")
}

// renderData accepts the data argument either as an object or as a JSON
// string holding one. A missing argument is an empty object.
func renderData(arg any) (map[string]any, error) {
	switch v := arg.(type) {
	case nil:
		return map[string]any{}, nil
	case string:
		return approvement.DecodeRenderData(bytes.NewReader([]byte(v)))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", approvement.ErrInvalidRenderData, err)
		}
		return approvement.DecodeRenderData(bytes.NewReader(b))
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}
