package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aretw0/dialtone/internal/logging"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/flow"
	"github.com/aretw0/dialtone/pkg/ports"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// FlowCatalog is the read side of the flow store. *flow.Store satisfies it.
type FlowCatalog interface {
	Get(ctx context.Context, id string, version int) (*domain.FlowDefinition, error)
	List(ctx context.Context) []domain.FlowRef
	Versions(ctx context.Context, id string) ([]int, error)
}

// SessionArgs selects one call.
type SessionArgs struct {
	CallID string `json:"call_id"`
}

// TranscriptArgs pages through one call transcript.
type TranscriptArgs struct {
	CallID string `json:"call_id"`
	After  int64  `json:"after,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ListSessionsArgs filters the session listing.
type ListSessionsArgs struct {
	Status string `json:"status,omitempty"`
	FlowID string `json:"flow_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// SessionResponse wraps a session snapshot.
type SessionResponse struct {
	Session *domain.Session `json:"session" jsonschema_description:"The stored session snapshot"`
}

// TranscriptResponse is one page of entries.
type TranscriptResponse struct {
	CallID    string                   `json:"call_id"`
	Entries   []domain.TranscriptEntry `json:"entries" jsonschema_description:"Entries in seq order"`
	NextAfter int64                    `json:"next_after,omitempty" jsonschema_description:"Cursor for the next page, absent on the last page"`
}

// SessionsResponse lists sessions.
type SessionsResponse struct {
	Sessions []*domain.Session `json:"sessions"`
}

// FlowsResponse lists the latest version of every flow.
type FlowsResponse struct {
	Flows []domain.FlowRef `json:"flows"`
}

// Server exposes sessions, transcripts and flows as read-only MCP tools.
type Server struct {
	store     ports.SessionStore
	flows     FlowCatalog
	version   string
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// Option configures the Server.
type Option func(*Server)

// WithVersion sets the version announced to clients.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(store ports.SessionStore, flows FlowCatalog, opts ...Option) *Server {
	s := &Server{
		store:   store,
		flows:   flows,
		version: "dev",
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mcpServer = server.NewMCPServer("dialtone-mcp", s.version)
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves on addr until ctx ends.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP Server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Get the stored state of a call: current node, status, context and last seq."),
		mcp.WithString("call_id", mcp.Required(), mcp.Description("Call identifier")),
		mcp.WithOutputSchema[SessionResponse](),
	), mcp.NewStructuredToolHandler(s.handleGetSession))

	s.mcpServer.AddTool(mcp.NewTool("get_transcript",
		mcp.WithDescription("Read a page of a call transcript in seq order."),
		mcp.WithString("call_id", mcp.Required(), mcp.Description("Call identifier")),
		mcp.WithNumber("after", mcp.Description("Return entries with seq greater than this cursor")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 100)")),
		mcp.WithOutputSchema[TranscriptResponse](),
	), mcp.NewStructuredToolHandler(s.handleGetTranscript))

	s.mcpServer.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List calls, newest first."),
		mcp.WithString("status", mcp.Description("active, completed, failed or abandoned")),
		mcp.WithString("flow_id", mcp.Description("Only calls running this flow")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions (default 50)")),
		mcp.WithOutputSchema[SessionsResponse](),
	), mcp.NewStructuredToolHandler(s.handleListSessions))

	s.mcpServer.AddTool(mcp.NewTool("list_flows",
		mcp.WithDescription("List published flows with their latest version."),
		mcp.WithOutputSchema[FlowsResponse](),
	), mcp.NewStructuredToolHandler(s.handleListFlows))

	s.mcpServer.AddTool(mcp.NewTool("get_flow",
		mcp.WithDescription("Get a flow definition in its JSON DSL form."),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("Flow identifier")),
		mcp.WithNumber("version", mcp.Description("Flow version (latest when omitted)")),
	), s.handleGetFlow)
}

func (s *Server) handleGetSession(ctx context.Context, _ mcp.CallToolRequest, args SessionArgs) (SessionResponse, error) {
	if args.CallID == "" {
		return SessionResponse{}, fmt.Errorf("call_id is required")
	}
	sess, err := s.store.GetSession(ctx, args.CallID)
	if err != nil {
		return SessionResponse{}, err
	}
	return SessionResponse{Session: sess}, nil
}

func (s *Server) handleGetTranscript(ctx context.Context, _ mcp.CallToolRequest, args TranscriptArgs) (TranscriptResponse, error) {
	if args.CallID == "" {
		return TranscriptResponse{}, fmt.Errorf("call_id is required")
	}
	q := ports.TranscriptQuery{AfterSeq: args.After, Limit: args.Limit}
	entries, err := s.store.QueryTranscript(ctx, args.CallID, q)
	if err != nil {
		return TranscriptResponse{}, err
	}
	resp := TranscriptResponse{CallID: args.CallID, Entries: entries}
	if len(entries) > 0 && len(entries) == q.PageLimit() {
		resp.NextAfter = entries[len(entries)-1].Seq
	}
	return resp, nil
}

func (s *Server) handleListSessions(ctx context.Context, _ mcp.CallToolRequest, args ListSessionsArgs) (SessionsResponse, error) {
	f := ports.SessionFilter{
		Status: domain.SessionStatus(args.Status),
		FlowID: args.FlowID,
		Limit:  args.Limit,
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	list, err := s.store.ListSessions(ctx, f)
	if err != nil {
		return SessionsResponse{}, err
	}
	return SessionsResponse{Sessions: list}, nil
}

func (s *Server) handleListFlows(ctx context.Context, _ mcp.CallToolRequest, _ struct{}) (FlowsResponse, error) {
	return FlowsResponse{Flows: s.flows.List(ctx)}, nil
}

// handleGetFlow returns the DSL text rather than a structured value so the
// document reads exactly as it would be published.
func (s *Server) handleGetFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	def, err := s.flows.Get(ctx, id, request.GetInt("version", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get flow: %v", err)), nil
	}
	data, err := flow.Encode(def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode flow: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource("dialtone://flows", "Published flows",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		data, err := json.Marshal(FlowsResponse{Flows: s.flows.List(ctx)})
		if err != nil {
			return nil, fmt.Errorf("encode flows: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "dialtone://flows",
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
