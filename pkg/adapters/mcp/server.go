package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aretw0/weft/internal/logging"
	"github.com/aretw0/weft/pkg/domain"
)

const runURIPrefix = "weft://runs/"

// Engine defines what the MCP server needs from the engine.
type Engine interface {
	Resume(ctx context.Context, correlatorID string, payload any) (bool, error)
	Cancel(ctx context.Context, runID string) error
	Status(ctx context.Context, runID string) (*domain.RunRecord, error)
	Waiting(ctx context.Context, runID string) ([]*domain.Continuation, error)
}

type ResumeArgs struct {
	CorrelatorID string `json:"correlator_id"`
	Payload      string `json:"payload"`
}

type ResumeResult struct {
	Resumed bool `json:"resumed" jsonschema_description:"False when the correlator id was unknown, expired or already used"`
}

type RunArgs struct {
	RunID string `json:"run_id"`
}

type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

type WaitingResult struct {
	Continuations []*domain.Continuation `json:"continuations"`
}

// Server exposes resume and run inspection as MCP tools.
type Server struct {
	engine    Engine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

type Option func(*Server)

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(engine Engine, version string, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		logger:    logging.NewNop(),
		mcpServer: server.NewMCPServer("weft-mcp", version),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves MCP over SSE on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))
	httpServer := &http.Server{Addr: addr, Handler: mux}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
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

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("resume",
		mcp.WithDescription("Deliver a reply to a node waiting on a correlator id."),
		mcp.WithString("correlator_id", mcp.Required(), mcp.Description("Correlator id carried by the prompt")),
		mcp.WithString("payload", mcp.Description("Reply; parsed as JSON when valid, otherwise sent as text")),
		mcp.WithOutputSchema[ResumeResult](),
	), mcp.NewStructuredToolHandler(s.handleResume))

	s.mcpServer.AddTool(mcp.NewTool("cancel_run",
		mcp.WithDescription("Cancel a run. Its open waits are discarded."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
		mcp.WithOutputSchema[CancelResult](),
	), mcp.NewStructuredToolHandler(s.handleCancel))

	s.mcpServer.AddTool(mcp.NewTool("run_status",
		mcp.WithDescription("Get the status and per-node state of a run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
		mcp.WithOutputSchema[domain.RunRecord](),
	), mcp.NewStructuredToolHandler(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("list_waiting",
		mcp.WithDescription("List the prompts a run is waiting on."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
		mcp.WithOutputSchema[WaitingResult](),
	), mcp.NewStructuredToolHandler(s.handleWaiting))
}

func (s *Server) handleResume(ctx context.Context, _ mcp.CallToolRequest, args ResumeArgs) (ResumeResult, error) {
	if args.CorrelatorID == "" {
		return ResumeResult{}, errors.New("correlator_id is required")
	}
	ok, err := s.engine.Resume(ctx, args.CorrelatorID, decodePayload(args.Payload))
	if err != nil {
		s.logger.Error("MCP resume failed", "correlator_id", args.CorrelatorID, "err", err)
		return ResumeResult{}, fmt.Errorf("resume failed: %w", err)
	}
	return ResumeResult{Resumed: ok}, nil
}

func (s *Server) handleCancel(ctx context.Context, _ mcp.CallToolRequest, args RunArgs) (CancelResult, error) {
	if err := s.engine.Cancel(ctx, args.RunID); err != nil {
		return CancelResult{}, fmt.Errorf("cancel failed: %w", err)
	}
	return CancelResult{Cancelled: true}, nil
}

func (s *Server) handleStatus(ctx context.Context, _ mcp.CallToolRequest, args RunArgs) (domain.RunRecord, error) {
	rec, err := s.engine.Status(ctx, args.RunID)
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("status failed: %w", err)
	}
	return *rec, nil
}

func (s *Server) handleWaiting(ctx context.Context, _ mcp.CallToolRequest, args RunArgs) (WaitingResult, error) {
	conts, err := s.engine.Waiting(ctx, args.RunID)
	if err != nil {
		return WaitingResult{}, fmt.Errorf("listing waits failed: %w", err)
	}
	if conts == nil {
		conts = []*domain.Continuation{}
	}
	return WaitingResult{Continuations: conts}, nil
}

// decodePayload keeps structured replies structured: "true" is a bool and
// {"a":1} an object, anything that is not JSON stays a string.
func decodePayload(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func (s *Server) registerResources() {
	s.mcpServer.AddResourceTemplate(mcp.NewResourceTemplate(runURIPrefix+"{id}", "Run snapshot",
		mcp.WithTemplateMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		uri := request.Params.URI
		runID := strings.TrimPrefix(uri, runURIPrefix)
		rec, err := s.engine.Status(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to load run: %w", err)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}
