// Package mcp exposes journey administration to MCP clients (AI agents and
// IDEs) as tools and resources.
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

	"github.com/aretw0/itinerary"
	"github.com/aretw0/itinerary/internal/logging"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/graph"
	"github.com/aretw0/itinerary/pkg/scheduler"
)

const journeysURI = "itinerary://journeys"

// Engine defines what the MCP server needs from itinerary.Engine.
type Engine interface {
	Journey(ctx context.Context, journeyID string) (*domain.Journey, error)
	Journeys(ctx context.Context) ([]domain.Journey, error)
	Status(ctx context.Context, journeyID string) (*itinerary.Status, error)
	Tick(ctx context.Context, req scheduler.TickRequest) (*scheduler.TickReport, error)
}

var _ Engine = (*itinerary.Engine)(nil)

// ValidateResponse is the result of validate_journey.
type ValidateResponse struct {
	Valid     bool                 `json:"valid" jsonschema_description:"True when the graph may be published"`
	Violation domain.ViolationKind `json:"violation,omitempty" jsonschema_description:"The first rule the graph breaks"`
	ID        string               `json:"id,omitempty" jsonschema_description:"Offending node or edge id"`
	Message   string               `json:"message,omitempty"`
	Nodes     int                  `json:"nodes"`
	Edges     int                  `json:"edges"`
}

type validateArgs struct {
	JourneyID string `json:"journey_id"`
	Document  string `json:"document"`
}

type statusArgs struct {
	JourneyID string `json:"journey_id"`
}

type tickArgs struct {
	JourneyID string `json:"journey_id"`
	Now       string `json:"now"`
	Limit     int    `json:"limit"`
}

// Server wraps the Engine and exposes it as an MCP Server.
type Server struct {
	engine    Engine
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		mcpServer: server.NewMCPServer("itinerary-mcp", strings.TrimSpace(itinerary.Version)),
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves MCP over SSE on addr until ctx is canceled.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	baseURL := "http://localhost" + addr
	if !strings.HasPrefix(addr, ":") {
		baseURL = "http://" + addr
	}
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP server listening (SSE)", "address", addr)
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

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("validate_journey",
		mcp.WithDescription("Validate a journey graph. Pass a stored journey_id or an inline YAML/JSON graph document."),
		mcp.WithString("journey_id", mcp.Description("ID of a stored journey")),
		mcp.WithString("document", mcp.Description("Graph document with nodes and edges (YAML or JSON)")),
		mcp.WithOutputSchema[ValidateResponse](),
	), mcp.NewStructuredToolHandler(s.handleValidate))

	s.mcpServer.AddTool(mcp.NewTool("journey_status",
		mcp.WithDescription("Summarize a journey: lifecycle status, counters and prospects per node."),
		mcp.WithString("journey_id", mcp.Required(), mcp.Description("Journey ID")),
		mcp.WithOutputSchema[itinerary.Status](),
	), mcp.NewStructuredToolHandler(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("preview_tick",
		mcp.WithDescription("Dry-run one scheduler tick: report what would be sent or advanced without writing anything."),
		mcp.WithString("journey_id", mcp.Description("Limit to one journey (default: all)")),
		mcp.WithString("now", mcp.Description("Evaluate as of this RFC 3339 instant (default: now)")),
		mcp.WithNumber("limit", mcp.Description("Maximum prospects to consider")),
		mcp.WithOutputSchema[scheduler.TickReport](),
	), mcp.NewStructuredToolHandler(s.handlePreview))

	s.mcpServer.AddTool(mcp.NewTool("run_tick",
		mcp.WithDescription("Run one scheduler tick: deliver due email and advance prospects."),
		mcp.WithString("journey_id", mcp.Description("Limit to one journey (default: all)")),
		mcp.WithNumber("limit", mcp.Description("Maximum prospects to process")),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithOutputSchema[scheduler.TickReport](),
	), mcp.NewStructuredToolHandler(s.handleRun))
}

func (s *Server) handleValidate(ctx context.Context, _ mcp.CallToolRequest, args validateArgs) (ValidateResponse, error) {
	var g domain.Graph
	switch {
	case args.Document != "":
		_, parsed, err := graph.ParseDocument([]byte(args.Document))
		if err != nil {
			return ValidateResponse{}, err
		}
		g = parsed
	case args.JourneyID != "":
		j, err := s.engine.Journey(ctx, args.JourneyID)
		if err != nil {
			return ValidateResponse{}, err
		}
		g = j.Graph
	default:
		return ValidateResponse{}, errors.New("journey_id or document is required")
	}

	res := ValidateResponse{Valid: true, Nodes: len(g.Nodes), Edges: len(g.Edges)}
	if v := graph.Validate(g.Nodes, g.Edges).Violation; v != nil {
		res.Valid = false
		res.Violation = v.Violation
		res.ID = v.ID
		res.Message = v.Message
	}
	return res, nil
}

func (s *Server) handleStatus(ctx context.Context, _ mcp.CallToolRequest, args statusArgs) (itinerary.Status, error) {
	if args.JourneyID == "" {
		return itinerary.Status{}, errors.New("journey_id is required")
	}
	st, err := s.engine.Status(ctx, args.JourneyID)
	if err != nil {
		return itinerary.Status{}, err
	}
	return *st, nil
}

func (s *Server) handlePreview(ctx context.Context, _ mcp.CallToolRequest, args tickArgs) (scheduler.TickReport, error) {
	req := scheduler.TickRequest{JourneyID: args.JourneyID, Limit: args.Limit, DryRun: true}
	if args.Now != "" {
		at, err := time.Parse(time.RFC3339, args.Now)
		if err != nil {
			return scheduler.TickReport{}, fmt.Errorf("now: %w", err)
		}
		req.Now = at
	}
	return s.tick(ctx, req)
}

func (s *Server) handleRun(ctx context.Context, _ mcp.CallToolRequest, args tickArgs) (scheduler.TickReport, error) {
	return s.tick(ctx, scheduler.TickRequest{JourneyID: args.JourneyID, Limit: args.Limit})
}

func (s *Server) tick(ctx context.Context, req scheduler.TickRequest) (scheduler.TickReport, error) {
	if req.JourneyID != "" {
		if _, err := s.engine.Journey(ctx, req.JourneyID); err != nil {
			return scheduler.TickReport{}, err
		}
	}
	report, err := s.engine.Tick(ctx, req)
	if err != nil {
		return scheduler.TickReport{}, err
	}
	s.logger.Info("MCP tick",
		"journey_id", req.JourneyID,
		"dry_run", req.DryRun,
		"selected", report.Selected,
	)
	return *report, nil
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(journeysURI, "Journeys",
		mcp.WithResourceDescription("Every journey with its status, graph and counters"),
		mcp.WithMIMEType("application/json"),
	), s.readJourneys)

	s.mcpServer.AddResourceTemplate(mcp.NewResourceTemplate(journeysURI+"/{id}", "Journey",
		mcp.WithTemplateDescription("One journey including its prospects"),
		mcp.WithTemplateMIMEType("application/json"),
	), s.readJourney)
}

func (s *Server) readJourneys(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	journeys, err := s.engine.Journeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list journeys: %w", err)
	}
	if journeys == nil {
		journeys = []domain.Journey{}
	}
	return jsonContents(journeysURI, journeys)
}

func (s *Server) readJourney(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	id := strings.TrimPrefix(uri, journeysURI+"/")
	if id == "" || id == uri {
		return nil, fmt.Errorf("invalid journey resource %q", uri)
	}
	j, err := s.engine.Journey(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonContents(uri, j)
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(raw),
		},
	}, nil
}
