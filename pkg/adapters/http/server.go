// Package http exposes the engine as a JSON admin API, a provider webhook
// endpoint, a live step stream (SSE) and Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aretw0/itinerary"
	"github.com/aretw0/itinerary/internal/logging"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/scheduler"
)

// maxBody caps request bodies (graph documents and contact lists).
const maxBody = 8 << 20

// Engine is the part of itinerary.Engine the server drives.
type Engine interface {
	Create(ctx context.Context, req itinerary.CreateRequest) (*domain.Journey, error)
	Import(ctx context.Context, id string, raw []byte) (*domain.Journey, error)
	Journey(ctx context.Context, journeyID string) (*domain.Journey, error)
	Journeys(ctx context.Context) ([]domain.Journey, error)
	UpdateGraph(ctx context.Context, journeyID string, g domain.Graph) error
	Publish(ctx context.Context, journeyID string, contacts []domain.Contact) (*itinerary.EnrollResult, error)
	AddProspects(ctx context.Context, journeyID string, contacts []domain.Contact) (*itinerary.EnrollResult, error)
	Pause(ctx context.Context, journeyID string) error
	Resume(ctx context.Context, journeyID string) error
	Tick(ctx context.Context, req scheduler.TickRequest) (*scheduler.TickReport, error)
	Status(ctx context.Context, journeyID string) (*itinerary.Status, error)
	RecordEngagement(ctx context.Context, e domain.Engagement) error
}

var _ Engine = (*itinerary.Engine)(nil)

// Server routes admin and webhook requests to the Engine.
type Server struct {
	Engine  Engine
	Streams *StreamManager

	router   chi.Router
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithGatherer sets the registry served on /metrics.
// Defaults to prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithStreams shares a StreamManager, typically one whose StreamHooks were
// registered on the scheduler.
func WithStreams(sm *StreamManager) Option {
	return func(s *Server) {
		if sm != nil {
			s.Streams = sm
		}
	}
}

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates the HTTP surface for engine.
func NewServer(engine Engine, opts ...Option) *Server {
	s := &Server{
		Engine:   engine,
		Streams:  NewStreamManager(),
		gatherer: prometheus.DefaultGatherer,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.getHealth)
	r.Get("/info", s.getInfo)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/journeys", func(r chi.Router) {
		r.Get("/", s.listJourneys)
		r.Post("/", s.createJourney)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getJourney)
			r.Put("/graph", s.putGraph)
			r.Post("/publish", s.publish)
			r.Post("/prospects", s.addProspects)
			r.Post("/pause", s.pause)
			r.Post("/resume", s.resume)
			r.Post("/tick", s.tick)
			r.Get("/status", s.status)
			r.Get("/events", s.subscribeEvents)
		})
	})
	r.Post("/engagements", s.recordEngagement)

	s.router = r
	return s
}

// NewHandler is NewServer for callers that only need the handler.
func NewHandler(engine Engine, opts ...Option) http.Handler {
	return NewServer(engine, opts...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hooks returns lifecycle hooks that publish scheduler steps to
// /journeys/{id}/events subscribers.
func (s *Server) Hooks() domain.LifecycleHooks {
	return StreamHooks(s.Streams)
}

// StreamHooks publishes every scheduler step to sm, keyed by journey.
// Build the StreamManager first and pass it to WithStreams when the engine
// must exist before the server.
func StreamHooks(sm *StreamManager) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStep: func(_ context.Context, e *domain.StepEvent) {
			msg := stepMessage{StepEvent: e}
			if e.Err != nil {
				msg.Error = e.Err.Error()
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				return
			}
			sm.Broadcast(e.JourneyID, string(raw))
		},
	}
}

type stepMessage struct {
	*domain.StepEvent
	Error string `json:"error,omitempty"`
}

// -- Handlers --

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"app":     "itinerary-http",
		"version": strings.TrimSpace(itinerary.Version),
	})
}

func (s *Server) listJourneys(w http.ResponseWriter, r *http.Request) {
	journeys, err := s.Engine.Journeys(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if journeys == nil {
		journeys = []domain.Journey{}
	}
	writeJSON(w, http.StatusOK, journeys)
}

// createJourney accepts either a JSON CreateRequest or, with a YAML content
// type, a graph document (?id= names the journey).
func (s *Server) createJourney(w http.ResponseWriter, r *http.Request) {
	var (
		j   *domain.Journey
		err error
	)
	if isYAML(r.Header.Get("Content-Type")) {
		raw, rerr := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if rerr != nil {
			s.badRequest(w, r, rerr)
			return
		}
		j, err = s.Engine.Import(r.Context(), r.URL.Query().Get("id"), raw)
	} else {
		var req itinerary.CreateRequest
		if derr := decode(w, r, &req); derr != nil {
			s.badRequest(w, r, derr)
			return
		}
		j, err = s.Engine.Create(r.Context(), req)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) getJourney(w http.ResponseWriter, r *http.Request) {
	j, err := s.Engine.Journey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) putGraph(w http.ResponseWriter, r *http.Request) {
	var g domain.Graph
	if err := decode(w, r, &g); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if err := s.Engine.UpdateGraph(r.Context(), chi.URLParam(r, "id"), g); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type contactsRequest struct {
	Contacts []domain.Contact `json:"contacts"`
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	var req contactsRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.badRequest(w, r, err)
			return
		}
	}
	res, err := s.Engine.Publish(r.Context(), chi.URLParam(r, "id"), req.Contacts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) addProspects(w http.ResponseWriter, r *http.Request) {
	var req contactsRequest
	if err := decode(w, r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	res, err := s.Engine.AddProspects(r.Context(), chi.URLParam(r, "id"), req.Contacts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// tick runs one batch for the journey. Query: dry_run, limit, now (RFC 3339).
func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := scheduler.TickRequest{JourneyID: chi.URLParam(r, "id")}

	if v := q.Get("dry_run"); v != "" {
		dry, err := strconv.ParseBool(v)
		if err != nil {
			s.badRequest(w, r, fmt.Errorf("dry_run: %w", err))
			return
		}
		req.DryRun = dry
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.badRequest(w, r, fmt.Errorf("limit: %w", err))
			return
		}
		req.Limit = n
	}
	if v := q.Get("now"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.badRequest(w, r, fmt.Errorf("now: %w", err))
			return
		}
		req.Now = at
	}

	if _, err := s.Engine.Journey(r.Context(), req.JourneyID); err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.Engine.Tick(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.Engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// recordEngagement is the webhook for tracking pixels, link redirects and
// provider events. It accepts one signal or an array of signals.
func (s *Server) recordEngagement(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	var batch []domain.Engagement
	if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(raw, &batch)
	} else {
		var one domain.Engagement
		err = json.Unmarshal(raw, &one)
		batch = []domain.Engagement{one}
	}
	if err != nil {
		s.badRequest(w, r, err)
		return
	}

	for _, e := range batch {
		if err := s.Engine.RecordEngagement(r.Context(), e); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"recorded": len(batch)})
}

// subscribeEvents streams scheduler steps of one journey as server-sent
// events. ?outcome=sent,completed filters by step outcome.
func (s *Server) subscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("SubscribeEvents: streaming not supported")
		return
	}

	journeyID := chi.URLParam(r, "id")
	if _, err := s.Engine.Journey(r.Context(), journeyID); err != nil {
		s.fail(w, r, err)
		return
	}

	var outcomes map[string]bool
	if v := r.URL.Query().Get("outcome"); v != "" {
		outcomes = make(map[string]bool)
		for _, o := range strings.Split(v, ",") {
			outcomes[strings.TrimSpace(o)] = true
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.Streams.Subscribe(journeyID)
	defer cancel()
	s.logger.Info("SSE: subscribed to journey steps", "journey_id", journeyID)

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE: client disconnected", "journey_id", journeyID)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if outcomes != nil {
				var ev struct {
					Outcome string `json:"outcome"`
				}
				if err := json.Unmarshal([]byte(msg), &ev); err == nil && !outcomes[ev.Outcome] {
					continue
				}
			}
			fmt.Fprintf(w, "event: step\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// StreamManager fans step events out to SSE connections per journey.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan<- string]struct{} // journey ID -> channels
}

func NewStreamManager() *StreamManager {
	return &StreamManager{
		subscribers: make(map[string]map[chan<- string]struct{}),
	}
}

// Subscribe registers a buffered channel for journeyID. The returned func
// unregisters and closes it.
func (sm *StreamManager) Subscribe(journeyID string) (chan string, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan string, 64)
	if _, ok := sm.subscribers[journeyID]; !ok {
		sm.subscribers[journeyID] = make(map[chan<- string]struct{})
	}
	sm.subscribers[journeyID][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if subs, ok := sm.subscribers[journeyID]; ok {
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(sm.subscribers, journeyID)
			}
		}
	}
}

// Broadcast delivers msg to every subscriber of journeyID without blocking.
func (sm *StreamManager) Broadcast(journeyID string, msg string) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for ch := range sm.subscribers[journeyID] {
		select {
		case ch <- msg:
		default:
			// Slow client; drop.
		}
	}
}

// Subscribers returns how many connections follow journeyID.
func (sm *StreamManager) Subscribers(journeyID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subscribers[journeyID])
}

// -- Helpers --

type errorResponse struct {
	Error     string               `json:"error"`
	Violation domain.ViolationKind `json:"violation,omitempty"`
	ID        string               `json:"id,omitempty"`
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("invalid request", "path", r.URL.Path, "err", err)
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error()}
	code := http.StatusInternalServerError

	var ce *domain.ConfigurationError
	switch {
	case errors.As(err, &ce):
		code = http.StatusUnprocessableEntity
		resp.Violation = ce.Violation
		resp.ID = ce.ID
	case errors.Is(err, domain.ErrJourneyNotFound), errors.Is(err, domain.ErrProspectNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrJourneyExists),
		errors.Is(err, domain.ErrJourneyNotActive),
		errors.Is(err, domain.ErrJourneyNotPaused),
		errors.Is(err, domain.ErrVersionConflict):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidEngagement):
		code = http.StatusBadRequest
	}

	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", code, "err", err)
	}
	writeJSON(w, code, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func isYAML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasSuffix(mt, "yaml")
}
