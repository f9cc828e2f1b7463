// Package delivery sends email through an HTTP JSON provider API
// (Resend-compatible wire shape) behind a circuit breaker.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aretw0/itinerary/internal/logging"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/ports"
)

// DefaultEndpoint is the Resend email API.
const DefaultEndpoint = "https://api.resend.com/emails"

// ErrMissingAPIKey is returned by Send when no API key is configured.
var ErrMissingAPIKey = errors.New("delivery provider API key not configured")

// BreakerConfig tunes the circuit breaker around provider calls.
type BreakerConfig struct {
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // window after which closed-state counts reset
	Timeout          time.Duration // open period before probing again
	FailureThreshold float64       // failure ratio that trips the breaker
	MinRequests      uint32        // requests needed before the ratio is considered
}

// DefaultBreakerConfig trips after 5 requests at 60% failures and probes a minute later.
var DefaultBreakerConfig = BreakerConfig{
	MaxRequests:      1,
	Interval:         30 * time.Second,
	Timeout:          time.Minute,
	FailureThreshold: 0.6,
	MinRequests:      5,
}

// Gateway implements ports.DeliveryGateway over HTTP.
type Gateway struct {
	endpoint string
	apiKey   string
	from     string
	replyTo  string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

var _ ports.DeliveryGateway = (*Gateway)(nil)

// Option configures the Gateway.
type Option func(*Gateway)

// WithEndpoint overrides DefaultEndpoint.
func WithEndpoint(url string) Option {
	return func(g *Gateway) {
		if url != "" {
			g.endpoint = url
		}
	}
}

// WithFrom sets the sender, e.g. "Team <hello@example.com>".
func WithFrom(from string) Option {
	return func(g *Gateway) {
		g.from = from
	}
}

// WithReplyTo sets a default Reply-To used when the request has none.
func WithReplyTo(addr string) Option {
	return func(g *Gateway) {
		g.replyTo = addr
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		if c != nil {
			g.client = c
		}
	}
}

// WithLogger configures a logger for the Gateway.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithBreaker replaces DefaultBreakerConfig.
func WithBreaker(cfg BreakerConfig) Option {
	return func(g *Gateway) {
		g.breaker = newBreaker(cfg, g)
	}
}

// New creates a gateway authenticating with apiKey.
func New(apiKey string, opts ...Option) *Gateway {
	g := &Gateway{
		endpoint: DefaultEndpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = newBreaker(DefaultBreakerConfig, g)
	}
	return g
}

func newBreaker(cfg BreakerConfig, g *Gateway) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "delivery",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// State reports the breaker state ("closed", "half-open", "open").
func (g *Gateway) State() string {
	return g.breaker.State().String()
}

type tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type sendBody struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Tags    []tag    `json:"tags,omitempty"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Name    string `json:"name"`
}

// Send posts one email. Provider refusals come back as a failed result;
// transport errors, throttling and 5xx responses come back as errors and
// count against the breaker.
func (g *Gateway) Send(ctx context.Context, req ports.DeliveryRequest) (ports.DeliveryResult, error) {
	if g.apiKey == "" {
		return ports.DeliveryResult{}, &domain.DeliveryError{Permanent: false, Cause: ErrMissingAPIKey}
	}

	to := req.To
	if req.Name != "" {
		to = fmt.Sprintf("%s <%s>", req.Name, req.To)
	}
	body := sendBody{
		From:    g.from,
		To:      []string{to},
		Subject: req.Subject,
		HTML:    req.HTML,
		Text:    req.Text,
		ReplyTo: req.ReplyTo,
	}
	if body.ReplyTo == "" {
		body.ReplyTo = g.replyTo
	}
	for name, value := range req.Tags {
		body.Tags = append(body.Tags, tag{Name: name, Value: value})
	}
	sort.Slice(body.Tags, func(i, j int) bool { return body.Tags[i].Name < body.Tags[j].Name })

	payload, err := json.Marshal(body)
	if err != nil {
		return ports.DeliveryResult{}, &domain.DeliveryError{Permanent: true, Cause: err}
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.post(ctx, payload, req.IdempotencyKey)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ports.DeliveryResult{}, &domain.DeliveryError{Cause: fmt.Errorf("provider unavailable: %w", err)}
		}
		return ports.DeliveryResult{}, err
	}
	return out.(ports.DeliveryResult), nil
}

func (g *Gateway) post(ctx context.Context, payload []byte, idempotencyKey string) (ports.DeliveryResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return ports.DeliveryResult{}, &domain.DeliveryError{Permanent: true, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return ports.DeliveryResult{}, &domain.DeliveryError{Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ports.DeliveryResult{}, &domain.DeliveryError{Cause: fmt.Errorf("read provider response: %w", err)}
	}
	var parsed sendResponse
	_ = json.Unmarshal(raw, &parsed)

	msg := parsed.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return ports.DeliveryResult{ID: parsed.ID, Status: ports.DeliverySent}, nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return ports.DeliveryResult{}, &domain.DeliveryError{
			Cause: fmt.Errorf("provider returned %d: %s", resp.StatusCode, msg),
		}
	default:
		g.logger.Debug("provider rejected message", "status", resp.StatusCode, "err", msg)
		return ports.DeliveryResult{
			Status:    ports.DeliveryFailed,
			Error:     fmt.Sprintf("provider returned %d: %s", resp.StatusCode, msg),
			Permanent: true,
		}, nil
	}
}
