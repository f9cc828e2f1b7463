package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/aretw0/itinerary/pkg/ports"
)

// Responder decides the outcome of one fake send.
type Responder func(req ports.DeliveryRequest) (ports.DeliveryResult, error)

// Gateway is a recording ports.DeliveryGateway for tests and local runs.
// By default every send succeeds with a fresh message ID. Sends are deduplicated
// by IdempotencyKey the way real providers do.
type Gateway struct {
	mu        sync.Mutex
	sent      []ports.DeliveryRequest
	byKey     map[string]ports.DeliveryResult
	responder Responder
}

// NewGateway creates a gateway that accepts everything.
func NewGateway() *Gateway {
	return &Gateway{byKey: make(map[string]ports.DeliveryResult)}
}

// RespondWith replaces the outcome of subsequent sends.
func (g *Gateway) RespondWith(fn Responder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responder = fn
}

// Send records req and returns the configured outcome.
func (g *Gateway) Send(ctx context.Context, req ports.DeliveryRequest) (ports.DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.DeliveryResult{}, err
	}

	g.mu.Lock()
	if res, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		g.mu.Unlock()
		return res, nil
	}
	responder := g.responder
	g.mu.Unlock()

	res := ports.DeliveryResult{ID: uuid.NewString(), Status: ports.DeliverySent}
	var err error
	if responder != nil {
		res, err = responder(req)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, req)
	if err == nil && res.Status == ports.DeliverySent && req.IdempotencyKey != "" {
		g.byKey[req.IdempotencyKey] = res
	}
	return res, err
}

// Sent returns every request seen so far, including failed ones.
func (g *Gateway) Sent() []ports.DeliveryRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ports.DeliveryRequest(nil), g.sent...)
}

// Reset clears recorded requests and idempotency state.
func (g *Gateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = nil
	g.byKey = make(map[string]ports.DeliveryResult)
}
