package ports

import (
	"context"
	"errors"

	"github.com/aretw0/itinerary/pkg/domain"
)

// DeliveryStatus is the provider-reported outcome of a send.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryRequest is the provider-agnostic shape of one email.
type DeliveryRequest struct {
	To      string `json:"to"`
	Name    string `json:"name,omitempty"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`

	// IdempotencyKey is stable for one (journey, prospect, node, attempt)
	// so providers that support it can drop duplicate submissions.
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// DeliveryResult is what the provider reported.
type DeliveryResult struct {
	ID     string         `json:"id,omitempty"`
	Status DeliveryStatus `json:"status"`
	Error  string         `json:"error,omitempty"`

	// Permanent marks a failure that must not be retried (invalid address,
	// hard bounce).
	Permanent bool `json:"permanent,omitempty"`
}

// DeliveryGateway sends email through an external provider.
//
// A returned error is a transport failure and is retried unless it is a
// permanent *domain.DeliveryError. A result with Status DeliveryFailed is a
// provider refusal classified by Permanent.
type DeliveryGateway interface {
	Send(ctx context.Context, req DeliveryRequest) (DeliveryResult, error)
}

// Classify folds a Send outcome into a single error: nil on success,
// otherwise a *domain.DeliveryError.
func Classify(res DeliveryResult, err error) error {
	if err != nil {
		var de *domain.DeliveryError
		if errors.As(err, &de) {
			return de
		}
		return &domain.DeliveryError{Cause: err}
	}
	if res.Status == DeliveryFailed {
		msg := res.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		return &domain.DeliveryError{Permanent: res.Permanent, Cause: providerError(msg)}
	}
	return nil
}

type providerError string

func (e providerError) Error() string { return string(e) }
