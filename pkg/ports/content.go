package ports

import (
	"context"

	"github.com/aretw0/itinerary/pkg/domain"
)

// Message is the rendered content of one email for one prospect.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

// Composer renders an Email node's content for a prospect.
type Composer interface {
	Compose(ctx context.Context, email domain.EmailContent, p domain.Prospect) (Message, error)
}

// ComposerFunc adapts a function to the Composer interface.
type ComposerFunc func(ctx context.Context, email domain.EmailContent, p domain.Prospect) (Message, error)

// Compose calls f.
func (f ComposerFunc) Compose(ctx context.Context, email domain.EmailContent, p domain.Prospect) (Message, error) {
	return f(ctx, email, p)
}
