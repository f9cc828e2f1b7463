package middleware

import (
	"regexp"

	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/ports"
)

// Masked replaces redacted values.
const Masked = "***"

// NewPIIMiddleware creates a middleware that masks contact fields whose key
// matches one of the patterns before they are written. Masking is one way:
// templates rendering a masked field see Masked.
func NewPIIMiddleware(patternStrings []string) Middleware {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		patterns[i] = regexp.MustCompile(p)
	}
	return func(next ports.JourneyRepository) ports.JourneyRepository {
		return &contactStore{
			JourneyRepository: next,
			seal: func(c domain.Contact) (domain.Contact, error) {
				c.Fields = maskFields(c.Fields, patterns)
				return c, nil
			},
			open: identity,
		}
	}
}

// maskFields returns a masked copy so the caller's contact is not modified.
func maskFields(fields map[string]string, patterns []*regexp.Regexp) map[string]string {
	if len(fields) == 0 {
		return fields
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
		for _, p := range patterns {
			if p.MatchString(k) {
				out[k] = Masked
				break
			}
		}
	}
	return out
}
