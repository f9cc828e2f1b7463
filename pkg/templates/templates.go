// Package templates renders Email node content per prospect.
//
// Named templates live as markdown documents in a read-only Loam repository:
// the frontmatter carries the subject, the body is the message text. Subject,
// text and HTML are personalised with text/template (html/template for HTML),
// and a missing HTML part is rendered from the markdown text with goldmark.
package templates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/aretw0/loam"
	"github.com/yuin/goldmark"

	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/ports"
)

// ErrNoLibrary is returned when an email references a template but no
// library is configured.
var ErrNoLibrary = errors.New("email references a template but no template library is configured")

// Metadata is the frontmatter of a template document.
type Metadata struct {
	Subject string `json:"subject" mapstructure:"subject"`
	Preview string `json:"preview,omitempty" mapstructure:"preview"`
}

// Template is one stored message.
type Template struct {
	Name    string
	Subject string
	Body    string
}

// Library reads templates from a Loam repository.
type Library struct {
	Repo *loam.TypedRepository[Metadata]
}

// NewLibrary wraps an existing typed repository.
func NewLibrary(repo *loam.TypedRepository[Metadata]) *Library {
	return &Library{Repo: repo}
}

// Open opens dir as a read-only template library.
func Open(dir string) (*Library, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid template path: %w", err)
	}
	repo, err := loam.Init(absPath,
		loam.WithStrict(true),
		loam.WithReadOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open template library: %w", err)
	}
	return NewLibrary(loam.NewTypedRepository[Metadata](repo)), nil
}

// Get loads the template called name ("welcome" finds welcome.md).
func (l *Library) Get(ctx context.Context, name string) (Template, error) {
	doc, err := l.Repo.Get(ctx, name)
	if err != nil {
		return Template{}, fmt.Errorf("template %q: %w", name, err)
	}
	return Template{
		Name:    name,
		Subject: doc.Data.Subject,
		Body:    strings.TrimSpace(doc.Content),
	}, nil
}

// Names lists the templates in the library without extensions.
func (l *Library) Names(ctx context.Context) ([]string, error) {
	docs, err := l.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, strings.TrimSuffix(d.ID, filepath.Ext(d.ID)))
	}
	return names, nil
}

// Composer implements ports.Composer.
type Composer struct {
	library  *Library
	markdown goldmark.Markdown
}

// Option configures the Composer.
type Option func(*Composer)

// WithLibrary enables Email.Template lookups.
func WithLibrary(lib *Library) Option {
	return func(c *Composer) {
		c.library = lib
	}
}

// WithMarkdown overrides the goldmark converter, e.g. to add extensions.
func WithMarkdown(md goldmark.Markdown) Option {
	return func(c *Composer) {
		if md != nil {
			c.markdown = md
		}
	}
}

// NewComposer creates a Composer.
func NewComposer(opts ...Option) *Composer {
	c := &Composer{markdown: goldmark.New()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ ports.Composer = (*Composer)(nil)

// Data is what templates can reference.
type Data struct {
	Email     string
	Name      string
	FirstName string
	Company   string
	Fields    map[string]string
}

func dataFor(p domain.Prospect) Data {
	first := p.Contact.Name
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	fields := p.Contact.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	return Data{
		Email:     p.Contact.Email,
		Name:      p.Contact.Name,
		FirstName: first,
		Company:   p.Contact.Company,
		Fields:    fields,
	}
}

// Compose renders email for p.
func (c *Composer) Compose(ctx context.Context, email domain.EmailContent, p domain.Prospect) (ports.Message, error) {
	subject, text, html := email.Subject, email.Text, email.HTML
	if email.Template != "" {
		if c.library == nil {
			return ports.Message{}, ErrNoLibrary
		}
		t, err := c.library.Get(ctx, email.Template)
		if err != nil {
			return ports.Message{}, err
		}
		if subject == "" {
			subject = t.Subject
		}
		if text == "" && html == "" {
			text = t.Body
		}
	}

	data := dataFor(p)
	var (
		msg ports.Message
		err error
	)
	if msg.Subject, err = renderText("subject", subject, data); err != nil {
		return ports.Message{}, err
	}
	if msg.Text, err = renderText("text", text, data); err != nil {
		return ports.Message{}, err
	}
	if html != "" {
		if msg.HTML, err = renderHTML(html, data); err != nil {
			return ports.Message{}, err
		}
	} else if msg.Text != "" {
		var buf bytes.Buffer
		if err := c.markdown.Convert([]byte(msg.Text), &buf); err != nil {
			return ports.Message{}, fmt.Errorf("failed to render markdown: %w", err)
		}
		msg.HTML = buf.String()
	}
	return msg, nil
}

func renderText(name, src string, data Data) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", fmt.Errorf("invalid %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}

func renderHTML(src string, data Data) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	t, err := htmltemplate.New("html").Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", fmt.Errorf("invalid html template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render html: %w", err)
	}
	return buf.String(), nil
}
