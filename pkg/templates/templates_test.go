package templates

import (
	"context"
	"testing"

	"github.com/aretw0/loam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/itinerary/internal/testutils"
	"github.com/aretw0/itinerary/pkg/domain"
)

func prospect() domain.Prospect {
	return domain.Prospect{
		ID: "p1",
		Contact: domain.Contact{
			Email:   "ana@example.com",
			Name:    "Ana Lima",
			Company: "Acme",
			Fields:  map[string]string{"plan": "pro"},
		},
	}
}

func TestCompose_Inline(t *testing.T) {
	c := NewComposer()
	msg, err := c.Compose(context.Background(), domain.EmailContent{
		Subject: "Hi {{.FirstName}}",
		Text:    "Welcome to **{{.Company}}**, you are on {{.Fields.plan}}.{{.Fields.missing}}",
	}, prospect())
	require.NoError(t, err)

	assert.Equal(t, "Hi Ana", msg.Subject)
	assert.Equal(t, "Welcome to **Acme**, you are on pro.", msg.Text)
	assert.Contains(t, msg.HTML, "<strong>Acme</strong>")
}

func TestCompose_HTMLIsEscaped(t *testing.T) {
	p := prospect()
	p.Contact.Name = "<script>x</script>"
	msg, err := NewComposer().Compose(context.Background(), domain.EmailContent{
		Subject: "Hello",
		HTML:    "<p>Hi {{.Name}}</p>",
	}, p)
	require.NoError(t, err)
	assert.NotContains(t, msg.HTML, "<script>")
	assert.Empty(t, msg.Text)
}

func TestCompose_PlainContentUntouched(t *testing.T) {
	msg, err := NewComposer().Compose(context.Background(), domain.EmailContent{Subject: "Plain"}, prospect())
	require.NoError(t, err)
	assert.Equal(t, "Plain", msg.Subject)
	assert.Empty(t, msg.HTML)
}

func TestCompose_InvalidTemplate(t *testing.T) {
	_, err := NewComposer().Compose(context.Background(), domain.EmailContent{Subject: "Hi {{.Name"}, prospect())
	assert.Error(t, err)
}

func TestCompose_FromLibrary(t *testing.T) {
	_, repo := testutils.SetupTemplateRepo(t, map[string]string{
		"welcome.md": `---
subject: Welcome, {{.FirstName}}
---
Thanks for joining {{.Company}}.
`,
	}, loam.WithVersioning(false))

	lib := NewLibrary(loam.NewTypedRepository[Metadata](repo))
	c := NewComposer(WithLibrary(lib))

	msg, err := c.Compose(context.Background(), domain.EmailContent{Template: "welcome"}, prospect())
	require.NoError(t, err)
	assert.Equal(t, "Welcome, Ana", msg.Subject)
	assert.Equal(t, "Thanks for joining Acme.", msg.Text)
	assert.Contains(t, msg.HTML, "<p>Thanks for joining Acme.</p>")

	// Inline subject wins over the template's.
	msg, err = c.Compose(context.Background(), domain.EmailContent{Template: "welcome", Subject: "Custom"}, prospect())
	require.NoError(t, err)
	assert.Equal(t, "Custom", msg.Subject)

	_, err = c.Compose(context.Background(), domain.EmailContent{Template: "missing"}, prospect())
	assert.Error(t, err)

	names, err := lib.Names(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, "welcome")
}

func TestCompose_TemplateWithoutLibrary(t *testing.T) {
	_, err := NewComposer().Compose(context.Background(), domain.EmailContent{Template: "welcome"}, prospect())
	assert.ErrorIs(t, err, ErrNoLibrary)
}
