package tui

import (
	"bytes"
	"testing"
	"time"

	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"

	"github.com/aretw0/itinerary"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/scheduler"
)

func TestStatusMarkdown(t *testing.T) {
	due := time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
	st := &itinerary.Status{
		JourneyID: "welcome",
		Title:     "Welcome",
		Status:    domain.JourneyActive,
		Stats:     domain.Counters{Sent: 2, Opened: 1},
		Total:     3,
		Prospects: map[domain.ProspectStatus]int{domain.ProspectActive: 2, domain.ProspectCompleted: 1},
		AtNode:    map[string]int{"pause": 2},
		NextDueAt: &due,
	}
	g := domain.Graph{
		Nodes: []domain.Node{
			{ID: "hello", Kind: domain.KindEmail},
			{ID: "pause", Kind: domain.KindWait},
		},
		Edges: []domain.Edge{{Source: "hello", Target: "pause"}},
	}

	md := StatusMarkdown(st, g)
	assert.Contains(t, md, "# Welcome")
	assert.Contains(t, md, "**Status:** active")
	assert.Contains(t, md, "**Next due:** 2025-06-04T09:00:00Z")
	assert.Contains(t, md, "| 2 | 1 | 0 | 0 | 0 | 0 | 0 |")
	assert.Contains(t, md, "| completed | 1 |")
	assert.Contains(t, md, "| pause | 2 |")
	assert.Contains(t, md, "```mermaid")
	assert.Contains(t, md, "class pause occupied;")

	bare := StatusMarkdown(&itinerary.Status{JourneyID: "draft"}, domain.Graph{})
	assert.Contains(t, bare, "# draft")
	assert.NotContains(t, bare, "mermaid")
}

func TestTickSummary(t *testing.T) {
	report := &scheduler.TickReport{
		Selected: 2,
		Steps: []scheduler.StepResult{
			{ProspectID: "0123456789", NodeID: "hello", Outcome: domain.OutcomeSent},
			{ProspectID: "abc", NodeID: "hello", Outcome: domain.OutcomeRetrying, Error: "provider unavailable"},
		},
		Duration: 1500 * time.Microsecond,
	}
	var buf bytes.Buffer
	TickSummary(&buf, report, termenv.Ascii)

	out := buf.String()
	assert.Contains(t, out, "sent         01234567 @ hello")
	assert.Contains(t, out, "retrying     abc @ hello: provider unavailable")
	assert.Contains(t, out, "tick 2 due, 1 sent, 0 completed, 0 failed in 2ms")

	buf.Reset()
	TickSummary(&buf, &scheduler.TickReport{
		DryRun:   true,
		Selected: 1,
		Previews: []scheduler.Preview{{
			ProspectID: "p1", NodeID: "hello", Action: scheduler.ActionSend,
			To: "ana@example.com", Subject: "Hi", NextNodeID: "done",
		}},
	}, termenv.Ascii)
	assert.Contains(t, buf.String(), `send      p1 @ hello → ana@example.com "Hi" ⇒ done`)
	assert.Contains(t, buf.String(), "tick 1 due, 1 previewed (dry run)")
}
