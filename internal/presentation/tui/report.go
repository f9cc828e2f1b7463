package tui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/muesli/termenv"

	"github.com/aretw0/itinerary"
	"github.com/aretw0/itinerary/internal/presentation/graph"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/scheduler"
)

// StatusMarkdown renders a journey status report. When g has nodes the report
// ends with a Mermaid diagram showing where prospects currently wait.
func StatusMarkdown(st *itinerary.Status, g domain.Graph) string {
	var sb strings.Builder
	title := st.Title
	if title == "" {
		title = st.JourneyID
	}
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "**Status:** %s · **Prospects:** %d", st.Status, st.Total)
	if st.NextDueAt != nil {
		fmt.Fprintf(&sb, " · **Next due:** %s", st.NextDueAt.UTC().Format(time.RFC3339))
	}
	sb.WriteString("\n\n")

	sb.WriteString("## Counters\n\n")
	sb.WriteString("| sent | opened | clicked | completed | failed | bounced | unsubscribed |\n")
	sb.WriteString("|---:|---:|---:|---:|---:|---:|---:|\n")
	c := st.Stats
	fmt.Fprintf(&sb, "| %d | %d | %d | %d | %d | %d | %d |\n\n",
		c.Sent, c.Opened, c.Clicked, c.Completed, c.Failed, c.Bounced, c.Unsubscribed)

	if len(st.Prospects) > 0 {
		sb.WriteString("## Prospects\n\n| status | count |\n|---|---:|\n")
		statuses := make([]string, 0, len(st.Prospects))
		for s := range st.Prospects {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Fprintf(&sb, "| %s | %d |\n", s, st.Prospects[domain.ProspectStatus(s)])
		}
		sb.WriteString("\n")
	}

	if len(st.AtNode) > 0 {
		sb.WriteString("## Active by node\n\n| node | count |\n|---|---:|\n")
		for _, id := range st.Nodes() {
			fmt.Fprintf(&sb, "| %s | %d |\n", id, st.AtNode[id])
		}
		sb.WriteString("\n")
	}

	if len(g.Nodes) > 0 {
		sb.WriteString("## Graph\n\n```mermaid\n")
		sb.WriteString(graph.GenerateMermaid(g, &graph.Overlay{AtNode: st.AtNode}))
		sb.WriteString("```\n")
	}
	return sb.String()
}

// TickSummary writes one line per step and a closing total line, coloured
// for the given profile. Dry runs list previews instead of steps.
func TickSummary(w io.Writer, report *scheduler.TickReport, p termenv.Profile) {
	if report.DryRun {
		for _, pv := range report.Previews {
			line := fmt.Sprintf("%-9s %s @ %s", pv.Action, short(pv.ProspectID), pv.NodeID)
			if pv.To != "" {
				line += " → " + pv.To
			}
			if pv.Subject != "" {
				line += fmt.Sprintf(" %q", pv.Subject)
			}
			if pv.NextNodeID != "" {
				line += " ⇒ " + pv.NextNodeID
			}
			fmt.Fprintln(w, p.String(line).Foreground(p.Color("#60a5fa")))
		}
		fmt.Fprintf(w, "%s %d due, %d previewed (dry run)\n",
			p.String("tick").Bold(), report.Selected, len(report.Previews))
		return
	}

	for _, s := range report.Steps {
		line := fmt.Sprintf("%-12s %s @ %s", s.Outcome, short(s.ProspectID), s.NodeID)
		if s.Error != "" {
			line += ": " + s.Error
		}
		fmt.Fprintln(w, p.String(line).Foreground(p.Color(outcomeColor(s.Outcome))))
	}
	fmt.Fprintf(w, "%s %d due, %d sent, %d completed, %d failed in %s\n",
		p.String("tick").Bold(),
		report.Selected,
		report.Count(domain.OutcomeSent),
		report.Count(domain.OutcomeCompleted),
		report.Count(domain.OutcomeExhausted)+report.Count(domain.OutcomeBounced)+report.Count(domain.OutcomeHalted),
		report.Duration.Round(time.Millisecond),
	)
}

func outcomeColor(o domain.StepOutcome) string {
	switch o {
	case domain.OutcomeSent, domain.OutcomeCompleted:
		return "#34d399"
	case domain.OutcomeRetrying, domain.OutcomeDeferred, domain.OutcomeConflict:
		return "#fbbf24"
	case domain.OutcomeExhausted, domain.OutcomeBounced, domain.OutcomeHalted:
		return "#f87171"
	}
	return "#a1a1aa"
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
