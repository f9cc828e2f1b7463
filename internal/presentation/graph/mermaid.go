package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/itinerary/pkg/domain"
)

// Overlay contains live prospect positions to visualize on the graph.
type Overlay struct {
	AtNode map[string]int
}

// GenerateMermaid produces a Mermaid flowchart for a journey graph.
// Shapes follow the node kind:
// - Entry: ((Circle))
// - Email: [Rectangle]
// - Wait: ([Stadium])
// - Condition: {Rhombus}
// - Exit: [[Subroutine]]
// Condition branches are labelled on their edges. With an overlay, nodes that
// currently hold prospects show the count and are highlighted.
func GenerateMermaid(g domain.Graph, overlay *Overlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	for _, node := range g.Nodes {
		safeID := sanitizeMermaidID(node.ID)

		opener, closer := "[", "]"
		switch node.Kind {
		case domain.KindEntry:
			opener, closer = "((", "))"
		case domain.KindWait:
			opener, closer = "([", "])"
		case domain.KindCondition:
			opener, closer = "{", "}"
		case domain.KindExit:
			opener, closer = "[[", "]]"
		}

		text := node.ID
		if node.Label != "" {
			text = node.Label
		}
		if detail := describe(node); detail != "" {
			text += " <br/> " + detail
		}
		if overlay != nil && overlay.AtNode[node.ID] > 0 {
			text += fmt.Sprintf(" <br/> 👤 %d", overlay.AtNode[node.ID])
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", safeID, opener, escape(text), closer)
	}

	for _, e := range g.Edges {
		arrow := "-->"
		if e.Branch != "" {
			arrow = fmt.Sprintf("-- \"%s\" -->", escape(e.Branch))
		}
		fmt.Fprintf(&sb, "    %s %s %s\n", sanitizeMermaidID(e.Source), arrow, sanitizeMermaidID(e.Target))
	}

	if overlay != nil && len(overlay.AtNode) > 0 {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Force black text (color:#000) for high-contrast on light backgrounds, regardless of theme (Light/Dark)
		sb.WriteString("    classDef occupied fill:#ffeb3b,stroke:#fbc02d,stroke-width:3px,color:#000;\n")
		for _, node := range g.Nodes {
			if overlay.AtNode[node.ID] > 0 {
				fmt.Fprintf(&sb, "    class %s occupied;\n", sanitizeMermaidID(node.ID))
			}
		}
	}

	return sb.String()
}

func describe(n domain.Node) string {
	switch {
	case n.Email != nil && n.Email.Subject != "":
		return "✉️ " + n.Email.Subject
	case n.Email != nil && n.Email.Template != "":
		return "✉️ " + n.Email.Template
	case n.Wait != nil:
		return fmt.Sprintf("⏱️ %d %s", n.Wait.Magnitude, n.Wait.Unit)
	case n.Condition != nil:
		return string(n.Condition.Predicate) + "?"
	case n.Exit != nil && n.Exit.Reason != "":
		return string(n.Exit.Reason)
	}
	return ""
}

func escape(s string) string {
	return strings.ReplaceAll(s, "\"", "'")
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
