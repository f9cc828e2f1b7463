package graph

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/itinerary/pkg/domain"
)

// Document is the graph-editor wire shape. Payloads travel as free-form
// "data" maps and are decoded into typed node payloads.
type Document struct {
	Title       string         `yaml:"title,omitempty"`
	Description string         `yaml:"description,omitempty"`
	Nodes       []documentNode `yaml:"nodes"`
	Edges       []documentEdge `yaml:"edges"`
}

type documentNode struct {
	ID    string         `yaml:"id"`
	Type  string         `yaml:"type,omitempty"`
	Kind  string         `yaml:"kind,omitempty"`
	Label string         `yaml:"label,omitempty"`
	Data  map[string]any `yaml:"data,omitempty"`
}

type documentEdge struct {
	ID           string `yaml:"id,omitempty"`
	Source       string `yaml:"source"`
	Target       string `yaml:"target"`
	Branch       string `yaml:"branch,omitempty"`
	SourceHandle string `yaml:"sourceHandle,omitempty"`
}

// legacyKinds maps the editor's node type names to node kinds.
var legacyKinds = map[string]domain.NodeKind{
	"prospectNode":  domain.KindEntry,
	"emailNode":     domain.KindEmail,
	"waitNode":      domain.KindWait,
	"conditionNode": domain.KindCondition,
	"exitNode":      domain.KindExit,
}

// ParseDocument decodes a YAML or JSON graph document.
// Canvas-only editor nodes (any other "...Node" type) are dropped together
// with the edges touching them.
func ParseDocument(raw []byte) (*Document, domain.Graph, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, domain.Graph{}, fmt.Errorf("failed to parse graph document: %w", err)
	}

	g := domain.Graph{
		Nodes: make([]domain.Node, 0, len(doc.Nodes)),
		Edges: make([]domain.Edge, 0, len(doc.Edges)),
	}
	dropped := make(map[string]bool)

	for _, dn := range doc.Nodes {
		kind := domain.NodeKind(dn.Kind)
		if kind == "" {
			kind = domain.NodeKind(dn.Type)
		}
		if k, ok := legacyKinds[dn.Type]; ok {
			kind = k
		} else if !kind.Valid() && strings.HasSuffix(dn.Type, "Node") {
			dropped[dn.ID] = true
			continue
		}

		n, err := decodeNode(dn, kind)
		if err != nil {
			return nil, domain.Graph{}, fmt.Errorf("node %q: %w", dn.ID, err)
		}
		g.Nodes = append(g.Nodes, n)
	}

	for _, de := range doc.Edges {
		if dropped[de.Source] || dropped[de.Target] {
			continue
		}
		branch := de.Branch
		if branch == "" {
			branch = de.SourceHandle
		}
		g.Edges = append(g.Edges, domain.Edge{
			ID:     de.ID,
			Source: de.Source,
			Target: de.Target,
			Branch: branch,
		})
	}

	return &doc, g, nil
}

func decodeNode(dn documentNode, kind domain.NodeKind) (domain.Node, error) {
	n := domain.Node{ID: dn.ID, Kind: kind, Label: dn.Label}
	data := dn.Data
	if data == nil {
		data = map[string]any{}
	}
	if n.Label == "" {
		if l, ok := data["label"].(string); ok {
			n.Label = l
		}
	}

	switch kind {
	case domain.KindEntry:
		var p domain.EntrySource
		if err := decode(data, &p); err != nil {
			return n, err
		}
		if len(p.Recipients) == 0 {
			if err := decode(map[string]any{"recipients": data["prospects"]}, &p); err != nil {
				return n, err
			}
		}
		n.Entry = &p

	case domain.KindEmail:
		var p domain.EmailContent
		if err := decode(data, &p); err != nil {
			return n, err
		}
		if p.Text == "" {
			p.Text = firstString(data, "fullBody", "body", "preview")
		}
		n.Email = &p

	case domain.KindWait:
		var p domain.WaitSpec
		if err := decode(data, &p); err != nil {
			return n, err
		}
		if _, ok := data["magnitude"]; !ok {
			p.Magnitude = firstInt(data, 1, "delay", "duration")
		}
		if p.Unit == "" {
			p.Unit = domain.UnitDays
		}
		n.Wait = &p

	case domain.KindCondition:
		var p domain.ConditionSpec
		if err := decode(data, &p); err != nil {
			return n, err
		}
		if p.Predicate == "" {
			p.Predicate = domain.PredicateType(firstString(data, "conditionType"))
		}
		if p.Predicate == "custom" {
			p.Predicate = domain.PredicateField
			if custom, ok := data["customCondition"].(map[string]any); ok {
				if err := decode(custom, &p); err != nil {
					return n, err
				}
			}
		}
		if p.Predicate == "" {
			p.Predicate = domain.PredicateOpened
		}
		if _, ok := data["waitDays"]; ok && p.WindowMagnitude == 0 {
			p.WindowMagnitude = firstInt(data, 0, "waitDays")
			p.WindowUnit = domain.UnitDays
		}
		n.Condition = &p

	case domain.KindExit:
		var p domain.ExitSpec
		if err := decode(data, &p); err != nil {
			return n, err
		}
		if p.Reason == "" {
			p.Reason = domain.ExitReason(firstString(data, "exitType"))
		}
		if p.Reason == "" {
			p.Reason = domain.ExitCompleted
		}
		n.Exit = &p
	}
	return n, nil
}

func decode(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func firstString(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstInt(data map[string]any, fallback int, keys ...string) int {
	for _, k := range keys {
		v, ok := data[k]
		if !ok || v == nil {
			continue
		}
		var i int
		if err := mapstructure.WeakDecode(v, &i); err == nil && i != 0 {
			return i
		}
	}
	return fallback
}

// MarshalDocument renders a graph back into the native document shape.
func MarshalDocument(title, description string, g domain.Graph) ([]byte, error) {
	doc := Document{Title: title, Description: description}
	for _, n := range g.Nodes {
		data := map[string]any{}
		var payload any
		switch n.Kind {
		case domain.KindEntry:
			payload = n.Entry
		case domain.KindEmail:
			payload = n.Email
		case domain.KindWait:
			payload = n.Wait
		case domain.KindCondition:
			payload = n.Condition
		case domain.KindExit:
			payload = n.Exit
		}
		if payload != nil && !reflect.ValueOf(payload).IsNil() {
			if err := mapstructure.Decode(payload, &data); err != nil {
				return nil, err
			}
			for k, v := range data {
				if rv := reflect.ValueOf(v); !rv.IsValid() || rv.IsZero() || (rv.Kind() == reflect.Slice && rv.Len() == 0) {
					delete(data, k)
				}
			}
		}
		doc.Nodes = append(doc.Nodes, documentNode{ID: n.ID, Kind: string(n.Kind), Label: n.Label, Data: data})
	}
	for _, e := range g.Edges {
		doc.Edges = append(doc.Edges, documentEdge{ID: e.ID, Source: e.Source, Target: e.Target, Branch: e.Branch})
	}
	return yaml.Marshal(doc)
}
