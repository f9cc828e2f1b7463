package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/itinerary"
	"github.com/aretw0/itinerary/pkg/adapters/memory"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/observability"
	"github.com/aretw0/itinerary/pkg/scheduler"
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

const journeyJSON = `{
  "id": "j1",
  "title": "Onboarding",
  "graph": {
    "nodes": [
      {"id": "entry", "kind": "entry"},
      {"id": "e1", "kind": "email", "email": {"subject": "Hello", "text": "Hi there"}},
      {"id": "w1", "kind": "wait", "wait": {"magnitude": 2, "unit": "days"}},
      {"id": "done", "kind": "exit", "exit": {"reason": "completed"}}
    ],
    "edges": [
      {"source": "entry", "target": "e1"},
      {"source": "e1", "target": "w1"},
      {"source": "w1", "target": "done"}
    ]
  }
}`

type fixture struct {
	handler http.Handler
	server  *Server
	gateway *memory.Gateway
	reg     *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	streams := NewStreamManager()
	gateway := memory.NewGateway()

	eng := itinerary.New(
		itinerary.WithGateway(gateway),
		itinerary.WithClock(func() time.Time { return t0 }),
		itinerary.WithSchedulerOptions(scheduler.WithHooks(
			observability.Chain(metrics.Hooks(), StreamHooks(streams)),
		)),
	)
	srv := NewServer(eng, WithGatherer(reg), WithStreams(streams))
	return &fixture{handler: srv, server: srv, gateway: gateway, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) publish(t *testing.T) {
	t.Helper()
	w := f.do(t, "POST", "/journeys", "application/json", journeyJSON)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = f.do(t, "POST", "/journeys/j1/publish", "application/json",
		`{"contacts":[{"email":"ana@example.com","name":"Ana"},{"email":"broken"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealthAndInfo(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = f.do(t, "GET", "/info", "", "")
	assert.Contains(t, w.Body.String(), strings.TrimSpace(itinerary.Version))
}

func TestJourneyLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/journeys", "application/json", journeyJSON)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, "POST", "/journeys/j1/publish", "application/json",
		`{"contacts":[{"email":"ana@example.com","name":"Ana"},{"email":"broken"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var enrolled itinerary.EnrollResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &enrolled))
	assert.Equal(t, 1, enrolled.Added)
	assert.Len(t, enrolled.Rejected, 1)

	w = f.do(t, "POST", "/journeys/j1/tick?dry_run=true&now=2025-06-02T09:00:00Z", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var preview scheduler.TickReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &preview))
	require.Len(t, preview.Previews, 1)
	assert.Equal(t, "Hello", preview.Previews[0].Subject)
	assert.Empty(t, f.gateway.Sent())

	w = f.do(t, "POST", "/journeys/j1/tick", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report scheduler.TickReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Count(domain.OutcomeSent))
	assert.Len(t, f.gateway.Sent(), 1)

	w = f.do(t, "GET", "/journeys/j1/status", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st itinerary.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, int64(1), st.Stats.Sent)
	assert.Equal(t, map[string]int{"done": 1}, st.AtNode)

	w = f.do(t, "GET", "/journeys/j1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var j domain.Journey
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &j))
	require.Len(t, j.Prospects, 1)
	assert.Equal(t, "ana@example.com", j.Prospects[0].Contact.Email)

	w = f.do(t, "GET", "/journeys", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"j1"`)
}

func TestCreateFromYAML(t *testing.T) {
	f := newFixture(t)
	doc := `
title: From YAML
nodes:
  - {id: e1, type: emailNode, data: {subject: Hi, fullBody: Hello}}
  - {id: x, type: exitNode, data: {exitType: won}}
edges:
  - {source: e1, target: x}
`
	w := f.do(t, "POST", "/journeys?id=yaml", "application/yaml", doc)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var j domain.Journey
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &j))
	assert.Equal(t, "yaml", j.ID)
	assert.Equal(t, "From YAML", j.Title)
	assert.Equal(t, domain.JourneyDraft, j.Status)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.publish(t)

	tests := []struct {
		name        string
		method      string
		path        string
		body        string
		wantCode    int
		wantContain string
	}{
		{name: "unknown journey", method: "GET", path: "/journeys/nope", wantCode: http.StatusNotFound},
		{name: "unknown journey tick", method: "POST", path: "/journeys/nope/tick", wantCode: http.StatusNotFound},
		{name: "duplicate", method: "POST", path: "/journeys", body: journeyJSON, wantCode: http.StatusConflict},
		{name: "resume active", method: "POST", path: "/journeys/j1/resume", wantCode: http.StatusConflict},
		{name: "bad body", method: "POST", path: "/journeys/j1/prospects", body: `{"contacts":`, wantCode: http.StatusBadRequest},
		{name: "bad dry_run", method: "POST", path: "/journeys/j1/tick?dry_run=maybe", wantCode: http.StatusBadRequest},
		{
			name:        "invalid graph on active journey",
			method:      "PUT",
			path:        "/journeys/j1/graph",
			body:        `{"nodes":[{"id":"e1","kind":"email"}],"edges":[]}`,
			wantCode:    http.StatusUnprocessableEntity,
			wantContain: `"violation"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, "application/json", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
			if tt.wantContain != "" {
				assert.Contains(t, w.Body.String(), tt.wantContain)
			}
		})
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	f.publish(t)

	assert.Equal(t, http.StatusNoContent, f.do(t, "POST", "/journeys/j1/pause", "", "").Code)
	w := f.do(t, "POST", "/journeys/j1/tick", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.gateway.Sent())

	assert.Equal(t, http.StatusNoContent, f.do(t, "POST", "/journeys/j1/resume", "", "").Code)
	f.do(t, "POST", "/journeys/j1/tick", "", "")
	assert.Len(t, f.gateway.Sent(), 1)
}

func TestRecordEngagement(t *testing.T) {
	f := newFixture(t)
	f.publish(t)
	pid := itinerary.ProspectID("j1", "ana@example.com")

	w := f.do(t, "POST", "/engagements", "application/json",
		`{"journey_id":"j1","prospect_id":"`+pid+`","kind":"open"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = f.do(t, "POST", "/engagements", "application/json",
		`[{"journey_id":"j1","prospect_id":"`+pid+`","kind":"click","url":"https://example.com"},
		  {"journey_id":"j1","prospect_id":"`+pid+`","kind":"reply"}]`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"recorded":2}`, w.Body.String())

	w = f.do(t, "POST", "/engagements", "application/json", `{"journey_id":"j1","prospect_id":"`+pid+`","kind":"teleport"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", "/engagements", "application/json", `{"journey_id":"j1","prospect_id":"ghost","kind":"open"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var st itinerary.Status
	require.NoError(t, json.Unmarshal(f.do(t, "GET", "/journeys/j1/status", "", "").Body.Bytes(), &st))
	assert.Equal(t, int64(1), st.Stats.Opened)
	assert.Equal(t, int64(1), st.Stats.Clicked)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	f.publish(t)
	f.do(t, "POST", "/journeys/j1/tick", "", "")

	w := f.do(t, "GET", "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "itinerary_steps_total")
	assert.Contains(t, w.Body.String(), `outcome="sent"`)
}

func TestSubscribeEvents(t *testing.T) {
	f := newFixture(t)
	f.publish(t)

	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/journeys/j1/events?outcome=sent", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitFor(t, lines, "data: connected")
	require.Eventually(t, func() bool {
		return f.server.Streams.Subscribers("j1") == 1
	}, time.Second, 10*time.Millisecond)

	tick, err := http.Post(ts.URL+"/journeys/j1/tick", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, tick.Body)
	tick.Body.Close()

	line := waitFor(t, lines, "data: {")
	var ev struct {
		JourneyID string `json:"journey_id"`
		NodeID    string `json:"node_id"`
		Outcome   string `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, "j1", ev.JourneyID)
	assert.Equal(t, "e1", ev.NodeID)
	assert.Equal(t, "sent", ev.Outcome)
}

func TestSubscribeEvents_UnknownJourney(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/journeys/ghost/events", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func waitFor(t *testing.T, lines <-chan string, prefix string) string {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before %q", prefix)
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", prefix)
		}
	}
}
