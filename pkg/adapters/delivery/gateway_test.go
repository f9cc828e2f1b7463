package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/ports"
)

func request() ports.DeliveryRequest {
	return ports.DeliveryRequest{
		To:             "ana@example.com",
		Name:           "Ana",
		Subject:        "Hello",
		Text:           "Hi",
		IdempotencyKey: "key-1",
		Tags:           map[string]string{"journey_id": "j1", "node_id": "e1"},
	}
}

func TestSend_Success(t *testing.T) {
	var got sendBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg-123"}`))
	}))
	defer srv.Close()

	g := New("secret", WithEndpoint(srv.URL), WithFrom("Team <team@example.com>"))
	res, err := g.Send(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, ports.DeliverySent, res.Status)
	assert.Equal(t, "msg-123", res.ID)

	assert.Equal(t, "Team <team@example.com>", got.From)
	assert.Equal(t, []string{"Ana <ana@example.com>"}, got.To)
	assert.Equal(t, []tag{{Name: "journey_id", Value: "j1"}, {Name: "node_id", Value: "e1"}}, got.Tags)
}

func TestSend_Classification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		permanent bool
	}{
		{name: "validation error", status: http.StatusUnprocessableEntity, permanent: true},
		{name: "forbidden", status: http.StatusForbidden, permanent: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: true},
		{name: "server error", status: http.StatusBadGateway, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			defer srv.Close()

			res, err := New("secret", WithEndpoint(srv.URL)).Send(context.Background(), request())
			classified := ports.Classify(res, err)
			require.Error(t, classified)
			assert.Equal(t, tt.permanent, domain.IsPermanentDelivery(classified))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, ports.DeliveryFailed, res.Status)
				assert.Contains(t, res.Error, "nope")
			}
		})
	}
}

func TestSend_MissingAPIKey(t *testing.T) {
	_, err := New("").Send(context.Background(), request())
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.False(t, domain.IsPermanentDelivery(err))
}

func TestSend_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := New("secret", WithEndpoint(srv.URL), WithBreaker(BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 0.5,
		MinRequests:      2,
	}))

	for i := 0; i < 2; i++ {
		_, err := g.Send(context.Background(), request())
		require.Error(t, err)
	}
	assert.Equal(t, "open", g.State())

	_, err := g.Send(context.Background(), request())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider unavailable")
	assert.False(t, domain.IsPermanentDelivery(err))
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not call the provider")
}

func TestSend_RespectsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only notices a client hang-up once the body is consumed.
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New("secret", WithEndpoint(srv.URL)).Send(ctx, request())
	require.Error(t, err)
	assert.False(t, domain.IsPermanentDelivery(err))
}
