package middleware_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/itinerary/pkg/adapters/memory"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/persistence/middleware"
	"github.com/aretw0/itinerary/pkg/ports"
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func generateKey(t *testing.T) []byte {
	k := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		t.Fatal(err)
	}
	return k
}

func testJourney() *domain.Journey {
	ana := domain.Contact{Email: "ana@example.com", Name: "Ana", Fields: map[string]string{"phone": "555-0100", "tier": "gold"}}
	return &domain.Journey{
		ID:     "welcome",
		Title:  "Welcome",
		Status: domain.JourneyActive,
		Graph: domain.Graph{
			Nodes: []domain.Node{
				{ID: "entry", Kind: domain.KindEntry, Entry: &domain.EntrySource{Recipients: []domain.Contact{ana}}},
				{ID: "hello", Kind: domain.KindEmail, Email: &domain.EmailContent{Subject: "Hi"}},
			},
			Edges: []domain.Edge{{Source: "entry", Target: "hello"}},
		},
		Prospects: []domain.Prospect{{
			ID:            "p1",
			JourneyID:     "welcome",
			Contact:       ana,
			CurrentNodeID: "hello",
			NextExecuteAt: t0,
			EnteredNodeAt: t0,
			Status:        domain.ProspectActive,
		}},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func TestEncryptionMiddleware_Contract(t *testing.T) {
	mw := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	ports.RunRepositoryContract(t, mw(memory.NewRepository()))
}

func TestEncryptionMiddleware_Roundtrip(t *testing.T) {
	// Setup
	underlying := memory.NewRepository()
	mw := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	secure := mw(underlying)
	ctx := context.Background()

	original := testJourney()
	if err := secure.Create(ctx, original); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if original.Prospects[0].Contact.Email != "ana@example.com" {
		t.Fatal("Middleware modified the caller's journey")
	}

	// Underlying store holds envelopes only
	stored, err := underlying.Load(ctx, "welcome")
	if err != nil {
		t.Fatalf("Underlying load failed: %v", err)
	}
	sealed := stored.Prospects[0].Contact
	if !strings.HasPrefix(sealed.Email, "enc:v1:") || sealed.Name != "" || sealed.Fields != nil {
		t.Fatalf("Expected sealed contact, got %+v", sealed)
	}
	if r := stored.Graph.Nodes[0].Entry.Recipients[0]; !strings.HasPrefix(r.Email, "enc:v1:") {
		t.Fatalf("Expected sealed recipient, got %+v", r)
	}

	// Reads through the middleware are decrypted
	loaded, err := secure.Load(ctx, "welcome")
	if err != nil {
		t.Fatalf("Load via middleware failed: %v", err)
	}
	if c := loaded.Prospects[0].Contact; c.Email != "ana@example.com" || c.Fields["phone"] != "555-0100" {
		t.Errorf("Unexpected contact %+v", c)
	}
	if r := loaded.Graph.Nodes[0].Entry.Recipients[0]; r.Name != "Ana" {
		t.Errorf("Unexpected recipient %+v", r)
	}

	due, err := secure.ListDue(ctx, "", t0, 0)
	if err != nil || len(due) != 1 || due[0].Contact.Email != "ana@example.com" {
		t.Fatalf("ListDue = %+v, %v", due, err)
	}
}

func TestEncryptionMiddleware_PlaintextPassthrough(t *testing.T) {
	underlying := memory.NewRepository()
	ctx := context.Background()
	if err := underlying.Create(ctx, testJourney()); err != nil {
		t.Fatal(err)
	}

	secure := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})(underlying)
	p, err := secure.GetProspect(ctx, "welcome", "p1")
	if err != nil {
		t.Fatalf("GetProspect failed: %v", err)
	}
	if p.Contact.Email != "ana@example.com" {
		t.Errorf("Expected plaintext contact, got %+v", p.Contact)
	}
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	// Setup
	underlying := memory.NewRepository()
	oldKey := generateKey(t)
	newKey := generateKey(t)
	ctx := context.Background()

	// Save with OLD key
	secureOld := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: oldKey})(underlying)
	if err := secureOld.Create(ctx, testJourney()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Load with NEW key (Active) + OLD key (Fallback)
	secureNew := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
		ActiveKey:    newKey,
		FallbackKeys: [][]byte{oldKey},
	})(underlying)

	p, err := secureNew.GetProspect(ctx, "welcome", "p1")
	if err != nil {
		t.Fatalf("Load with rotated key failed: %v", err)
	}
	if p.Contact.Name != "Ana" {
		t.Errorf("Decryption with fallback key failed")
	}

	// Save again (re-encrypted with NEW key)
	if err := secureNew.SaveProspects(ctx, "welcome", []domain.Prospect{*p}); err != nil {
		t.Fatalf("Save with new key failed: %v", err)
	}

	// The OLD key alone can no longer read it
	if _, err := secureOld.GetProspect(ctx, "welcome", "p1"); err == nil {
		t.Error("Expected failure when loading new-key encryption with old-key middleware")
	}
}

func TestEncryptionMiddleware_InvalidKey(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Expected panic for invalid key size")
		}
	}()
	middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short-key")})
}

func TestParseKey(t *testing.T) {
	key := generateKey(t)
	got, err := middleware.ParseKey(base64.StdEncoding.EncodeToString(key))
	if err != nil || string(got) != string(key) {
		t.Fatalf("ParseKey = %v, %v", got, err)
	}
	if _, err := middleware.ParseKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("Expected error for short key")
	}
	if _, err := middleware.ParseKey("not base64!"); err == nil {
		t.Error("Expected error for invalid base64")
	}
}
