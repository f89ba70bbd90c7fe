package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/scriptorium-app/scriptorium/backend/internal/auth"
	"github.com/scriptorium-app/scriptorium/backend/internal/events"
	"github.com/scriptorium-app/scriptorium/backend/internal/rooms"
	"github.com/scriptorium-app/scriptorium/backend/internal/server"
	"github.com/scriptorium-app/scriptorium/backend/internal/users"
)

const integrationSigningSecret = "integration-secret"

// providerStub verifies canned provider tokens so the real token endpoint and
// identity upsert run end to end.
type providerStub struct {
	tokens map[string]auth.ProviderClaims
}

func (s providerStub) Verify(_ context.Context, token string) (auth.ProviderClaims, error) {
	claims, ok := s.tokens[token]
	if !ok {
		return auth.ProviderClaims{}, errors.New("unknown provider token")
	}
	return claims, nil
}

type testEnvironment struct {
	server *httptest.Server
	bus    *events.Bus
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:scriptorium_integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&rooms.Room{}, &rooms.RoomAccess{}, &users.Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	bus := events.NewBus()

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build directory: %v", err)
	}
	roomService, err := rooms.NewService(rooms.ServiceConfig{
		Database:   db,
		IDProvider: rooms.NewUUIDProvider(),
		Publisher:  bus,
		Directory:  directory,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build rooms service: %v", err)
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        "scriptorium-auth",
		Audience:      "scriptorium-api",
	})

	verifier := providerStub{tokens: map[string]auth.ProviderClaims{
		"provider-owner": {
			Provider: "google",
			Subject:  "owner-1",
			Email:    "owner@example.com",
			Name:     "Owner",
		},
		"provider-editor": {
			Provider: "google",
			Subject:  "editor-1",
			Email:    "editor@example.com",
			Name:     "Editor",
		},
	}}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:    verifier,
		Tokens:      tokens,
		RoomService: roomService,
		Identities:  directory,
		Bus:         bus,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return &testEnvironment{server: testServer, bus: bus}
}

func (e *testEnvironment) authenticate(t *testing.T, providerToken string) string {
	t.Helper()
	status, body := e.request(t, http.MethodPost, "/auth/token", "",
		map[string]string{"id_token": providerToken})
	if status != http.StatusOK {
		t.Fatalf("token exchange failed with %d: %s", status, body)
	}
	var response struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal([]byte(body), &response); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	return response.AccessToken
}

func (e *testEnvironment) request(t *testing.T, method, path, bearer string, payload interface{}) (int, string) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
	}
	request, err := http.NewRequest(method, e.server.URL+path, &body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	response, err := e.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(response.Body); err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return response.StatusCode, buffer.String()
}

func TestSharingFlowEndToEnd(t *testing.T) {
	env := newTestEnvironment(t)
	ownerToken := env.authenticate(t, "provider-owner")
	editorToken := env.authenticate(t, "provider-editor")

	// The editor's session listens for broadcast events, as a connected
	// dashboard would.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	editorEvents, cleanup := env.bus.Subscribe(ctx, "editor@example.com")
	defer cleanup()

	status, body := env.request(t, http.MethodPost, "/documents", ownerToken,
		map[string]string{"title": "Quarterly Report"})
	if status != http.StatusCreated {
		t.Fatalf("create failed with %d: %s", status, body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(body), &created); err != nil {
		t.Fatalf("failed to decode document: %v", err)
	}

	share := map[string]string{"email": "editor@example.com", "user_type": "editor"}
	status, body = env.request(t, http.MethodPost, "/documents/"+created.ID+"/access", ownerToken, share)
	if status != http.StatusCreated {
		t.Fatalf("share failed with %d: %s", status, body)
	}

	received := map[events.Type]bool{}
	deadline := time.After(2 * time.Second)
	for len(received) < 2 {
		select {
		case event := <-editorEvents:
			if event.RoomID != created.ID {
				t.Fatalf("event for unexpected room %s", event.RoomID)
			}
			received[event.Type] = true
		case <-deadline:
			t.Fatalf("expected permissionUpdated and documentShared events, got %v", received)
		}
	}
	if !received[events.TypePermissionUpdated] || !received[events.TypeDocumentShared] {
		t.Fatalf("unexpected event set %v", received)
	}

	// The shared room shows up in the editor's list and view.
	status, body = env.request(t, http.MethodGet, "/documents", editorToken, nil)
	if status != http.StatusOK {
		t.Fatalf("list failed with %d: %s", status, body)
	}
	var list struct {
		Owned        []json.RawMessage `json:"owned"`
		SharedWithMe []struct {
			ID string `json:"id"`
		} `json:"shared_with_me"`
	}
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(list.Owned) != 0 || len(list.SharedWithMe) != 1 || list.SharedWithMe[0].ID != created.ID {
		t.Fatalf("unexpected editor list: %s", body)
	}

	status, body = env.request(t, http.MethodGet, "/documents/"+created.ID, editorToken, nil)
	if status != http.StatusOK {
		t.Fatalf("get failed with %d: %s", status, body)
	}
	var view struct {
		Role          string `json:"role"`
		Collaborators []struct {
			Email string `json:"email"`
			Known bool   `json:"known"`
		} `json:"collaborators"`
	}
	if err := json.Unmarshal([]byte(body), &view); err != nil {
		t.Fatalf("failed to decode view: %v", err)
	}
	if view.Role != "editor" {
		t.Fatalf("expected editor role, got %s", view.Role)
	}
	knownByEmail := map[string]bool{}
	for _, collaborator := range view.Collaborators {
		knownByEmail[collaborator.Email] = collaborator.Known
	}
	if !knownByEmail["owner@example.com"] || !knownByEmail["editor@example.com"] {
		t.Fatalf("expected both collaborators resolved in the directory: %s", body)
	}

	// Duplicate share is rejected and emits nothing.
	status, _ = env.request(t, http.MethodPost, "/documents/"+created.ID+"/access", ownerToken, share)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate share, got %d", status)
	}
	select {
	case event := <-editorEvents:
		t.Fatalf("duplicate share must not publish, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}

	// Deleting the room notifies every collaborator.
	status, _ = env.request(t, http.MethodDelete, "/documents/"+created.ID, ownerToken, nil)
	if status != http.StatusNoContent {
		t.Fatalf("delete failed with %d", status)
	}
	select {
	case event := <-editorEvents:
		if event.Type != events.TypePermissionUpdated {
			t.Fatalf("expected permissionUpdated on delete, got %s", event.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected delete fan-out event")
	}

	status, _ = env.request(t, http.MethodGet, "/documents/"+created.ID, editorToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", status)
	}
}

func TestRevokedAccessTakesEffectImmediately(t *testing.T) {
	env := newTestEnvironment(t)
	ownerToken := env.authenticate(t, "provider-owner")
	editorToken := env.authenticate(t, "provider-editor")

	status, body := env.request(t, http.MethodPost, "/documents", ownerToken,
		map[string]string{"title": "Ephemeral"})
	if status != http.StatusCreated {
		t.Fatalf("create failed with %d: %s", status, body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(body), &created); err != nil {
		t.Fatalf("failed to decode document: %v", err)
	}

	status, _ = env.request(t, http.MethodPost, "/documents/"+created.ID+"/access", ownerToken,
		map[string]string{"email": "editor@example.com", "user_type": "editor"})
	if status != http.StatusCreated {
		t.Fatalf("share failed with %d", status)
	}
	status, _ = env.request(t, http.MethodGet, "/documents/"+created.ID, editorToken, nil)
	if status != http.StatusOK {
		t.Fatalf("expected access before revocation, got %d", status)
	}

	status, _ = env.request(t, http.MethodDelete, "/documents/"+created.ID+"/access/editor@example.com", ownerToken, nil)
	if status != http.StatusNoContent {
		t.Fatalf("revoke failed with %d", status)
	}

	status, _ = env.request(t, http.MethodGet, "/documents/"+created.ID, editorToken, nil)
	if status != http.StatusForbidden {
		t.Fatalf("revoked session must lose access immediately, got %d", status)
	}
}
