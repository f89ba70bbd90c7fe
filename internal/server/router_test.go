package server

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

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/scriptorium-app/scriptorium/backend/internal/auth"
	"github.com/scriptorium-app/scriptorium/backend/internal/rooms"
)

type stubVerifier struct {
	claims auth.ProviderClaims
	err    error
}

func (s stubVerifier) Verify(context.Context, string) (auth.ProviderClaims, error) {
	return s.claims, s.err
}

type stubTokenManager struct {
	sessions    map[string]auth.Session
	issuedToken string
	validateErr error
}

func (s stubTokenManager) IssueBackendToken(context.Context, auth.ProviderClaims) (string, int64, error) {
	return s.issuedToken, 1800, nil
}

func (s stubTokenManager) ValidateToken(token string) (auth.Session, error) {
	if s.validateErr != nil {
		return auth.Session{}, s.validateErr
	}
	session, ok := s.sessions[token]
	if !ok {
		return auth.Session{}, errors.New("unknown token")
	}
	return session, nil
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestRouter(t *testing.T, ids []string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:scriptorium_router_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&rooms.Room{}, &rooms.RoomAccess{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	roomService, err := rooms.NewService(rooms.ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to construct rooms service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Verifier: stubVerifier{},
		Tokens: stubTokenManager{sessions: map[string]auth.Session{
			"token-owner":  {UserID: "creator-1", Email: "owner@example.com"},
			"token-editor": {UserID: "editor-1", Email: "editor@example.com"},
			"token-viewer": {UserID: "viewer-1", Email: "viewer@example.com"},
		}},
		RoomService: roomService,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	handler := newTestRouter(t, nil)

	recorder := doJSON(t, handler, http.MethodGet, "/documents", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/documents", "bogus-token", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", recorder.Code)
	}
}

func TestAuthTokenEndpointIssuesBackendToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Verifier: stubVerifier{claims: auth.ProviderClaims{
			Subject: "user-1",
			Email:   "alice@example.com",
		}},
		Tokens:      stubTokenManager{issuedToken: "backend-token"},
		RoomService: mustRoomService(t),
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	recorder := doJSON(t, handler, http.MethodPost, "/auth/token", "", map[string]string{"id_token": "provider-token"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response authResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.AccessToken != "backend-token" || response.TokenType != "Bearer" {
		t.Fatalf("unexpected response %+v", response)
	}
}

func TestAuthTokenEndpointRejectsInvalidProviderToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Verifier:    stubVerifier{err: errors.New("bad signature")},
		Tokens:      stubTokenManager{},
		RoomService: mustRoomService(t),
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	recorder := doJSON(t, handler, http.MethodPost, "/auth/token", "", map[string]string{"id_token": "provider-token"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func mustRoomService(t *testing.T) *rooms.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:scriptorium_router_aux_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&rooms.Room{}, &rooms.RoomAccess{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := rooms.NewService(rooms.ServiceConfig{
		Database:   db,
		IDProvider: &staticIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct rooms service: %v", err)
	}
	return service
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	handler := newTestRouter(t, []string{"room-1"})

	recorder := doJSON(t, handler, http.MethodPost, "/documents", "token-owner", map[string]string{"title": "Project Plan"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created documentPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if created.ID != "room-1" || created.Title != "Project Plan" {
		t.Fatalf("unexpected document %+v", created)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/documents/room-1", "token-owner", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var view documentViewPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode view: %v", err)
	}
	if view.Role != string(rooms.RoleOwner) {
		t.Fatalf("expected owner role, got %s", view.Role)
	}
	perms, ok := view.UsersAccesses["owner@example.com"]
	if !ok || len(perms) != 1 || perms[0] != rooms.PermissionWrite {
		t.Fatalf("unexpected creator accesses %v", view.UsersAccesses)
	}

	recorder = doJSON(t, handler, http.MethodDelete, "/documents/room-1", "token-owner", nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, handler, http.MethodGet, "/documents/room-1", "token-owner", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", recorder.Code)
	}
}

func TestGetDocumentWithoutAccessIsForbidden(t *testing.T) {
	handler := newTestRouter(t, []string{"room-1"})

	recorder := doJSON(t, handler, http.MethodPost, "/documents", "token-owner", map[string]string{"title": "Private"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/documents/room-1", "token-viewer", nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-collaborator, got %d", recorder.Code)
	}
}

func TestShareConflictAndForbiddenMapping(t *testing.T) {
	handler := newTestRouter(t, []string{"room-1"})

	recorder := doJSON(t, handler, http.MethodPost, "/documents", "token-owner", map[string]string{"title": "Shared"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}

	share := map[string]string{"email": "viewer@example.com", "user_type": "viewer"}
	recorder = doJSON(t, handler, http.MethodPost, "/documents/room-1/access", "token-owner", share)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, handler, http.MethodPost, "/documents/room-1/access", "token-owner", share)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate share, got %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodPost, "/documents/room-1/access", "token-viewer",
		map[string]string{"email": "friend@example.com", "user_type": "viewer"})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer share, got %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodPost, "/documents/room-1/access", "token-owner",
		map[string]string{"email": "friend@example.com", "user_type": "admin"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid user type, got %d", recorder.Code)
	}
}

func TestRemoveCollaboratorOverHTTP(t *testing.T) {
	handler := newTestRouter(t, []string{"room-1"})

	if recorder := doJSON(t, handler, http.MethodPost, "/documents", "token-owner", map[string]string{"title": "Shared"}); recorder.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", recorder.Code)
	}
	if recorder := doJSON(t, handler, http.MethodPost, "/documents/room-1/access", "token-owner",
		map[string]string{"email": "editor@example.com", "user_type": "editor"}); recorder.Code != http.StatusCreated {
		t.Fatalf("share failed: %d", recorder.Code)
	}

	recorder := doJSON(t, handler, http.MethodDelete, "/documents/room-1/access/editor@example.com", "token-editor", nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-creator removal, got %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodDelete, "/documents/room-1/access/editor@example.com", "token-owner", nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, handler, http.MethodDelete, "/documents/room-1/access/editor@example.com", "token-owner", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for absent collaborator, got %d", recorder.Code)
	}
}

func TestRenameOverHTTP(t *testing.T) {
	handler := newTestRouter(t, []string{"room-1"})

	if recorder := doJSON(t, handler, http.MethodPost, "/documents", "token-owner", map[string]string{"title": "First"}); recorder.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", recorder.Code)
	}

	recorder := doJSON(t, handler, http.MethodPatch, "/documents/room-1/title", "token-owner",
		map[string]interface{}{"title": "Second", "client_updated_at_s": 1700000700})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var renamed documentPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &renamed); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if renamed.Title != "Second" {
		t.Fatalf("unexpected title %q", renamed.Title)
	}

	// A stale autosave returns the surviving title, not an error.
	recorder = doJSON(t, handler, http.MethodPatch, "/documents/room-1/title", "token-owner",
		map[string]interface{}{"title": "Stale", "client_updated_at_s": 1700000100})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &renamed); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if renamed.Title != "Second" {
		t.Fatalf("stale rename should report the stored title, got %q", renamed.Title)
	}
}

func TestAssistRoutesUnavailableWithoutAssistant(t *testing.T) {
	handler := newTestRouter(t, nil)

	recorder := doJSON(t, handler, http.MethodPost, "/ai/summary", "token-owner", map[string]string{"content": "anything"})
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without assistant, got %d", recorder.Code)
	}
}
