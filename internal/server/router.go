package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scriptorium-app/scriptorium/backend/internal/ai"
	"github.com/scriptorium-app/scriptorium/backend/internal/auth"
	"github.com/scriptorium-app/scriptorium/backend/internal/events"
	"github.com/scriptorium-app/scriptorium/backend/internal/rooms"
	"github.com/scriptorium-app/scriptorium/backend/internal/users"
)

const (
	userIDContextKey = "scriptorium_user_id"
	emailContextKey  = "scriptorium_email"
)

var (
	errMissingVerifier     = errors.New("provider verifier dependency required")
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingRoomService  = errors.New("room service dependency required")
	errInvalidAuth         = errors.New("authorization header missing or invalid")
)

// ProviderVerifier validates identity-provider ID tokens.
type ProviderVerifier interface {
	Verify(ctx context.Context, token string) (auth.ProviderClaims, error)
}

// BackendTokenManager issues and validates backend session tokens.
type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, claims auth.ProviderClaims) (string, int64, error)
	ValidateToken(token string) (auth.Session, error)
}

// IdentityResolver upserts directory records at sign-in.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, claims auth.ProviderClaims) (users.Identity, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Verifier    ProviderVerifier
	Tokens      BackendTokenManager
	RoomService *rooms.Service
	Identities  IdentityResolver
	Assistant   *ai.Assistant
	Bus         *events.Bus
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router for the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.RoomService == nil {
		return nil, errMissingRoomService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:    deps.Verifier,
		tokens:      deps.Tokens,
		roomService: deps.RoomService,
		identities:  deps.Identities,
		assistant:   deps.Assistant,
		bus:         deps.Bus,
		logger:      logger,
	}

	router.POST("/auth/token", handler.handleAuthToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents", handler.handleListDocuments)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.PATCH("/documents/:id/title", handler.handleRenameDocument)
	protected.POST("/documents/:id/access", handler.handleShareDocument)
	protected.PATCH("/documents/:id/access", handler.handleUpdateAccess)
	protected.DELETE("/documents/:id/access/:email", handler.handleRemoveCollaborator)
	protected.DELETE("/documents/:id", handler.handleDeleteDocument)
	protected.GET("/events/stream", handler.handleEventStream)
	protected.POST("/ai/title", handler.handleGenerateTitle)
	protected.POST("/ai/themes", handler.handleAnalyzeThemes)
	protected.POST("/ai/suggestions", handler.handleGetSuggestions)
	protected.POST("/ai/summary", handler.handleGenerateSummary)

	return router, nil
}

type httpHandler struct {
	verifier    ProviderVerifier
	tokens      BackendTokenManager
	roomService *rooms.Service
	identities  IdentityResolver
	assistant   *ai.Assistant
	bus         *events.Bus
	logger      *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleAuthToken(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("provider token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if h.identities != nil {
		if _, err := h.identities.ResolveIdentity(c.Request.Context(), claims); err != nil {
			h.logger.Error("identity resolution failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
			return
		}
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	session, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, session.UserID)
	c.Set(emailContextKey, session.Email)
	c.Next()
}

func (h *httpHandler) sessionRequester(c *gin.Context) (rooms.Requester, bool) {
	userID := c.GetString(userIDContextKey)
	rawEmail := c.GetString(emailContextKey)
	if userID == "" || rawEmail == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return rooms.Requester{}, false
	}
	email, err := rooms.NewEmail(rawEmail)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return rooms.Requester{}, false
	}
	return rooms.Requester{ID: userID, Email: email}, true
}
