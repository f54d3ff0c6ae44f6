package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rundownlab/rundown/internal/auth"
	"github.com/rundownlab/rundown/internal/backup"
	"github.com/rundownlab/rundown/internal/cache"
	"github.com/rundownlab/rundown/internal/posts"
	"github.com/rundownlab/rundown/internal/ratelimit"
	"github.com/rundownlab/rundown/internal/reference"
	"github.com/rundownlab/rundown/internal/syncing"
)

const clientIDContextKey = "rundown_client_id"

var (
	errMissingCoordinator = errors.New("sync coordinator dependency required")
	errMissingStore       = errors.New("record store dependency required")
	errMissingLimiter     = errors.New("rate limiter dependency required")
)

// Dependencies wires the gateway to the rest of the service. Everything is
// injected so tests can substitute in-memory implementations.
type Dependencies struct {
	Coordinator *syncing.Coordinator
	Store       *posts.Store
	Reference   *reference.Service
	Backup      *backup.Service
	Dispatcher  *syncing.Dispatcher
	Cache       *cache.Cache
	Limiter     *ratelimit.Limiter
	Secret      auth.SharedSecret
	Tokens      *auth.TokenIssuer
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router for the sync and API surfaces.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Limiter == nil {
		return nil, errMissingLimiter
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if !deps.Secret.Enabled() {
		logger.Warn("no shared secret configured, sync and API surfaces are unprotected")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Api-Key", "X-Client-Id"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		coordinator: deps.Coordinator,
		store:       deps.Store,
		reference:   deps.Reference,
		backup:      deps.Backup,
		dispatcher:  deps.Dispatcher,
		cache:       deps.Cache,
		limiter:     deps.Limiter,
		secret:      deps.Secret,
		tokens:      deps.Tokens,
		logger:      logger,
	}

	router.Use(handler.limitRequest)

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/from-replica", handler.handleSyncFromReplica)
	protected.POST("/sync/from-display-client", handler.handleSyncFromDisplayClient)
	protected.POST("/sync/resolve", handler.handleSyncResolve)
	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.GET("/sync/events", handler.handleSyncEvents)
	protected.GET("/api/posts", handler.handleListPosts)
	protected.GET("/api/post", handler.handleGetPost)
	protected.PUT("/api/post", handler.handleUpdatePost)
	protected.POST("/api/post/restore", handler.handleRestorePost)
	protected.GET("/api/trash", handler.handleListTrash)
	protected.GET("/api/schedule", handler.handleSchedule)
	protected.GET("/api/reference/templates", handler.handleTypeTemplates)
	protected.GET("/api/reference/participants", handler.handleParticipants)
	protected.GET("/api/export", handler.handleExport)
	protected.POST("/api/restore", handler.handleRestoreSnapshot)

	return router, nil
}

type httpHandler struct {
	coordinator *syncing.Coordinator
	store       *posts.Store
	reference   *reference.Service
	backup      *backup.Service
	dispatcher  *syncing.Dispatcher
	cache       *cache.Cache
	limiter     *ratelimit.Limiter
	secret      auth.SharedSecret
	tokens      *auth.TokenIssuer
	logger      *zap.Logger
}

// limitRequest consults the rate limiter before any business logic. The
// client identifier is the validated token subject when present, otherwise
// the self-reported client id header, otherwise the peer address.
func (h *httpHandler) limitRequest(c *gin.Context) {
	clientID := h.clientIdentifier(c)
	if err := h.limiter.Allow(clientID); err != nil {
		var limited *ratelimit.Error
		if errors.As(err, &limited) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               "RateLimited",
				"retry_after_seconds": int(limited.RetryAfter.Seconds() + 0.5),
			})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "InternalError"})
		return
	}
	c.Next()
}

// authorizeRequest accepts either a bearer token previously issued for the
// shared secret, or the shared secret itself in the X-Api-Key header or an
// api_key body field. An unconfigured secret disables enforcement.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if !h.secret.Enabled() {
		c.Set(clientIDContextKey, h.clientIdentifier(c))
		c.Next()
		return
	}

	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") && h.tokens != nil {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		subject, err := h.tokens.ValidateToken(token)
		if err == nil {
			c.Set(clientIDContextKey, subject)
			c.Next()
			return
		}
		h.logger.Warn("token validation failed", zap.Error(err))
	}

	if key := c.GetHeader("X-Api-Key"); key != "" && h.secret.Verify(key) {
		c.Set(clientIDContextKey, h.clientIdentifier(c))
		c.Next()
		return
	}

	if key := h.apiKeyFromBody(c); key != "" && h.secret.Verify(key) {
		c.Set(clientIDContextKey, h.clientIdentifier(c))
		c.Next()
		return
	}

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
}

// apiKeyFromBody peeks at a JSON body for an api_key field, restoring the
// body so the handler can still bind it.
func (h *httpHandler) apiKeyFromBody(c *gin.Context) string {
	if c.Request.Body == nil || c.Request.Method == http.MethodGet {
		return ""
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	var probe struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.APIKey
}

func (h *httpHandler) clientIdentifier(c *gin.Context) string {
	if fromContext := c.GetString(clientIDContextKey); fromContext != "" {
		return fromContext
	}
	if fromHeader := strings.TrimSpace(c.GetHeader("X-Client-Id")); fromHeader != "" {
		return fromHeader
	}
	return c.ClientIP()
}

type tokenRequestPayload struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ClientID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "client_id"})
		return
	}
	if !h.secret.Enabled() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "auth_disabled"})
		return
	}
	if !h.secret.Verify(request.APIKey) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if h.tokens == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "InternalError"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), strings.TrimSpace(request.ClientID))
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "InternalError"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}
