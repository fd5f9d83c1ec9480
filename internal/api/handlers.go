package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"pairrelay/internal/auth"
	"pairrelay/internal/logging"
	"pairrelay/internal/relay"
)

// Relay is the session service the gateway forwards to.
type Relay interface {
	CreateSession(ctx context.Context) (auth.Credentials, error)
	PostMessage(ctx context.Context, id string, req relay.PostRequest) (relay.PostResult, error)
	GetMessages(ctx context.Context, id, readKey string, since int64) (relay.Page, error)
	TTL() time.Duration
	MaxBodyBytes() int64
}

// Handler wires HTTP routes to the relay service.
type Handler struct {
	relay   Relay
	origins map[string]struct{}
	logger  zerolog.Logger
}

// NewHandler constructs a Handler. An empty allowedOrigins list permits
// every origin, which is meant for development only.
func NewHandler(svc Relay, allowedOrigins []string, logger zerolog.Logger) *Handler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = struct{}{}
		}
	}
	return &Handler{relay: svc, origins: origins, logger: logger}
}

// NewRouter builds the gateway engine with its middleware stack. Extra
// middleware (metrics) runs after request id and logging.
func NewRouter(h *Handler, middleware ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery(), logging.RequestID(), logging.RequestLogger(h.logger))
	router.Use(middleware...)
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(h.cors())
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	v1 := router.Group("/v1")
	v1.POST("/sessions", h.createSession)
	sessions := v1.Group("/sessions/:id")
	sessions.Use(h.requireSessionID())
	sessions.POST("/messages", h.postMessage)
	sessions.GET("/messages", h.getMessages)
}

func (h *Handler) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Add("Vary", "Origin")
		if allow := h.allowOrigin(c.GetHeader("Origin")); allow != "" {
			header.Set("Access-Control-Allow-Origin", allow)
			header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			header.Set("Access-Control-Allow-Headers", "Content-Type")
			header.Set("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// allowOrigin returns the Access-Control-Allow-Origin value, or "" when the
// origin is not on a configured allow-list.
func (h *Handler) allowOrigin(origin string) string {
	if len(h.origins) == 0 {
		return "*"
	}
	if origin == "" {
		return ""
	}
	if _, ok := h.origins[origin]; ok {
		return origin
	}
	return ""
}

// malformed ids never reach the registry
func (h *Handler) requireSessionID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.ValidSessionID(c.Param("id")) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.Next()
	}
}

type createSessionResponse struct {
	SessionID        string `json:"sessionId"`
	WriteKey         string `json:"writeKey"`
	ReadKey          string `json:"readKey"`
	ExpiresInSeconds int64  `json:"expiresInSeconds"`
}

func (h *Handler) createSession(c *gin.Context) {
	creds, err := h.relay.CreateSession(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createSessionResponse{
		SessionID:        creds.SessionID,
		WriteKey:         creds.WriteKey,
		ReadKey:          creds.ReadKey,
		ExpiresInSeconds: int64(h.relay.TTL() / time.Second),
	})
}

func (h *Handler) postMessage(c *gin.Context) {
	// one byte past the limit is enough for the actor to see an oversize body
	// a read failure is judged by the actor so the write key is checked first
	body, readErr := io.ReadAll(io.LimitReader(c.Request.Body, h.relay.MaxBodyBytes()+1))
	res, err := h.relay.PostMessage(c.Request.Context(), c.Param("id"), relay.PostRequest{
		WriteKey:     c.Query("w"),
		Body:         body,
		DeclaredSize: c.Request.ContentLength,
		ReadErr:      readErr,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) getMessages(c *gin.Context) {
	page, err := h.relay.GetMessages(c.Request.Context(), c.Param("id"), c.Query("r"), parseSince(c.Query("since")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// parseSince treats a missing, negative or not wholly numeric cursor as 0;
// "5abc" is 0, not 5.
func parseSince(raw string) int64 {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, msg := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).
			Str("request_id", logging.RequestIDFrom(c)).
			Str("session", c.Param("id")).
			Msg("relay request failed")
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": msg})
}

func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, relay.ErrNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, relay.ErrExpired):
		return http.StatusGone, "Session expired"
	case errors.Is(err, relay.ErrInvalidWriteKey):
		return http.StatusForbidden, "Invalid write key"
	case errors.Is(err, relay.ErrInvalidReadKey):
		return http.StatusForbidden, "Invalid read key"
	case errors.Is(err, relay.ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, relay.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "Payload too large"
	case errors.Is(err, relay.ErrCapacityExceeded):
		return http.StatusTooManyRequests, "Message limit reached"
	case errors.Is(err, relay.ErrMalformedBody):
		return http.StatusBadRequest, "Invalid JSON body"
	case errors.Is(err, relay.ErrInitFailure):
		return http.StatusInternalServerError, "Failed to initialize session"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}
