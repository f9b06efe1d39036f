package chatbot

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiHealthCheck          = "/healthz"
	apiPrefix               = "/api"
	apiPathBotConfig        = "/bot_config"
	apiPathChatLogs         = "/chat_logs"
	apiPathCooldown         = "/cooldowns/:user_id"
	apiPathConsent          = "/consents/:user_id"
	apiPathRegisterCommands = "/discord/register_commands"
	pprofPrefix             = "/debug"

	bearerPrefix = "Bearer "

	defaultChatLogLimit = 25
)

// API is the admin HTTP API. Every route under /api requires the
// configured bearer token.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger

	handlers *APIHandlers
}

func newAPI(b *Bot, config *APIConfig, development bool) (*API, error) {
	r := gin.New()
	api := &API{
		config:   config,
		engine:   r,
		logger:   newNamedLogger(config.LogLevel, "api"),
		handlers: &APIHandlers{bot: b},
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.enabled() {
		tlsCfg, err := tlsConfig(config.SSL.CertFile, config.SSL.KeyFile, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	if !development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)

	if development {
		pprofGroup := r.Group(pprofPrefix)
		pprofGroup.Use(authMiddleware(config.Token))
		ginPprof.RouteRegister(pprofGroup, "pprof")
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Token))

	protected.GET(apiPathBotConfig, api.handlers.getBotConfig)
	protected.GET(apiPathChatLogs, api.handlers.getChatLogs)
	protected.DELETE(apiPathCooldown, api.handlers.clearCooldown)
	protected.DELETE(apiPathConsent, api.handlers.revokeConsent)
	protected.POST(apiPathRegisterCommands, api.handlers.discordRegisterCommands)
	return api, nil
}

// Serve listens until ctx is canceled
func (a *API) Serve(ctx context.Context) error {
	return serveHTTP(ctx, a.httpServer, a.config.ListenNetwork, a.logger)
}

// APIHandlers holds the API's route handlers
type APIHandlers struct {
	bot *Bot
}

// healthCheck reports gateway connectivity and the number of
// interactions in progress. It doesn't require authentication.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		InFlight: h.bot.inFlight.Load(),
		Uptime:   time.Since(h.bot.startedAt).Round(time.Second).String(),
	}
	if h.bot.discord != nil {
		resp.DiscordGatewayConnected = h.bot.discord.connected.Load()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getBotConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.bot.botConfig)
}

// getChatLogs lists chat logs, newest first unless order=asc.
//
// Responses:
//   - 200 OK: a list of chat logs
//   - 400 Bad Request: invalid query parameters
func (h *APIHandlers) getChatLogs(c *gin.Context) {
	logger := ginContextLogger(c)

	var query GetChatLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		logger.WarnContext(c, "invalid query", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultChatLogLimit
	}
	if query.Order == "" {
		query.Order = Descending
	}

	ctx, cancel := withDBTimeout(c.Request.Context())
	defer cancel()

	tx := h.bot.db.DB().WithContext(ctx).
		Order("created_at " + string(query.Order)).
		Limit(query.Limit).
		Offset(query.Offset)
	if query.UserID != "" {
		tx = tx.Where(columnUserID+" = ?", query.UserID)
	}

	logs := []ChatLog{}
	if err := tx.Find(&logs).Error; err != nil {
		logger.ErrorContext(c, "error fetching chat logs", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error fetching chat logs"})
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *APIHandlers) clearCooldown(c *gin.Context) {
	logger := ginContextLogger(c)
	userID := c.Param("user_id")
	if err := h.bot.cooldowns.Clear(c.Request.Context(), userID); err != nil {
		logger.ErrorContext(c, "error clearing cooldown", tint.Err(err), columnUserID, userID)
		c.JSON(http.StatusInternalServerError, httpError{Error: "error clearing cooldown"})
		return
	}
	logger.InfoContext(c, "cleared cooldown", columnUserID, userID)
	c.JSON(http.StatusOK, httpReply{Message: "cooldown cleared"})
}

// revokeConsent removes a user's agreement to the terms, so their next
// /chat asks them to agree again.
//
// Responses:
//   - 200 OK: consent revoked (or never recorded)
//   - 400 Bad Request: user_id isn't a snowflake
//   - 500 Internal Server Error: the consent store failed
func (h *APIHandlers) revokeConsent(c *gin.Context) {
	logger := ginContextLogger(c)
	userID := c.Param("user_id")
	if _, err := strconv.ParseUint(userID, 10, 64); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid user_id"})
		return
	}
	if err := h.bot.consent.RevokeConsent(c.Request.Context(), userID); err != nil {
		logger.ErrorContext(c, "error revoking consent", tint.Err(err), columnUserID, userID)
		c.JSON(http.StatusInternalServerError, httpError{Error: "error revoking consent"})
		return
	}
	logger.InfoContext(c, "revoked consent", columnUserID, userID)
	c.JSON(http.StatusOK, httpReply{Message: "consent revoked"})
}

// discordRegisterCommands overwrites the application's commands with
// those derived from the bot config.
//
// Responses:
//   - 201 Created: registered command IDs, keyed by name
//   - 500 Internal Server Error: registration failed
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	ids, err := h.bot.RegisterCommands(c.Request.Context())
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, ids)
}

// Sort is the order of a listing, by creation time
type Sort string

const (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// Pagination holds common listing parameters
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

type GetChatLogsQuery struct {
	Pagination
	UserID string `form:"user_id" binding:"omitempty,numeric"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	InFlight                int64  `json:"in_flight"`
	Uptime                  string `json:"uptime"`
}

type httpReply struct {
	Message string `json:"message"`
}

// httpError is the body of every error response
type httpError struct {
	Error string `json:"error"`
}

// authMiddleware requires `Authorization: Bearer <token>`
func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided, ok := strings.CutPrefix(c.GetHeader("Authorization"), bearerPrefix)
		if !ok || token == "" ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			ginContextLogger(c).Warn("unauthorized request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique ID to each request, set in the
// gin context and the response headers under X-Request-ID.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included
// and stores it in the context for subsequent calls.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := v.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	base := slog.Default()
	if v, ok := c.Get(baseLoggerKey); ok {
		if l, isLogger := v.(*slog.Logger); isLogger {
			base = l
		}
	}

	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

const baseLoggerKey = "base_logger"

// ginLoggingMiddleware logs each request once it has finished, with
// its duration and response status.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(baseLoggerKey, logger)

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}
