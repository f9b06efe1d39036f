package chatbot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const apiDiscordInteractions = "/discord/interactions"

// DiscordWebhookServer receives interactions via HTTP POST, as an
// alternative to the gateway.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
}

// Serve listens until ctx is canceled, then shuts the server down
func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	return serveHTTP(
		ctx,
		d.httpServer,
		d.config.ListenNetwork,
		d.logger,
	)
}

// serveHTTP runs srv on a listener for the given network, shutting it
// down when ctx is canceled.
func serveHTTP(
	ctx context.Context,
	srv *http.Server,
	network string,
	logger *slog.Logger,
) error {
	ln, err := net.Listen(network, srv.Addr)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", srv.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "starting server", "listen", ln.Addr().String())
		if srv.TLSConfig == nil {
			logger.Warn("starting server without TLS")
			errCh <- srv.Serve(ln)
			return
		}
		errCh <- srv.ServeTLS(ln, "", "")
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
		defer cancel()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("error shutting down server", tint.Err(shutdownErr))
		}
		err = <-errCh
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// newWebhookServer creates a [DiscordWebhookServer] which passes
// verified interactions to handle.
func newWebhookServer(
	ctx context.Context,
	config DiscordWebhookServerConfig,
	publicKey ed25519.PublicKey,
	development bool,
	handle func(ctx context.Context, handler InteractionHandler),
	newHandler func(i *discordgo.InteractionCreate, logger *slog.Logger) InteractionHandler,
) (*DiscordWebhookServer, error) {
	if len(publicKey) == 0 {
		return nil, errors.New("a public key is required to receive webhook interactions")
	}

	r := gin.New()
	srv := &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: newNamedLogger(config.LogLevel, "discord_webhook"),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.enabled() {
		tlsCfg, err := tlsConfig(config.SSL.CertFile, config.SSL.KeyFile, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	srv.httpServer = httpServer

	if !development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(srv.logger),
		discordRequestAuthenticationMiddleware(publicKey),
	)
	r.POST(apiDiscordInteractions, webhookReceiveHandler(ctx, handle, newHandler))
	return srv, nil
}

var errWebhookAlreadyResponded = errors.New("webhook interaction already responded to")

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written as the HTTP response body; everything
// after that goes through the REST API.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext *gin.Context
	responded  chan struct{}
	once       *sync.Once
	InteractionHandler
}

func newWebhookHandler(c *gin.Context, h InteractionHandler) WebhookHandler {
	return WebhookHandler{
		ginContext:         c,
		responded:          make(chan struct{}),
		once:               &sync.Once{},
		InteractionHandler: h,
	}
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

// Respond writes the response as the HTTP response body. Only the first
// call has any effect.
func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := errWebhookAlreadyResponded
	w.once.Do(
		func() {
			w.ginContext.JSON(http.StatusOK, response)
			close(w.responded)
			err = nil
		},
	)
	return err
}

// webhookReceiveHandler returns a [gin.HandlerFunc] for handling
// Discord webhook interactions. The interaction is handled in a new
// goroutine, and the request completes once the initial response has
// been written.
func webhookReceiveHandler(
	ctx context.Context,
	handle func(ctx context.Context, handler InteractionHandler),
	newHandler func(i *discordgo.InteractionCreate, logger *slog.Logger) InteractionHandler,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		runCtx := WithLogger(ctx, logger)

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}

		if interaction.Type == discordgo.InteractionPing {
			c.JSON(
				http.StatusOK,
				discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
			)
			return
		}

		handler := newWebhookHandler(c, newHandler(&interaction, logger))
		done := make(chan struct{})
		go func() {
			defer close(done)
			handle(runCtx, handler)
		}()

		select {
		case <-handler.responded:
		case <-done:
			select {
			case <-handler.responded:
			default:
				logger.ErrorContext(runCtx, "interaction finished without a response")
				c.JSON(http.StatusInternalServerError, httpError{Error: "no response"})
			}
		case <-c.Request.Context().Done():
			logger.WarnContext(runCtx, "request canceled before responding")
		}
	}
}

// discordRequestAuthenticationMiddleware rejects requests without a
// valid signature.
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the request's Ed25519 signature over the
// timestamp header and body. The body is restored for later reads.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	var body bytes.Buffer
	defer func() {
		_ = r.Body.Close()
		r.Body = io.NopCloser(&body)
	}()

	if _, err = io.Copy(&msg, io.TeeReader(r.Body, &body)); err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
