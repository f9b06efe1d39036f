package chatbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

var errEmptyModerationResult = errors.New("moderation response contained no results")

// OpenAIClient is the subset of the go-openai client used by the bot
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)

	Moderations(
		ctx context.Context,
		request openai.ModerationRequest,
	) (response openai.ModerationResponse, err error)
}

// OpenAIAPILog is embedded in the per-endpoint request log tables
//
//nolint:lll // struct tags can't be split
type OpenAIAPILog struct {
	ModelUintID
	ModelUnixTime

	UserID string `json:"user_id" gorm:"index"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	RequestBody     string `json:"request_payload" gorm:"type:string"`
	ResponseBody    string `json:"response_payload" gorm:"type:string"`
	ResponseHeaders string `json:"headers" gorm:"type:string"`

	Error string `json:"error" gorm:"type:string"`
}

type OpenAIChatCompletionLog struct {
	OpenAIAPILog
	Model string `json:"model"`
}

func (OpenAIChatCompletionLog) TableName() string {
	return "openai_chat_completion"
}

type OpenAIModerationLog struct {
	OpenAIAPILog
	Flagged bool `json:"flagged"`
}

func (OpenAIModerationLog) TableName() string {
	return "openai_moderation"
}

// OpenAI makes completion and moderation requests, logging each to the
// database. Models configured with their own base_url get a dedicated
// client.
type OpenAI struct {
	config         *OpenAIConfig
	botConfig      *BotConfig
	db             DBI
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	newClient func(baseURL string) OpenAIClient

	mu      sync.Mutex
	clients map[string]OpenAIClient
}

func newOpenAI(
	config *OpenAIConfig,
	botConfig *BotConfig,
	db DBI,
	httpClient *http.Client,
) *OpenAI {
	o := &OpenAI{
		config:    config,
		botConfig: botConfig,
		db:        db,
		clients:   map[string]OpenAIClient{},
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			config.RequestBurst,
		),
	}
	o.logger = newNamedLogger(config.LogLevel, "openai")

	o.newClient = func(baseURL string) OpenAIClient {
		clientCfg := openai.DefaultConfig(config.Token)
		if baseURL != "" {
			clientCfg.BaseURL = strings.TrimSuffix(baseURL, "/")
		}
		if httpClient != nil {
			clientCfg.HTTPClient = httpClient
		}
		return openai.NewClientWithConfig(clientCfg)
	}
	return o
}

// client returns the client for the given model
func (o *OpenAI) client(model string) OpenAIClient {
	baseURL := o.config.BaseURL
	if m, ok := o.botConfig.Model(model); ok && m.BaseURL != "" {
		baseURL = m.BaseURL
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.clients[baseURL]
	if !ok {
		c = o.newClient(baseURL)
		o.clients[baseURL] = c
	}
	return c
}

// waitOnRequestLimiter waits for the request limiter to allow the next
// request, returning any error from the limiter itself
func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	return o.requestLimiter.Wait(ctx)
}

func (o *OpenAI) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.config.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.config.RequestTimeout)
}

func (o *OpenAI) completionRequest(
	userID string,
	admission *Admission,
) openai.ChatCompletionRequest {
	params := o.botConfig.GenerationParameters
	req := openai.ChatCompletionRequest{
		Model:     admission.Model,
		Messages:  admission.Messages,
		User:      userID,
		MaxTokens: o.botConfig.MaxCompletionTokens(admission.Model),
	}
	if params.Temperature != nil {
		req.Temperature = sendableZero(*params.Temperature)
	}
	if params.TopP != nil {
		req.TopP = sendableZero(*params.TopP)
	}
	if params.PresencePenalty != nil {
		req.PresencePenalty = *params.PresencePenalty
	}
	if params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *params.FrequencyPenalty
	}
	return req
}

// sendableZero replaces 0 with the smallest float32, which the provider
// treats as 0. The request fields are `omitempty`, so a configured 0
// would otherwise be dropped and the provider default used instead.
// Penalties default to 0 already and don't need this.
func sendableZero(v float32) float32 {
	if v == 0 {
		return math.SmallestNonzeroFloat32
	}
	return v
}

// Complete requests a chat completion for an admitted request. userID
// is passed to the provider as the end-user identifier.
func (o *OpenAI) Complete(
	ctx context.Context,
	userID string,
	admission *Admission,
) (openai.ChatCompletionResponse, error) {
	logger := contextLoggerOr(ctx, o.logger)
	req := o.completionRequest(userID, admission)

	rec := &OpenAIChatCompletionLog{
		OpenAIAPILog: OpenAIAPILog{UserID: userID},
		Model:        req.Model,
	}
	rec.RequestBody = o.marshal(req)
	defer o.saveLog(ctx, rec)

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		rec.Error = err.Error()
		return openai.ChatCompletionResponse{}, fmt.Errorf("error waiting on rate limiter: %w", err)
	}

	reqCtx, cancel := o.withTimeout(ctx)
	defer cancel()

	rec.RequestStarted = time.Now().UnixMilli()
	resp, err := o.client(req.Model).CreateChatCompletion(reqCtx, req)
	rec.RequestEnded = time.Now().UnixMilli()
	if err != nil {
		rec.Error = err.Error()
		logger.ErrorContext(
			ctx,
			"chat completion failed",
			tint.Err(err),
			"model", req.Model,
			"elapsed", time.Duration(rec.RequestEnded-rec.RequestStarted)*time.Millisecond,
		)
		return resp, fmt.Errorf("error creating chat completion: %w", err)
	}
	rec.ResponseBody = o.marshal(resp)
	rec.ResponseHeaders = o.dumpHeaders(resp.Header())

	logger.InfoContext(
		ctx,
		"chat completion created",
		"completion_id", resp.ID,
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp, nil
}

// Flagged reports whether the moderation endpoint flags the text
func (o *OpenAI) Flagged(ctx context.Context, text string) (bool, error) {
	req := openai.ModerationRequest{Input: text}
	rec := &OpenAIModerationLog{}
	if u, ok := ctx.Value(userIDContextKey).(string); ok {
		rec.UserID = u
	}
	rec.RequestBody = o.marshal(req)
	defer o.saveLog(ctx, rec)

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		rec.Error = err.Error()
		return false, fmt.Errorf("error waiting on rate limiter: %w", err)
	}

	reqCtx, cancel := o.withTimeout(ctx)
	defer cancel()

	rec.RequestStarted = time.Now().UnixMilli()
	resp, err := o.client("").Moderations(reqCtx, req)
	rec.RequestEnded = time.Now().UnixMilli()
	if err != nil {
		rec.Error = err.Error()
		return false, fmt.Errorf("error creating moderation: %w", err)
	}
	rec.ResponseBody = o.marshal(resp)
	rec.ResponseHeaders = o.dumpHeaders(resp.Header())

	if len(resp.Results) == 0 {
		rec.Error = errEmptyModerationResult.Error()
		return false, errEmptyModerationResult
	}
	for _, result := range resp.Results {
		if result.Flagged {
			rec.Flagged = true
		}
	}
	return rec.Flagged, nil
}

func (o *OpenAI) saveLog(ctx context.Context, rec any) {
	if o.db == nil {
		return
	}
	if _, err := o.db.Create(context.WithoutCancel(ctx), rec); err != nil {
		contextLoggerOr(ctx, o.logger).ErrorContext(
			ctx,
			"error adding record",
			tint.Err(err),
		)
	}
}

func (o *OpenAI) marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		o.logger.Warn("error marshaling json", tint.Err(err))
		return ""
	}
	return string(data)
}

func (o *OpenAI) dumpHeaders(headers http.Header) string {
	if len(headers) == 0 {
		return ""
	}
	return o.marshal(headers)
}
