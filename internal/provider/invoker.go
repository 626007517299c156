// Package provider calls an OpenAI-compatible chat completions endpoint and
// turns the reply into decoded JSON.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"launchpath/internal/config"
	"launchpath/internal/domain"
)

const jsonOnlyInstruction = "\n\nRespond with a single valid JSON value only. Do not use markdown code fences and do not add prose before or after the JSON."

// UsageRecorder appends to the usage ledger. repo.Repo satisfies it.
type UsageRecorder interface {
	AppendUsage(ctx context.Context, e domain.UsageEntry) error
}

type Call struct {
	Feature      string
	CallerID     string
	ProjectID    string
	SystemPrompt string
	UserPrompt   string
	Tier         string
}

type Response struct {
	Data    any
	Raw     string
	Cleaned string
	Model   string
	Tokens  int64
}

type Invoker struct {
	BaseURL string
	APIKey  string
	Tiers   map[string]config.Tier
	HTTP    *http.Client
	Retry   RetryPolicy
	Usage   UsageRecorder
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewInvoker wires an invoker from config. The API key is passed separately
// so it never lives in the config struct.
func NewInvoker(cfg *config.Config, apiKey string, usage UsageRecorder, logger *slog.Logger) (*Invoker, error) {
	client, err := NewHTTPClient(cfg.Provider.ProxyURL, cfg.Provider.Timeout.Std())
	if err != nil {
		return nil, err
	}
	return &Invoker{
		BaseURL: strings.TrimRight(cfg.Provider.BaseURL, "/"),
		APIKey:  apiKey,
		Tiers:   cfg.Provider.Tiers,
		HTTP:    client,
		Retry:   FixedRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.Backoff.Std()),
		Usage:   usage,
		Logger:  logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// exchange is one HTTP round trip that produced a response.
type exchange struct {
	status int
	body   []byte
}

// Invoke sends the prompts with the tier's model profile, retrying per the
// policy, and decodes the JSON payload of the reply. Every call that got a
// response from the provider is recorded on the usage ledger.
func (inv *Invoker) Invoke(ctx context.Context, call Call) (Response, error) {
	tier := inv.tier(call.Tier)
	req := chatRequest{
		Model: tier.Model,
		Messages: []chatMessage{
			{Role: "system", Content: call.SystemPrompt + jsonOnlyInstruction},
			{Role: "user", Content: call.UserPrompt},
		},
		Temperature:    tier.Temperature,
		MaxTokens:      tier.MaxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}

	logger := inv.logger().With("feature", call.Feature, "tier", call.Tier, "model", tier.Model)
	logger.InfoContext(ctx, "generating")

	var last *exchange
	attempts, err := inv.retry().Do(ctx, func(attempt int) error {
		ex, err := inv.post(ctx, body)
		if err != nil {
			return err
		}
		last = ex
		if ex.status == http.StatusTooManyRequests {
			logger.WarnContext(ctx, "rate limited", "attempt", attempt)
			return ErrRateLimited
		}
		if ex.status < 200 || ex.status > 299 {
			return fmt.Errorf("status %d", ex.status)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if last != nil {
				inv.record(ctx, call, tier.Model, 0, domain.UsageUpstreamError)
			}
			return Response{}, err
		}
		upErr := &UpstreamError{Attempts: attempts, Err: err}
		if last != nil {
			upErr.Status = last.status
			upErr.Body = preview(string(last.body))
			inv.record(ctx, call, tier.Model, 0, domain.UsageUpstreamError)
		}
		logger.WarnContext(ctx, "provider call failed", "status", upErr.Status, "attempts", attempts)
		return Response{}, upErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(last.body, &parsed); err != nil {
		inv.record(ctx, call, tier.Model, 0, domain.UsageMalformedOutput)
		return Response{}, &MalformedOutputError{RawPreview: preview(string(last.body)), Err: fmt.Errorf("decode completion: %w", err)}
	}
	model := parsed.Model
	if model == "" {
		model = tier.Model
	}
	var content string
	if len(parsed.Choices) > 0 {
		content = parsed.Choices[0].Message.Content
	}
	tokens := estimateTokens(call.SystemPrompt+call.UserPrompt, content)
	if parsed.Usage != nil && parsed.Usage.TotalTokens > 0 {
		tokens = parsed.Usage.TotalTokens
	}

	data, cleaned, err := ParseJSON(content)
	if err != nil {
		inv.record(ctx, call, model, tokens, domain.UsageMalformedOutput)
		logger.WarnContext(ctx, "malformed output", "err", err)
		return Response{}, err
	}
	inv.record(ctx, call, model, tokens, domain.UsageOK)
	logger.InfoContext(ctx, "generated", "tokens", tokens, "attempts", attempts)
	return Response{Data: data, Raw: content, Cleaned: cleaned, Model: model, Tokens: tokens}, nil
}

func (inv *Invoker) post(ctx context.Context, body []byte) (*exchange, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if inv.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+inv.APIKey)
	}
	client := inv.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	return &exchange{status: resp.StatusCode, body: data}, nil
}

// record never fails the call; a ledger write error is only logged.
func (inv *Invoker) record(ctx context.Context, call Call, model string, tokens int64, outcome string) {
	if inv.Usage == nil {
		return
	}
	now := time.Now
	if inv.Now != nil {
		now = inv.Now
	}
	entry := domain.UsageEntry{
		ID:        uuid.NewString(),
		TS:        now().UTC().Format(time.RFC3339),
		Tokens:    tokens,
		Feature:   call.Feature,
		CallerID:  call.CallerID,
		ProjectID: call.ProjectID,
		Model:     model,
		Outcome:   outcome,
	}
	// The ledger must be written even when the caller's deadline fired.
	if err := inv.Usage.AppendUsage(context.WithoutCancel(ctx), entry); err != nil {
		inv.logger().WarnContext(ctx, "append usage", "feature", call.Feature, "err", err)
	}
}

func (inv *Invoker) tier(name string) config.Tier {
	if t, ok := inv.Tiers[name]; ok {
		return t
	}
	return inv.Tiers[config.TierFast]
}

func (inv *Invoker) retry() RetryPolicy {
	if inv.Retry.MaxAttempts == 0 {
		return DefaultRetryPolicy()
	}
	return inv.Retry
}

func (inv *Invoker) logger() *slog.Logger {
	if inv.Logger != nil {
		return inv.Logger
	}
	return slog.Default()
}

// estimateTokens approximates usage at four characters per token when the
// provider omits usage.
func estimateTokens(prompt, completion string) int64 {
	n := utf8.RuneCountInString(prompt) + utf8.RuneCountInString(completion)
	return int64((n + 3) / 4)
}
