package prompt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"reelforge/internal/domain"
)

const (
	defaultOpenAIModel   = "gpt-4.1-mini"
	openAIDefaultTimeout = 60 * time.Second
	openAITemperature    = 0.7
)

var openAIModelAliases = map[string]string{
	"gpt4.1-mini":  "gpt-4.1-mini",
	"gpt-41-mini":  "gpt-4.1-mini",
	"gpt4.1mini":   "gpt-4.1-mini",
	"gpt-4o-mini":  "gpt-4o-mini",
	"gpt4o-mini":   "gpt-4o-mini",
	"gpt-4.1":      "gpt-4.1",
	"gpt-4o":       "gpt-4o",
	"gpt-4.1-nano": "gpt-4.1-nano",
}

type OpenAIOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Fallback   Builder
	OnFallback func(reason string, err error)
}

// OpenAIBuilder asks a chat model to write the prompt and falls back to the
// static composition on any failure, so a job never fails on prompt building.
type OpenAIBuilder struct {
	client     *openai.Client
	model      string
	fallback   Builder
	onFallback func(reason string, err error)
}

func NewOpenAIBuilder(opts OpenAIOptions) (*OpenAIBuilder, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		return nil, errors.New("openai api key is required")
	}
	cfg := openai.DefaultConfig(key)
	if base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"); base != "" {
		cfg.BaseURL = base
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: openAIDefaultTimeout}
	}
	cfg.HTTPClient = httpClient

	fallback := opts.Fallback
	if fallback == nil {
		fallback = NewStaticBuilder()
	}
	return &OpenAIBuilder{
		client:     openai.NewClientWithConfig(cfg),
		model:      normalizeOpenAIModel(opts.Model),
		fallback:   fallback,
		onFallback: opts.OnFallback,
	}, nil
}

func (o *OpenAIBuilder) Model() string { return o.model }

func (o *OpenAIBuilder) Build(ctx context.Context, p domain.Payload) (string, error) {
	if custom := strings.TrimSpace(p.CustomPrompt); custom != "" {
		return custom, nil
	}
	tpl := templateFor(p.TemplateID)
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: openAITemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: tpl.System},
			{Role: openai.ChatMessageRoleUser, Content: userMessage(tpl, p)},
		},
	})
	if err != nil {
		return o.useFallback(ctx, p, "chat_completion", err)
	}
	if len(resp.Choices) == 0 {
		return o.useFallback(ctx, p, "empty_choices", errors.New("no choices"))
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return o.useFallback(ctx, p, "empty_response", errors.New("empty response"))
	}
	return text, nil
}

func userMessage(tpl Template, p domain.Payload) string {
	wishes := strings.TrimSpace(p.ExtraWishes)
	if wishes == "" {
		wishes = "none"
	}
	var sb strings.Builder
	sb.WriteString(tpl.Instructions)
	fmt.Fprintf(&sb, "\n\nPRODUCT INFO:\n%s\n\nEXTRA WISHES:\n%s\n\n", strings.TrimSpace(p.ProductText), wishes)
	if p.Locale == "ru" {
		sb.WriteString("The product info may be in Russian; write the prompt in English.\n")
	}
	sb.WriteString("Return ONLY the final prompt, no explanations.")
	return sb.String()
}

func (o *OpenAIBuilder) useFallback(ctx context.Context, p domain.Payload, reason string, cause error) (string, error) {
	if o.onFallback != nil {
		o.onFallback(reason, cause)
	}
	return o.fallback.Build(ctx, p)
}

func normalizeOpenAIModel(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return defaultOpenAIModel
	}
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	if alias, ok := openAIModelAliases[normalized]; ok {
		return alias
	}
	return normalized
}

var _ Builder = (*OpenAIBuilder)(nil)
