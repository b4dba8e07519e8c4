package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"reelforge/internal/i18n"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramOptions configures TelegramNotifier.
type TelegramOptions struct {
	BotToken       string
	BaseURL        string
	SupportContact string
	DefaultLocale  string
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// TelegramNotifier sends job results straight to the owner's chat through the Bot API.
type TelegramNotifier struct {
	token          string
	baseURL        string
	supportContact string
	defaultLocale  string
	client         *http.Client
	logger         zerolog.Logger
}

func NewTelegramNotifier(opts TelegramOptions) *TelegramNotifier {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultTelegramBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TelegramNotifier{
		token:          strings.TrimSpace(opts.BotToken),
		baseURL:        baseURL,
		supportContact: opts.SupportContact,
		defaultLocale:  opts.DefaultLocale,
		client:         client,
		logger:         opts.Logger.With().Str("component", "telegram").Logger(),
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Notify is a no-op for owners without a chat identity.
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	if event.ChatID == nil {
		return nil
	}
	if n.token == "" {
		return fmt.Errorf("telegram: bot token not configured")
	}
	locale := i18n.Normalize(event.Locale, n.defaultLocale)

	switch event.Kind {
	case EventDone:
		balance := 0
		if event.Balance != nil {
			balance = *event.Balance
		}
		caption := i18n.DoneText(locale, event.TemplateID, balance)
		if event.OutputURL == "" {
			return n.call(ctx, "sendMessage", map[string]any{
				"chat_id":    *event.ChatID,
				"text":       html.EscapeString(caption),
				"parse_mode": "HTML",
			})
		}
		return n.call(ctx, "sendVideo", map[string]any{
			"chat_id":            *event.ChatID,
			"video":              event.OutputURL,
			"caption":            html.EscapeString(caption),
			"parse_mode":         "HTML",
			"supports_streaming": true,
		})
	case EventRetrying:
		return n.call(ctx, "sendMessage", map[string]any{
			"chat_id":    *event.ChatID,
			"text":       html.EscapeString(i18n.RetryText(locale)),
			"parse_mode": "HTML",
		})
	case EventFailed:
		text := i18n.FailureText(locale, event.ErrorKind, event.Refunded, n.supportContact)
		return n.call(ctx, "sendMessage", map[string]any{
			"chat_id":    *event.ChatID,
			"text":       html.EscapeString(text),
			"parse_mode": "HTML",
		})
	default:
		return fmt.Errorf("telegram: unknown event kind %q", event.Kind)
	}
}

func (n *TelegramNotifier) call(ctx context.Context, method string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", n.baseURL, n.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram: read %s response: %w", method, err)
	}
	var parsed telegramResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("telegram: decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !parsed.OK {
		return fmt.Errorf("telegram: %s failed: %d %s", method, parsed.ErrorCode, parsed.Description)
	}
	n.logger.Debug().Str("method", method).Msg("telegram: delivered")
	return nil
}
