// Package notify sends operator-facing alerts about dispatch health:
// circuit breaker trips and scheme exhaustion.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/catfishapiagg/llmproxy/internal/util"
)

// WebhookConfig holds webhook configuration
type WebhookConfig struct {
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string
}

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier handles sending notifications
type Notifier struct {
	cfg    *WebhookConfig
	client *http.Client
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *WebhookConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyBreakerTripped fires when an upstream's consecutive failure
// count reaches its configured threshold and it is disabled until the
// given time.
func (n *Notifier) NotifyBreakerTripped(upstreamID, scheme string, disabledUntil time.Time) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordBreakerNotification(upstreamID, scheme, disabledUntil)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramBreakerNotification(upstreamID, scheme, disabledUntil)
	}
}

// NotifySchemeExhausted fires when every upstream in a scheme's
// attempt queue failed (or was tripped) and a client request had to be
// answered with an error.
func (n *Notifier) NotifySchemeExhausted(scheme string, attempted int) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordExhaustionNotification(scheme, attempted)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramExhaustionNotification(scheme, attempted)
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) sendDiscordBreakerNotification(upstreamID, scheme string, disabledUntil time.Time) {
	embed := DiscordEmbed{
		Title:       "Upstream Breaker Tripped",
		Description: fmt.Sprintf("**%s** disabled an upstream in scheme `%s`", n.cfg.ServiceName, scheme),
		Color:       0xFFA500,
		Fields: []DiscordField{
			{Name: "Upstream", Value: upstreamID, Inline: true},
			{Name: "Disabled until", Value: disabledUntil.Format(time.RFC3339), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: n.cfg.ServiceName},
	}
	n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordExhaustionNotification(scheme string, attempted int) {
	embed := DiscordEmbed{
		Title:       "Scheme Exhausted",
		Description: fmt.Sprintf("**%s** could not satisfy a request on scheme `%s`", n.cfg.ServiceName, scheme),
		Color:       0xFF0000,
		Fields: []DiscordField{
			{Name: "Candidates attempted", Value: fmt.Sprintf("%d", attempted), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: n.cfg.ServiceName},
	}
	n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("notify: failed to marshal Discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordURL, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("notify: failed to send Discord notification after %d retries: %v", MaxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegramBreakerNotification(upstreamID, scheme string, disabledUntil time.Time) {
	text := fmt.Sprintf(
		"*Upstream Breaker Tripped*\n\nScheme: `%s`\nUpstream: `%s`\nDisabled until: `%s`",
		scheme, upstreamID, disabledUntil.Format(time.RFC3339),
	)
	n.sendTelegramMessageWithRetry(text)
}

func (n *Notifier) sendTelegramExhaustionNotification(scheme string, attempted int) {
	text := fmt.Sprintf(
		"*Scheme Exhausted*\n\nScheme: `%s`\nCandidates attempted: `%d`",
		scheme, attempted,
	)
	n.sendTelegramMessageWithRetry(text)
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("notify: failed to marshal Telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("notify: failed to send Telegram notification after %d retries: %v", MaxRetries, lastErr)
	}
}
