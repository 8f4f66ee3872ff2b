// Package notify renders analysis reports and fans them out to the
// configured channels, chunking oversized messages per channel limit.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notifier is one delivery channel. Limit is the per-message size cap in
// bytes; zero means unlimited. Chunking measures bytes, which is safe for
// channels whose real cap is in characters.
type Notifier interface {
	Name() string
	Send(ctx context.Context, subject, body string) error
	Limit() int
}

const channelHTTPTimeout = 15 * time.Second

// WeChatNotifier posts markdown to a WeCom group robot webhook.
type WeChatNotifier struct {
	webhookURL string
	maxBytes   int
	client     *http.Client
	log        zerolog.Logger
}

// NewWeChat creates the channel.
func NewWeChat(webhookURL string, maxBytes int, log zerolog.Logger) *WeChatNotifier {
	if maxBytes <= 0 {
		maxBytes = 4096
	}
	return &WeChatNotifier{
		webhookURL: webhookURL,
		maxBytes:   maxBytes,
		client:     &http.Client{Timeout: channelHTTPTimeout},
		log:        log.With().Str("component", "notify-wechat").Logger(),
	}
}

func (w *WeChatNotifier) Name() string { return "wechat" }
func (w *WeChatNotifier) Limit() int   { return w.maxBytes }

func (w *WeChatNotifier) Send(ctx context.Context, subject, body string) error {
	content := body
	if subject != "" {
		content = "**" + subject + "**\n" + body
	}
	payload := map[string]interface{}{
		"msgtype":  "markdown",
		"markdown": map[string]string{"content": content},
	}
	if err := postJSON(ctx, w.client, w.webhookURL, payload); err != nil {
		return err
	}
	w.log.Debug().Int("bytes", len(content)).Msg("message delivered")
	return nil
}

// TelegramNotifier sends through the bot sendMessage API.
type TelegramNotifier struct {
	token    string
	chatID   string
	maxChars int
	client   *http.Client
	log      zerolog.Logger
}

// NewTelegram creates the channel.
func NewTelegram(token, chatID string, maxChars int, log zerolog.Logger) *TelegramNotifier {
	if maxChars <= 0 {
		maxChars = 4096
	}
	return &TelegramNotifier{
		token:    token,
		chatID:   chatID,
		maxChars: maxChars,
		client:   &http.Client{Timeout: channelHTTPTimeout},
		log:      log.With().Str("component", "notify-telegram").Logger(),
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }
func (t *TelegramNotifier) Limit() int   { return t.maxChars }

func (t *TelegramNotifier) Send(ctx context.Context, subject, body string) error {
	text := body
	if subject != "" {
		text = subject + "\n\n" + body
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	payload := map[string]interface{}{
		"chat_id": t.chatID,
		"text":    text,
	}
	if err := postJSON(ctx, t.client, url, payload); err != nil {
		return err
	}
	t.log.Debug().Int("chars", len([]rune(text))).Msg("message delivered")
	return nil
}

// EmailNotifier delivers over SMTP with STARTTLS-capable plain auth.
type EmailNotifier struct {
	host       string
	port       int
	user       string
	password   string
	from       string
	recipients []string
	maxBytes   int
	log        zerolog.Logger
}

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	From       string
	Recipients []string
	MaxBytes   int
}

// NewEmail creates the channel. Recipients is the default list; SendTo
// overrides it per message for group routing.
func NewEmail(cfg EmailConfig, log zerolog.Logger) *EmailNotifier {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 20 * 1024
	}
	return &EmailNotifier{
		host:       cfg.Host,
		port:       cfg.Port,
		user:       cfg.User,
		password:   cfg.Password,
		from:       cfg.From,
		recipients: cfg.Recipients,
		maxBytes:   cfg.MaxBytes,
		log:        log.With().Str("component", "notify-email").Logger(),
	}
}

func (e *EmailNotifier) Name() string { return "email" }
func (e *EmailNotifier) Limit() int   { return e.maxBytes }

func (e *EmailNotifier) Send(ctx context.Context, subject, body string) error {
	return e.SendTo(ctx, e.recipients, subject, body)
}

// SendTo delivers to an explicit recipient list.
func (e *EmailNotifier) SendTo(_ context.Context, recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("no email recipients configured")
	}

	from := e.from
	if from == "" {
		from = e.user
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mimeEncodeHeader(subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", e.host, e.port)
	var auth smtp.Auth
	if e.user != "" {
		auth = smtp.PlainAuth("", e.user, e.password, e.host)
	}
	if err := smtp.SendMail(addr, auth, from, recipients, msg.Bytes()); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	e.log.Debug().Int("recipients", len(recipients)).Msg("mail delivered")
	return nil
}

// mimeEncodeHeader wraps a UTF-8 subject in RFC 2047 encoding when it
// contains non-ASCII characters.
func mimeEncodeHeader(s string) string {
	return mime.BEncoding.Encode("UTF-8", s)
}

type webhookResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	OK          *bool  `json:"ok"`
	Description string `json:"description"`
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notification endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed webhookResponse
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		if parsed.ErrCode != 0 {
			return fmt.Errorf("webhook error %d: %s", parsed.ErrCode, parsed.ErrMsg)
		}
		if parsed.OK != nil && !*parsed.OK {
			return fmt.Errorf("webhook rejected message: %s", parsed.Description)
		}
	}
	return nil
}
