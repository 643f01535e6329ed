package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// TelegramConfig holds bot credentials.
type TelegramConfig struct {
	Token   string
	ChatID  string
	APIBase string
}

// TelegramSink posts messages through the Bot API. Text messages in one batch
// are merged into a single sendMessage call; screenshots go out one by one.
type TelegramSink struct {
	cfg    TelegramConfig
	client *http.Client
}

// telegramMaxText is the Bot API message length limit.
const telegramMaxText = 4096

// NewTelegramSink builds a sink. client may be nil.
func NewTelegramSink(cfg TelegramConfig, client *http.Client) *TelegramSink {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &TelegramSink{cfg: cfg, client: client}
}

// Consume delivers the batch. Errors from individual calls are joined.
func (s *TelegramSink) Consume(ctx context.Context, batch []Message) error {
	var (
		errs  []error
		texts []string
	)
	flushText := func() {
		if len(texts) == 0 {
			return
		}
		for _, chunk := range chunkText(strings.Join(texts, "\n\n"), telegramMaxText) {
			if err := s.sendMessage(ctx, chunk); err != nil {
				errs = append(errs, err)
			}
		}
		texts = texts[:0]
	}
	for _, msg := range batch {
		if msg.HasImage() {
			flushText()
			if err := s.sendPhoto(ctx, msg.Image, msg.Text); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		texts = append(texts, msg.Text)
	}
	flushText()
	return errors.Join(errs...)
}

// Close implements Sink; it performs no action.
func (s *TelegramSink) Close(context.Context) error {
	return nil
}

func (s *TelegramSink) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", s.cfg.APIBase, s.cfg.Token, method)
}

func (s *TelegramSink) sendMessage(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": s.cfg.ChatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

func (s *TelegramSink) sendPhoto(ctx context.Context, image []byte, caption string) error {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("chat_id", s.cfg.ChatID); err != nil {
		return fmt.Errorf("encode telegram photo: %w", err)
	}
	if caption != "" {
		if err := form.WriteField("caption", truncate(caption, 1024)); err != nil {
			return fmt.Errorf("encode telegram photo: %w", err)
		}
	}
	part, err := form.CreateFormFile("photo", "screenshot.png")
	if err != nil {
		return fmt.Errorf("encode telegram photo: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return fmt.Errorf("encode telegram photo: %w", err)
	}
	if err := form.Close(); err != nil {
		return fmt.Errorf("encode telegram photo: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("sendPhoto"), &buf)
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	return s.do(req)
}

func (s *TelegramSink) do(req *http.Request) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func chunkText(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var out []string
	for len(runes) > 0 {
		n := min(limit, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
