package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/leonid-shevtsov/telegold"
	"github.com/yuin/goldmark"
)

// Telegram message size limit is 4096; leave margin for safety
const maxChunkSize = 4000

// telegramMarkdownConverter renders standard Markdown to Telegram HTML
var telegramMarkdownConverter = goldmark.New(goldmark.WithRenderer(telegold.NewRenderer()))

// Telegram sends messages via the Telegram Bot API
type Telegram struct {
	botToken   string
	chatID     int64
	httpClient *http.Client
}

// NewTelegram creates a Telegram notifier
func NewTelegram(botToken string, chatID int64) *Telegram {
	return &Telegram{
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send delivers a markdown message, chunking it when it exceeds the
// Telegram per-message limit.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if len(text) <= maxChunkSize {
		return t.sendMessage(ctx, text)
	}

	for _, chunk := range splitChunks(text, maxChunkSize) {
		if err := t.sendMessage(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendMessage posts one message. HTML format is more reliable than
// MarkdownV2; when Telegram rejects the entities we retry as plain text.
func (t *Telegram) sendMessage(ctx context.Context, text string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       convertToTelegramHTML(text),
		"parse_mode": "HTML",
	}
	body, _ := json.Marshal(payload)

	req, _ := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	errStr := string(respBody)

	if strings.Contains(errStr, "can't parse entities") {
		log.Printf("⚠️  [TELEGRAM] HTML parsing failed, retrying without parse_mode")

		payload = map[string]interface{}{
			"chat_id": t.chatID,
			"text":    StripMarkdown(text),
		}
		body, _ = json.Marshal(payload)

		req, _ = http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		resp2, err := t.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send Telegram message (plain): %w", err)
		}
		defer resp2.Body.Close()

		if resp2.StatusCode != http.StatusOK {
			respBody2, _ := io.ReadAll(resp2.Body)
			return fmt.Errorf("Telegram API error (plain): %s", string(respBody2))
		}
		return nil
	}

	return fmt.Errorf("Telegram API error: %s", errStr)
}

// convertToTelegramHTML converts standard Markdown to Telegram-compatible
// HTML using telegold
func convertToTelegramHTML(text string) string {
	var buf bytes.Buffer
	if err := telegramMarkdownConverter.Convert([]byte(text), &buf); err != nil {
		log.Printf("⚠️  [TELEGRAM] Markdown conversion failed: %v", err)
		return text
	}
	return buf.String()
}

var (
	codeBlockPattern = regexp.MustCompile("```[a-zA-Z]*\\n([\\s\\S]*?)```")
	headerPattern    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	linkPattern      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// StripMarkdown removes Markdown formatting for the plain text fallback
func StripMarkdown(text string) string {
	text = strings.ReplaceAll(text, "**", "")
	text = strings.ReplaceAll(text, "__", "")
	text = codeBlockPattern.ReplaceAllString(text, "$1")
	text = strings.ReplaceAll(text, "`", "")
	text = strings.ReplaceAll(text, "~~", "")
	text = headerPattern.ReplaceAllString(text, "")
	text = linkPattern.ReplaceAllString(text, "$1 ($2)")
	return text
}

// splitChunks breaks text at line boundaries where possible
func splitChunks(text string, size int) []string {
	var chunks []string
	lines := strings.Split(text, "\n")

	var current strings.Builder
	for _, line := range lines {
		// A single oversized line is split hard
		for len(line) > size {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, line[:size])
			line = line[size:]
		}
		if current.Len() > 0 && current.Len()+len(line)+1 > size {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
