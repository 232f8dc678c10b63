package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OpenAIConfig configures one chat/completions compatible backend. Most
// hosted model APIs speak this surface.
type OpenAIConfig struct {
	Name        string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Vision      bool
	Timeout     time.Duration
}

// OpenAIProvider talks to a chat/completions endpoint and returns the
// raw JSON content of the first choice.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider builds a provider.
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.cfg.Name }

// Extract implements Provider. Textual input goes in as plain messages;
// a visual document goes in as a base64 data URI, which requires a
// vision-capable backend.
func (p *OpenAIProvider) Extract(ctx context.Context, req Request) ([]byte, error) {
	if req.DocumentBase64 != "" && !p.cfg.Vision {
		return nil, fmt.Errorf("provider %s: visual document but backend is text-only", p.cfg.Name)
	}

	schemaJSON, err := json.Marshal(req.Schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	var userContent any
	if req.DocumentBase64 != "" {
		userContent = []map[string]any{
			{"type": "text", "text": req.Prompt},
			{"type": "image_url", "image_url": map[string]any{
				"url": "data:" + req.DocumentMIME + ";base64," + req.DocumentBase64,
			}},
		}
	} else {
		userContent = req.Prompt + "\n\n" + req.Text
	}

	body := map[string]any{
		"model":           p.cfg.Model,
		"temperature":     p.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": "Return ONLY JSON matching this JSON Schema:\n" + string(schemaJSON)},
			{"role": "user", "content": userContent},
		},
	}

	raw, status, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: retryAfterFrom(raw)}
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("provider %s: status %d: %s", p.cfg.Name, status, truncate(raw, 512))
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fmt.Errorf("provider %s: decode response: %w", p.cfg.Name, err)
	}
	if len(cc.Choices) == 0 {
		return nil, fmt.Errorf("provider %s: no choices in response", p.cfg.Name)
	}
	content := strings.TrimSpace(cc.Choices[0].Message.Content)
	content = stripCodeFence(content)
	return []byte(content), nil
}

func (p *OpenAIProvider) post(ctx context.Context, body map[string]any) ([]byte, int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("provider %s: %w", p.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if wait := parseRetryAfterHeader(resp.Header.Get("Retry-After")); wait > 0 {
			return nil, resp.StatusCode, &RateLimitError{RetryAfter: wait}
		}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, err
	}
	return raw, resp.StatusCode, nil
}

func parseRetryAfterHeader(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// retryAfterFrom digs a retry hint out of an error payload. Providers
// that omit it get the gateway's default cooldown.
func retryAfterFrom(raw []byte) time.Duration {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0
	}
	msg := payload.Error.Message
	i := strings.Index(msg, "try again in ")
	if i < 0 {
		return 0
	}
	rest := msg[i+len("try again in "):]
	if j := strings.IndexByte(rest, 's'); j > 0 {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(rest[:j]), 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
