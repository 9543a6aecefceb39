package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/leasebroker/internal/config"
	"github.com/stellarlinkco/leasebroker/internal/session"
)

const summaryPrompt = `You condense rental negotiations. Summarize the exchange below so the
negotiation can continue without it. Keep every concrete number (rent, deposit,
lease length, dates), every concession, every refusal and every open question.
Write plain prose, at most 120 words, no preamble.

Negotiation:
%s`

// LLMSummarizer calls an OpenAI-compatible chat completions endpoint.
type LLMSummarizer struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

func NewLLMSummarizer(cfg *config.Config) *LLMSummarizer {
	s := &LLMSummarizer{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	if cfg.Summary.Provider != nil {
		s.apiKey = cfg.Summary.Provider.APIKey
		s.baseURL = cfg.Summary.Provider.BaseURL
	}
	if s.apiKey == "" {
		s.apiKey = cfg.Provider.APIKey
	}
	if s.baseURL == "" {
		s.baseURL = cfg.Provider.BaseURL
	}
	if cfg.Summary.Model != "" {
		s.model = cfg.Summary.Model
	} else {
		s.model = cfg.Agent.Model
	}
	if cfg.Summary.MaxTokens > 0 {
		s.maxTokens = cfg.Summary.MaxTokens
	} else {
		s.maxTokens = config.DefaultSummaryMaxTokens
	}
	return s
}

func (s *LLMSummarizer) Summarize(ctx context.Context, msgs []session.Message) (string, error) {
	if strings.TrimSpace(s.apiKey) == "" {
		return "", fmt.Errorf("missing summary api key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(s.baseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("missing summary base url")
	}
	if s.model == "" {
		return "", fmt.Errorf("missing summary model")
	}

	body := map[string]any{
		"model": s.model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": fmt.Sprintf(summaryPrompt, session.Transcript(msgs)),
		}},
		"max_tokens":  s.maxTokens,
		"temperature": 0.2,
	}
	return s.sendChatCompletion(ctx, baseURL, body)
}

func (s *LLMSummarizer) sendChatCompletion(ctx context.Context, baseURL string, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("summary model http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}

// DigestSummarizer builds an extractive summary without a model: one
// truncated line per message. Used for dry runs.
type DigestSummarizer struct {
	MaxLine int
}

func (d DigestSummarizer) Summarize(ctx context.Context, msgs []session.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	limit := d.MaxLine
	if limit <= 0 {
		limit = 80
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d earlier messages.", session.LogicalLen(msgs))
	for _, m := range msgs {
		sb.WriteString(" ")
		if m.Summary {
			sb.WriteString(truncate(m.Content, limit))
			continue
		}
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(truncate(m.Content, limit))
	}
	return sb.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
