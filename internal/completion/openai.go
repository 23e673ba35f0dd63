package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/debategym/internal/domain"
)

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// OpenAIProvider calls /chat/completions on an OpenAI-compatible API.
type OpenAIProvider struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	log        *slog.Logger
}

// NewOpenAIProvider creates a provider. Timeouts come from the caller's context.
func NewOpenAIProvider(cfg OpenAIConfig, httpClient *http.Client, log *slog.Logger) *OpenAIProvider {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OpenAIProvider{cfg: cfg, httpClient: httpClient, log: log.With("provider", "openai")}
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
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func openAIRole(r domain.SenderRole) string {
	switch r {
	case domain.RoleAI:
		return "assistant"
	case domain.RoleSystem:
		return "system"
	default:
		return "user"
	}
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Completion, error) {
	body := chatRequest{
		Model:       p.cfg.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, t := range req.History {
		body.Messages = append(body.Messages, chatMessage{Role: openAIRole(t.Role), Content: t.Content})
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return Completion{}, Fail(ClassServer, fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", &buf)
	if err != nil {
		return Completion{}, Fail(ClassServer, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, Classify(err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Completion{}, Classify(readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Completion{}, classifyHTTP(resp.StatusCode, raw)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Completion{}, Fail(ClassServer, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return Completion{}, Fail(ClassEmpty, errEmpty)
	}
	return Completion{Text: strings.TrimSpace(out.Choices[0].Message.Content), Model: out.Model}, nil
}

func classifyHTTP(code int, body []byte) *Failure {
	err := fmt.Errorf("openai http %d: %s", code, truncate(string(body), 512))
	switch {
	case code == http.StatusTooManyRequests:
		return &Failure{Class: ClassRateLimited, Status: code, Err: err}
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return &Failure{Class: ClassTimeout, Status: code, Err: err}
	default:
		return &Failure{Class: ClassServer, Status: code, Err: err}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
