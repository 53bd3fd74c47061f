package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"grove/internal/domain"
)

const openRouterDefaultBase = "https://openrouter.ai/api/v1"

// OpenRouter implements domain.Generator against OpenAI-compatible streaming
// chat APIs (OpenRouter itself, or any gateway speaking the same dialect).
type OpenRouter struct {
	apiKey  string
	apiBase string
	model   string
	referer string
	title   string
	client  *http.Client
	logger  *slog.Logger
}

type OpenRouterConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Referer string // optional attribution headers OpenRouter ranks by
	Title   string
	Logger  *slog.Logger
}

func NewOpenRouter(cfg OpenRouterConfig) *OpenRouter {
	if cfg.APIBase == "" {
		cfg.APIBase = openRouterDefaultBase
	}
	return &OpenRouter{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		referer: cfg.Referer,
		title:   cfg.Title,
		client:  SharedHTTPClient(0),
		logger:  cfg.Logger,
	}
}

func (o *OpenRouter) Name() string { return "openrouter" }

type orRequest struct {
	Model       string      `json:"model"`
	Messages    []orMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	Stream      bool        `json:"stream"`
}

type orMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// orChunk is one SSE data payload. Error can arrive mid-stream.
type orChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate streams completion tokens onto out. The channel is closed before
// returning; a non-nil return is always a *domain.GenerationError.
func (o *OpenRouter) Generate(ctx context.Context, req domain.GenRequest, out chan<- string) error {
	defer close(out)

	model := req.Model
	if model == "" {
		model = o.model
	}

	body := orRequest{
		Model:    model,
		Messages: buildMessages(req),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return domain.NewGenerationError(domain.GenInvalidRequest, fmt.Errorf("marshal: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return domain.NewGenerationError(domain.GenInvalidRequest, fmt.Errorf("new request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	if o.referer != "" {
		httpReq.Header.Set("HTTP-Referer", o.referer)
	}
	if o.title != "" {
		httpReq.Header.Set("X-Title", o.title)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return classifyTransport("openrouter", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus("openrouter", resp.StatusCode, string(respBody))
	}

	return o.readStream(ctx, resp.Body, out)
}

// readStream consumes the SSE body line by line, forwarding delta content.
func (o *OpenRouter) readStream(ctx context.Context, body io.Reader, out chan<- string) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue // keep-alive comment
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		var chunk orChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			o.logger.Warn("skipping malformed stream chunk", "err", err)
			continue
		}
		if chunk.Error != nil {
			return classifyStatus("openrouter", chunk.Error.Code, chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			select {
			case out <- content:
			case <-ctx.Done():
				return domain.NewGenerationError(domain.GenNetwork, ctx.Err())
			}
		}
		if chunk.Choices[0].FinishReason != "" {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return classifyTransport("openrouter", err)
	}
	return nil
}

// buildMessages flattens a request into the chat message array.
func buildMessages(req domain.GenRequest) []orMessage {
	msgs := make([]orMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, orMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, t := range req.History {
		msgs = append(msgs, orMessage{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, orMessage{Role: "user", Content: req.Message})
	return msgs
}
