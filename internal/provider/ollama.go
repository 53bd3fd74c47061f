package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"grove/internal/domain"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
)

// Ollama implements domain.Generator for a local or remote Ollama server.
type Ollama struct {
	apiBase      string
	defaultModel string
	client       *http.Client
	logger       *slog.Logger
}

type OllamaConfig struct {
	APIBase      string
	DefaultModel string
	Logger       *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = ollamaDefaultModel
	}
	return &Ollama{
		apiBase:      cfg.APIBase,
		defaultModel: cfg.DefaultModel,
		client:       SharedHTTPClient(0),
		logger:       cfg.Logger,
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

// ollamaRequest matches the Ollama /api/chat request body.
type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChunk is one NDJSON line of the streaming response.
type ollamaChunk struct {
	Message    ollamaMsg `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason"`
	Error      string    `json:"error"`
}

// Generate streams completion tokens onto out. The channel is closed before
// returning; a non-nil return is always a *domain.GenerationError.
func (o *Ollama) Generate(ctx context.Context, req domain.GenRequest, out chan<- string) error {
	defer close(out)

	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	msgs := make([]ollamaMsg, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, ollamaMsg{Role: "system", Content: req.SystemPrompt})
	}
	for _, t := range req.History {
		msgs = append(msgs, ollamaMsg{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, ollamaMsg{Role: "user", Content: req.Message})

	body := ollamaRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	}
	if req.Temperature > 0 {
		body.Options = map[string]any{"temperature": req.Temperature}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return domain.NewGenerationError(domain.GenInvalidRequest, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return domain.NewGenerationError(domain.GenInvalidRequest, fmt.Errorf("new request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return classifyTransport("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus("ollama", resp.StatusCode, string(respBody))
	}

	// NDJSON: one JSON object per line until done.
	decoder := json.NewDecoder(resp.Body)
	for decoder.More() {
		var chunk ollamaChunk
		if err := decoder.Decode(&chunk); err != nil {
			return classifyTransport("ollama", fmt.Errorf("stream decode: %w", err))
		}
		if chunk.Error != "" {
			return domain.NewGenerationError(domain.GenInvalidRequest, fmt.Errorf("ollama: %s", chunk.Error))
		}
		if chunk.Message.Content != "" {
			select {
			case out <- chunk.Message.Content:
			case <-ctx.Done():
				return domain.NewGenerationError(domain.GenNetwork, ctx.Err())
			}
		}
		if chunk.Done {
			return nil
		}
	}
	return nil
}
