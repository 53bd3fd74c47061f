package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"grove/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// runGenerate drives a generator with a buffered channel and returns the
// collected fragments.
func runGenerate(t *testing.T, g domain.Generator, req domain.GenRequest) ([]string, error) {
	t.Helper()
	out := make(chan string, 256)
	err := g.Generate(context.Background(), req, out)
	var got []string
	for f := range out {
		got = append(got, f)
	}
	return got, err
}

func sseBody(fragments ...string) string {
	var sb strings.Builder
	for _, f := range fragments {
		payload, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{
				{"delta": map[string]string{"content": f}},
			},
		})
		fmt.Fprintf(&sb, "data: %s\n\n", payload)
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func TestOpenRouter_StreamsFragments(t *testing.T) {
	var gotReq orRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody("Hello", " there", ". How are you?"))
	}))
	defer srv.Close()

	g := NewOpenRouter(OpenRouterConfig{APIKey: "test-key", APIBase: srv.URL, Logger: testLogger()})
	got, err := runGenerate(t, g, domain.GenRequest{
		Model:        "google/gemini-pro",
		SystemPrompt: "be terse",
		History:      []domain.Turn{{Role: "user", Content: "ana: hi"}},
		Message:      "how are you",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if joined := strings.Join(got, ""); joined != "Hello there. How are you?" {
		t.Errorf("streamed %q", joined)
	}

	if !gotReq.Stream {
		t.Error("request not marked streaming")
	}
	if gotReq.Model != "google/gemini-pro" {
		t.Errorf("model = %q", gotReq.Model)
	}
	// system + history + new message
	if len(gotReq.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(gotReq.Messages))
	}
	if gotReq.Messages[0].Role != "system" || gotReq.Messages[0].Content != "be terse" {
		t.Errorf("system message = %+v", gotReq.Messages[0])
	}
	if gotReq.Messages[2].Role != "user" || gotReq.Messages[2].Content != "how are you" {
		t.Errorf("final message = %+v", gotReq.Messages[2])
	}
}

func TestOpenRouter_AttributionHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("HTTP-Referer"); got != "https://example.org" {
			t.Errorf("referer = %q", got)
		}
		if got := r.Header.Get("X-Title"); got != "grove" {
			t.Errorf("title = %q", got)
		}
		fmt.Fprint(w, sseBody("ok"))
	}))
	defer srv.Close()

	g := NewOpenRouter(OpenRouterConfig{
		APIBase: srv.URL, Referer: "https://example.org", Title: "grove", Logger: testLogger(),
	})
	if _, err := runGenerate(t, g, domain.GenRequest{Model: "m"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
}

func TestOpenRouter_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   domain.GenKind
	}{
		{"rate limited", http.StatusTooManyRequests, domain.GenRateLimited},
		{"bad request", http.StatusBadRequest, domain.GenInvalidRequest},
		{"unauthorized", http.StatusUnauthorized, domain.GenInvalidRequest},
		{"server error", http.StatusBadGateway, domain.GenNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			g := NewOpenRouter(OpenRouterConfig{APIBase: srv.URL, Logger: testLogger()})
			_, err := runGenerate(t, g, domain.GenRequest{Model: "m"})

			var genErr *domain.GenerationError
			if !errors.As(err, &genErr) {
				t.Fatalf("err = %v, want *GenerationError", err)
			}
			if genErr.Kind != tt.want {
				t.Errorf("kind = %s, want %s", genErr.Kind, tt.want)
			}
		})
	}
}

func TestOpenRouter_MidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody("partial"))
	}))
	srv.Close() // connection refused

	g := NewOpenRouter(OpenRouterConfig{APIBase: srv.URL, Logger: testLogger()})
	_, err := runGenerate(t, g, domain.GenRequest{Model: "m"})

	var genErr *domain.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("err = %v, want *GenerationError", err)
	}
	if genErr.Kind != domain.GenNetwork {
		t.Errorf("kind = %s, want %s", genErr.Kind, domain.GenNetwork)
	}
}

func TestOpenRouter_ErrorPayloadInStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"error":{"code":429,"message":"slow down"}}`+"\n\n")
	}))
	defer srv.Close()

	g := NewOpenRouter(OpenRouterConfig{APIBase: srv.URL, Logger: testLogger()})
	_, err := runGenerate(t, g, domain.GenRequest{Model: "m"})

	var genErr *domain.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("err = %v, want *GenerationError", err)
	}
	if genErr.Kind != domain.GenRateLimited {
		t.Errorf("kind = %s, want %s", genErr.Kind, domain.GenRateLimited)
	}
}

func TestOpenRouter_ClosesChannelOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody("done"))
	}))
	defer srv.Close()

	g := NewOpenRouter(OpenRouterConfig{APIBase: srv.URL, Logger: testLogger()})
	out := make(chan string, 16)
	if err := g.Generate(context.Background(), domain.GenRequest{Model: "m"}, out); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for range out {
	}
	// reaching here means out was closed
}
