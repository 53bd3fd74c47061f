package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"grove/internal/domain"
	"grove/internal/registry"
)

type fakeGenerator struct {
	fragments []string
	err       error
	lastReq   domain.GenRequest
}

func (g *fakeGenerator) Generate(ctx context.Context, req domain.GenRequest, out chan<- string) error {
	defer close(out)
	g.lastReq = req
	for _, f := range g.fragments {
		select {
		case <-ctx.Done():
			return domain.NewGenerationError(domain.GenNetwork, ctx.Err())
		case out <- f:
		}
	}
	return g.err
}

func (g *fakeGenerator) Name() string { return "fake" }

type fakeResolver struct {
	generators map[string]domain.Generator
}

func (r *fakeResolver) Get(name string) (domain.Generator, error) {
	if g, ok := r.generators[name]; ok {
		return g, nil
	}
	return nil, fmt.Errorf("%w: provider %s", domain.ErrNotFound, name)
}

// memStore records appends so tests can assert exactly when persistence
// happens.
type memStore struct {
	mu       sync.Mutex
	appended []domain.Message
	appendErr error
}

func (s *memStore) Append(ctx context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, msg)
	return nil
}

func (s *memStore) Window(ctx context.Context, channelID string, size int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.appended...), nil
}

func (s *memStore) Clear(ctx context.Context, channelID string, olderThan time.Duration) (int, error) {
	return 0, nil
}

func (s *memStore) Settings(ctx context.Context, channelID string) (domain.ChannelSettings, error) {
	return domain.ChannelSettings{ChannelID: channelID, WindowSize: 10}, nil
}

func (s *memStore) SetWindowSize(ctx context.Context, channelID string, size int) error { return nil }
func (s *memStore) ResetWindowSize(ctx context.Context, channelID string) error         { return nil }
func (s *memStore) SetRouterMode(ctx context.Context, channelID string, active bool) error {
	return nil
}
func (s *memStore) Close() error { return nil }

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appended)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testHandler() registry.Descriptor {
	return registry.Descriptor{
		ID:          "gemini",
		DisplayName: "Gemini",
		Provider:    "fake",
		Model:       "google/gemini-pro",
	}
}

func testInvocation() Invocation {
	return Invocation{
		Handler:      testHandler(),
		SystemPrompt: "You are Gemini.",
		Message: domain.InboundMessage{
			Transport: "cli",
			ID:        "m1",
			ChannelID: "chan-1",
			AuthorID:  "u1",
			AuthorName: "ana",
			Body:      "explain monads",
			Timestamp: time.Now().UTC(),
		},
	}
}

func newTestAssembler(gen domain.Generator, store domain.ContextStore) *Assembler {
	return New(&fakeResolver{generators: map[string]domain.Generator{"fake": gen}}, store, testLogger())
}

func TestInvokeEmitsOrderedChunks(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{
		"A monad is a structure that chains computations together in sequence. ",
		"Each step feeds the next. ",
		"That is the whole trick.",
	}}
	store := &memStore{}
	a := newTestAssembler(gen, store)

	var events []domain.StreamEvent
	res, err := a.Invoke(context.Background(), testInvocation(), func(ev domain.StreamEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no chunks emitted")
	}
	for i, ev := range events {
		if ev.Type != domain.StreamChunk {
			t.Errorf("event %d type = %s, want chunk", i, ev.Type)
		}
		if ev.Seq != i {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i)
		}
	}
	if res.Chunks != len(events) {
		t.Errorf("res.Chunks = %d, want %d", res.Chunks, len(events))
	}
	joined := strings.Join(func() []string {
		var out []string
		for _, ev := range events {
			out = append(out, ev.Content)
		}
		return out
	}(), " ")
	if joined != res.Text {
		t.Errorf("joined chunks = %q, want assembled text %q", joined, res.Text)
	}
	if store.count() != 0 {
		t.Errorf("Invoke persisted %d messages, want 0 until Accept", store.count())
	}
}

func TestAcceptPersistsExactlyOnce(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"All done here. Nothing more to add."}}
	store := &memStore{}
	a := newTestAssembler(gen, store)
	inv := testInvocation()

	res, err := a.Invoke(context.Background(), inv, func(domain.StreamEvent) {})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	msg, err := a.Accept(context.Background(), inv, res)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("appended %d messages, want 1", store.count())
	}
	if !msg.IsResponse {
		t.Error("persisted message not marked as response")
	}
	if msg.HandlerID != "gemini" || msg.AuthorName != "Gemini" {
		t.Errorf("attribution = %s/%s, want gemini/Gemini", msg.HandlerID, msg.AuthorName)
	}
	if msg.ChannelID != "chan-1" {
		t.Errorf("channel = %s, want chan-1", msg.ChannelID)
	}
	if msg.Body != res.Text {
		t.Errorf("body = %q, want %q", msg.Body, res.Text)
	}
}

func TestRerollBeforeAcceptLeavesNoRecord(t *testing.T) {
	store := &memStore{}
	inv := testInvocation()

	// First attempt is rerolled away: invoked, shown, never accepted.
	first := &fakeGenerator{fragments: []string{"A first answer the user did not like at all, sadly. "}}
	if _, err := newTestAssembler(first, store).Invoke(context.Background(), inv, func(domain.StreamEvent) {}); err != nil {
		t.Fatalf("first Invoke: %v", err)
	}
	if store.count() != 0 {
		t.Fatalf("rerolled attempt left %d records, want 0", store.count())
	}

	second := &fakeGenerator{fragments: []string{"A better second answer worth keeping around for the log. "}}
	a := newTestAssembler(second, store)
	res, err := a.Invoke(context.Background(), inv, func(domain.StreamEvent) {})
	if err != nil {
		t.Fatalf("second Invoke: %v", err)
	}
	if _, err := a.Accept(context.Background(), inv, res); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	window, _ := store.Window(context.Background(), "chan-1", 0)
	if len(window) != 1 {
		t.Fatalf("history has %d responses, want only the accepted one", len(window))
	}
	if !strings.Contains(window[0].Body, "second answer") {
		t.Errorf("persisted body = %q, want the accepted attempt", window[0].Body)
	}
}

func TestInvokeFailureTouchesNothing(t *testing.T) {
	gen := &fakeGenerator{
		fragments: []string{"Partial output before the backend "},
		err:       domain.NewGenerationError(domain.GenRateLimited, errors.New("429 too many requests")),
	}
	store := &memStore{}
	a := newTestAssembler(gen, store)

	_, err := a.Invoke(context.Background(), testInvocation(), func(domain.StreamEvent) {})
	var genErr *domain.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("err = %v, want *GenerationError", err)
	}
	if genErr.Kind != domain.GenRateLimited {
		t.Errorf("kind = %s, want %s", genErr.Kind, domain.GenRateLimited)
	}
	if store.count() != 0 {
		t.Errorf("failed generation persisted %d messages, want 0", store.count())
	}
}

func TestInvokeWrapsPlainErrors(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("connection reset")}
	a := newTestAssembler(gen, &memStore{})

	_, err := a.Invoke(context.Background(), testInvocation(), func(domain.StreamEvent) {})
	var genErr *domain.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("err = %v, want *GenerationError", err)
	}
	if genErr.Kind != domain.GenNetwork {
		t.Errorf("kind = %s, want %s", genErr.Kind, domain.GenNetwork)
	}
}

func TestInvokeUnknownProvider(t *testing.T) {
	a := New(&fakeResolver{}, &memStore{}, testLogger())

	_, err := a.Invoke(context.Background(), testInvocation(), func(domain.StreamEvent) {})
	var genErr *domain.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("err = %v, want *GenerationError", err)
	}
	if genErr.Kind != domain.GenInvalidRequest {
		t.Errorf("kind = %s, want %s", genErr.Kind, domain.GenInvalidRequest)
	}
}

// stuckGenerator produces nothing until its context dies.
type stuckGenerator struct{}

func (stuckGenerator) Generate(ctx context.Context, req domain.GenRequest, out chan<- string) error {
	defer close(out)
	<-ctx.Done()
	return domain.NewGenerationError(domain.GenNetwork, ctx.Err())
}

func (stuckGenerator) Name() string { return "stuck" }

func TestInvokeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := &memStore{}
	a := New(&fakeResolver{generators: map[string]domain.Generator{"fake": stuckGenerator{}}}, store, testLogger())

	_, err := a.Invoke(ctx, testInvocation(), func(domain.StreamEvent) {
		t.Error("chunk emitted after cancellation")
	})
	if err == nil {
		t.Fatal("Invoke succeeded with cancelled context")
	}
	if store.count() != 0 {
		t.Errorf("cancelled generation persisted %d messages, want 0", store.count())
	}
}

func TestHistoryTurns(t *testing.T) {
	window := []domain.Message{
		{AuthorName: "ana", Body: "what is a monad"},
		{AuthorName: "Gemini", Body: "A structure for chaining.", IsResponse: true, HandlerID: "gemini"},
		{AuthorName: "Sonar", Body: "Further reading attached.", IsResponse: true, HandlerID: "sonar"},
		{AuthorName: "bo", Body: "thanks both"},
	}
	turns := historyTurns(window)
	want := []domain.Turn{
		{Role: "user", Content: "ana: what is a monad"},
		{Role: "assistant", Content: "[Gemini] A structure for chaining."},
		{Role: "assistant", Content: "[Sonar] Further reading attached."},
		{Role: "user", Content: "bo: thanks both"},
	}
	if len(turns) != len(want) {
		t.Fatalf("got %d turns, want %d", len(turns), len(want))
	}
	for i := range want {
		if turns[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, turns[i], want[i])
		}
	}
}

func TestMessageContentAttachments(t *testing.T) {
	msg := domain.InboundMessage{
		Body: "what does this say",
		Attachments: []domain.Attachment{
			{Kind: domain.AttachmentImage},
			{Kind: domain.AttachmentText, ExtractedText: "hello from the file"},
		},
	}
	content := messageContent(msg)
	if !strings.Contains(content, "[Image attached]") {
		t.Errorf("content missing image marker: %q", content)
	}
	if !strings.Contains(content, "hello from the file") {
		t.Errorf("content missing extracted text: %q", content)
	}
}

func TestInvokeBuildsRequestFromHandler(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"ok"}}
	a := newTestAssembler(gen, &memStore{})
	inv := testInvocation()
	inv.Window = []domain.Message{{AuthorName: "ana", Body: "hi"}}
	inv.Temperature = 0.4

	if _, err := a.Invoke(context.Background(), inv, func(domain.StreamEvent) {}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	req := gen.lastReq
	if req.Model != "google/gemini-pro" {
		t.Errorf("model = %q", req.Model)
	}
	if req.SystemPrompt != "You are Gemini." {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if len(req.History) != 1 || req.History[0].Content != "ana: hi" {
		t.Errorf("history = %+v", req.History)
	}
	if req.Temperature != 0.4 {
		t.Errorf("temperature = %v", req.Temperature)
	}
}
