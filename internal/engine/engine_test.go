package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"grove/internal/assembler"
	"grove/internal/domain"
	"grove/internal/metrics"
	"grove/internal/prompt"
	"grove/internal/registry"
	"grove/internal/router"
)

// --- fakes ---

type memStore struct {
	mu       sync.Mutex
	messages []domain.Message
	settings map[string]domain.ChannelSettings
}

func newMemStore() *memStore {
	return &memStore{settings: make(map[string]domain.ChannelSettings)}
}

func (s *memStore) Append(ctx context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ChannelID == msg.ChannelID && m.ID == msg.ID {
			return domain.ErrDuplicateMessage
		}
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *memStore) Window(ctx context.Context, channelID string, size int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	if size <= 0 {
		size = 10
	}
	if len(out) > size {
		out = out[len(out)-size:]
	}
	return out, nil
}

func (s *memStore) Clear(ctx context.Context, channelID string, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []domain.Message
	removed := 0
	cutoff := time.Now().Add(-olderThan)
	for _, m := range s.messages {
		if m.ChannelID == channelID && (olderThan == 0 || m.CreatedAt.Before(cutoff)) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return removed, nil
}

func (s *memStore) Settings(ctx context.Context, channelID string) (domain.ChannelSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.settings[channelID]; ok {
		return cs, nil
	}
	return domain.ChannelSettings{ChannelID: channelID, WindowSize: 10}, nil
}

func (s *memStore) SetWindowSize(ctx context.Context, channelID string, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.settings[channelID]
	cs.ChannelID = channelID
	cs.WindowSize = size
	s.settings[channelID] = cs
	return nil
}

func (s *memStore) ResetWindowSize(ctx context.Context, channelID string) error {
	return s.SetWindowSize(ctx, channelID, 10)
}

func (s *memStore) SetRouterMode(ctx context.Context, channelID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.settings[channelID]
	if !ok {
		cs = domain.ChannelSettings{ChannelID: channelID, WindowSize: 10}
	}
	cs.RouterMode = active
	s.settings[channelID] = cs
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) count(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			n++
		}
	}
	return n
}

func (s *memStore) responses(channelID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.ChannelID == channelID && m.IsResponse {
			out = append(out, m)
		}
	}
	return out
}

// recordingBus captures outbound traffic.
type recordingBus struct {
	mu       sync.Mutex
	outbound []domain.OutboundMessage
}

func (b *recordingBus) Publish(msg domain.InboundMessage)          {}
func (b *recordingBus) Subscribe() <-chan domain.InboundMessage    { return nil }
func (b *recordingBus) OnOutbound(string, func(domain.OutboundMessage)) {}
func (b *recordingBus) Close()                                     {}

func (b *recordingBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = append(b.outbound, msg)
}

func (b *recordingBus) contents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.outbound {
		if m.Content != "" {
			out = append(out, m.Content)
		}
	}
	return out
}

func (b *recordingBus) chunkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.outbound {
		if m.StreamEvent != nil && m.StreamEvent.Type == domain.StreamChunk {
			n++
		}
	}
	return n
}

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

type fakeResolver struct{ gen domain.Generator }

func (r *fakeResolver) Get(name string) (domain.Generator, error) {
	if r.gen == nil {
		return nil, errors.New("no generator")
	}
	return r.gen, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type fixture struct {
	engine *Engine
	store  *memStore
	bus    *recordingBus
}

func newFixture(t *testing.T, gen domain.Generator) *fixture {
	t.Helper()
	reg, err := registry.New(registry.Builtins())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	logger := testLogger()
	store := newMemStore()
	rb := &recordingBus{}
	e := New(Config{
		Store:     store,
		Registry:  reg,
		Router:    router.New(reg, logger),
		Renderer:  prompt.NewRenderer("UTC"),
		Assembler: assembler.New(&fakeResolver{gen: gen}, store, logger),
		Bus:       rb,
		Logger:    logger,
	})
	return &fixture{engine: e, store: store, bus: rb}
}

func inboundMsg(id, body string) domain.InboundMessage {
	return domain.InboundMessage{
		Transport:  "cli",
		ID:         id,
		ChannelID:  "chan-1",
		AuthorID:   "u1",
		AuthorName: "ana",
		Body:       body,
		Timestamp:  time.Now().UTC(),
	}
}

// --- tests ---

func TestProcess_RoutesAndResponds(t *testing.T) {
	fx := newFixture(t, &fakeGenerator{fragments: []string{"Chain rule first. Then integrate both sides carefully and check the result."}})

	fx.engine.Process(context.Background(), inboundMsg("m1", "gemini walk me through this proof"))

	if got := fx.store.count("chan-1"); got != 2 {
		t.Fatalf("stored %d messages, want human + response", got)
	}
	resp := fx.store.responses("chan-1")
	if len(resp) != 1 {
		t.Fatalf("got %d responses, want 1", len(resp))
	}
	if resp[0].HandlerID != "gemini" {
		t.Errorf("handler = %s, want gemini", resp[0].HandlerID)
	}
	if fx.bus.chunkCount() == 0 {
		t.Error("no stream chunks delivered")
	}
	finals := fx.bus.contents()
	if len(finals) != 1 || finals[0] != resp[0].Body {
		t.Errorf("final outbound = %v, want persisted body", finals)
	}
}

func TestProcess_DuplicateDeliveryDropped(t *testing.T) {
	fx := newFixture(t, &fakeGenerator{fragments: []string{"Answer one."}})

	msg := inboundMsg("m1", "gemini hello")
	fx.engine.Process(context.Background(), msg)
	before := fx.store.count("chan-1")

	fx.engine.Process(context.Background(), msg)

	if got := fx.store.count("chan-1"); got != before {
		t.Errorf("duplicate changed store from %d to %d messages", before, got)
	}
	if len(fx.store.responses("chan-1")) != 1 {
		t.Error("duplicate delivery generated a second response")
	}
}

func TestProcess_UnaddressedStoredSilently(t *testing.T) {
	fx := newFixture(t, &fakeGenerator{fragments: []string{"should not run"}})

	fx.engine.Process(context.Background(), inboundMsg("m1", "nice weather today"))

	if got := fx.store.count("chan-1"); got != 1 {
		t.Fatalf("stored %d messages, want 1 (history only)", got)
	}
	if len(fx.bus.outbound) != 0 {
		t.Errorf("unaddressed message produced %d outbound messages", len(fx.bus.outbound))
	}
}

func TestProcess_RouterModeAnswersEverything(t *testing.T) {
	fx := newFixture(t, &fakeGenerator{fragments: []string{"Sure, happy to chat."}})
	fx.store.SetRouterMode(context.Background(), "chan-1", true)

	fx.engine.Process(context.Background(), inboundMsg("m1", "nice weather today"))

	resp := fx.store.responses("chan-1")
	if len(resp) != 1 {
		t.Fatalf("got %d responses, want 1", len(resp))
	}
	if resp[0].HandlerID != "ministral" {
		t.Errorf("handler = %s, want the default ministral", resp[0].HandlerID)
	}
}

func TestProcess_CrisisPrecedence(t *testing.T) {
	fx := newFixture(t, &fakeGenerator{fragments: []string{"I hear you. You are not alone in this."}})

	fx.engine.Process(context.Background(), inboundMsg("m1", "gemini I can't cope anymore"))

	resp := fx.store.responses("chan-1")
	if len(resp) != 1 {
		t.Fatalf("got %d responses, want 1", len(resp))
	}
	if resp[0].HandlerID != "sydney" {
		t.Errorf("handler = %s, want the crisis handler", resp[0].HandlerID)
	}
}

func TestProcess_GenerationFailureKeepsStoreClean(t *testing.T) {
	fx := newFixture(t, &fakeGenerator{
		err: domain.NewGenerationError(domain.GenRateLimited, errors.New("429")),
	})

	fx.engine.Process(context.Background(), inboundMsg("m1", "gemini hello there"))

	if len(fx.store.responses("chan-1")) != 0 {
		t.Error("failed generation persisted a response")
	}
	finals := fx.bus.contents()
	if len(finals) != 1 || !strings.Contains(finals[0], "rate limiting") {
		t.Errorf("failure outbound = %v, want rate-limit explanation", finals)
	}
}

func TestProcess_HistoryVisibleAcrossHandlers(t *testing.T) {
	fx := newFixture(t, &fakeGenerator{fragments: []string{"Noted."}})

	fx.engine.Process(context.Background(), inboundMsg("m1", "gemini remember the number 7"))
	fx.engine.Process(context.Background(), inboundMsg("m2", "sorcerer write a poem about it"))

	resp := fx.store.responses("chan-1")
	if len(resp) != 2 {
		t.Fatalf("got %d responses, want 2", len(resp))
	}
	if resp[0].HandlerID != "gemini" || resp[1].HandlerID != "sorcerer" {
		t.Errorf("handlers = %s, %s", resp[0].HandlerID, resp[1].HandlerID)
	}
}

func TestTrimCurrent(t *testing.T) {
	window := []domain.Message{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	got := trimCurrent(window, "c", 10)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("trimCurrent = %+v", got)
	}

	got = trimCurrent(window, "missing", 10)
	if len(got) != 3 {
		t.Errorf("trimCurrent dropped messages for unknown id: %+v", got)
	}

	// When the current message fell outside the fetched slice, the cap keeps
	// the newest entries.
	got = trimCurrent(window, "missing", 2)
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("trimCurrent cap = %+v", got)
	}
}

func TestProcess_HandlerSeesFullWindowOfPriorMessages(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"Here is the answer you wanted."}}
	fx := newFixture(t, gen)

	// Twelve prior messages in a channel whose window size is 10.
	for i := 1; i <= 12; i++ {
		msg := inboundMsg(fmt.Sprintf("prior-%d", i), fmt.Sprintf("note number %d", i)).Message()
		if err := fx.store.Append(context.Background(), msg); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	fx.engine.Process(context.Background(), inboundMsg("m13", "gemini summarize the notes"))

	// The handler gets the 10 most recent prior messages, not 9, and not the
	// new message itself.
	if got := len(gen.lastReq.History); got != 10 {
		t.Fatalf("history length = %d, want 10", got)
	}
	if !strings.Contains(gen.lastReq.History[0].Content, "note number 3") {
		t.Errorf("oldest history turn = %q, want note number 3", gen.lastReq.History[0].Content)
	}
	if !strings.Contains(gen.lastReq.History[9].Content, "note number 12") {
		t.Errorf("newest history turn = %q, want note number 12", gen.lastReq.History[9].Content)
	}
	for _, turn := range gen.lastReq.History {
		if strings.Contains(turn.Content, "summarize the notes") {
			t.Error("current message leaked into history")
		}
	}
}

func TestProcess_RoutingCounterLabeledByTier(t *testing.T) {
	fx := newFixture(t, &fakeGenerator{fragments: []string{"Step one follows from the premise."}})

	counter := metrics.Collector.Counter("grove_routing_decisions_total",
		"Routing decisions by matched tier", `tier="reasoning"`)
	before := counter.Value()

	fx.engine.Process(context.Background(), inboundMsg("m1", "gemini walk me through this proof"))

	if got := counter.Value(); got != before+1 {
		t.Errorf("reasoning tier counter = %d, want %d", got, before+1)
	}
}
