// Package engine is the core pipeline: it consumes inbound messages from the
// bus, records them in the shared history, routes them to a handler, and
// streams the handler's response back out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"grove/internal/assembler"
	"grove/internal/bus"
	"grove/internal/domain"
	"grove/internal/metrics"
	"grove/internal/prompt"
	"grove/internal/registry"
	"grove/internal/router"
)

const (
	defaultConcurrency = 5
	baseTemperature    = 0.7
	// Rerolls run hotter than the first attempt so the user actually gets a
	// different answer.
	rerollTemperature = 1.0
)

// Engine wires the store, registry, router, and assembler into one
// message-processing loop.
type Engine struct {
	store       domain.ContextStore
	registry    *registry.Registry
	router      *router.Router
	renderer    *prompt.Renderer
	asm         *assembler.Assembler
	msgBus      domain.MessageBus
	events      *bus.EventBus
	logger      *slog.Logger
	concurrency int

	mu        sync.Mutex
	lastTurns map[string]*turnRecord // channelID -> last completed turn
}

// turnRecord remembers the last completed turn in a channel so /reroll can
// run it again.
type turnRecord struct {
	inv      assembler.Invocation
	attempts int
}

// Config holds all dependencies for the engine.
type Config struct {
	Store       domain.ContextStore
	Registry    *registry.Registry
	Router      *router.Router
	Renderer    *prompt.Renderer
	Assembler   *assembler.Assembler
	Bus         domain.MessageBus
	Events      *bus.EventBus
	Logger      *slog.Logger
	Concurrency int // max parallel messages
}

// New creates an engine from its dependencies.
func New(cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Events == nil {
		cfg.Events = bus.NewEventBus(cfg.Logger)
	}
	return &Engine{
		store:       cfg.Store,
		registry:    cfg.Registry,
		router:      cfg.Router,
		renderer:    cfg.Renderer,
		asm:         cfg.Assembler,
		msgBus:      cfg.Bus,
		events:      cfg.Events,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		lastTurns:   make(map[string]*turnRecord),
	}
}

// Events exposes the internal event bus for observers.
func (e *Engine) Events() *bus.EventBus { return e.events }

// Run consumes inbound messages and processes them with bounded concurrency.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("engine started", "concurrency", e.concurrency)

	sem := make(chan struct{}, e.concurrency)
	inbound := e.msgBus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				e.logger.Info("inbound channel closed, engine stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				e.Process(ctx, m)
			}(msg)
		}
	}
}

// Process handles a single inbound message end to end. Exposed for direct
// callers (CLI, tests) that bypass the loop.
func (e *Engine) Process(ctx context.Context, msg domain.InboundMessage) {
	if cmd := ParseCommand(msg.Body); cmd != nil {
		res := e.HandleCommand(ctx, cmd, msg)
		if res.Handled {
			if res.Response != "" {
				e.msgBus.SendOutbound(domain.OutboundMessage{
					Transport: msg.Transport,
					ChannelID: msg.ChannelID,
					Content:   res.Response,
				})
			}
			e.events.Emit(bus.Event{Type: bus.EventCommandExecuted, Source: "engine",
				Payload: map[string]any{"command": cmd.Name, "channel": msg.ChannelID}})
			return
		}
		// Unknown command: treat as a normal message.
	}

	stored := msg.Message()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	if err := e.store.Append(ctx, stored); err != nil {
		if errors.Is(err, domain.ErrDuplicateMessage) {
			// Redelivery. The first copy already went through the pipeline.
			metrics.DuplicatesDropped.Inc()
			e.logger.Debug("duplicate message dropped", "id", msg.ID, "channel", msg.ChannelID)
			e.events.Emit(bus.Event{Type: bus.EventMessageDuplicate, Source: "engine",
				Payload: map[string]any{"id": msg.ID, "channel": msg.ChannelID}})
			return
		}
		e.logger.Error("append failed", "id", msg.ID, "channel", msg.ChannelID, "error", err)
		return
	}
	metrics.MessagesReceived.Inc()
	e.events.Emit(bus.Event{Type: bus.EventMessageReceived, Source: "engine",
		Payload: map[string]any{"id": msg.ID, "channel": msg.ChannelID}})

	settings, err := e.store.Settings(ctx, msg.ChannelID)
	if err != nil {
		e.logger.Error("settings read failed", "channel", msg.ChannelID, "error", err)
		return
	}

	// Fetch one extra slot: the just-appended message occupies the newest
	// position, and the handler should still see window_size prior messages.
	window, err := e.store.Window(ctx, msg.ChannelID, settings.WindowSize+1)
	if err != nil {
		e.logger.Error("window read failed", "channel", msg.ChannelID, "error", err)
		return
	}
	history := trimCurrent(window, msg.ID, settings.WindowSize)

	decision := e.router.Route(msg, history, settings.RouterMode)
	if !decision.Routed() {
		// Recorded as history, but nobody answers.
		e.logger.Debug("message not addressed", "id", msg.ID, "channel", msg.ChannelID)
		return
	}
	metrics.MessagesRouted.Inc()
	metrics.Collector.Counter("grove_routing_decisions_total",
		"Routing decisions by matched tier", `tier="`+decision.Tier.String()+`"`).Inc()
	e.events.Emit(bus.Event{Type: bus.EventMessageRouted, Source: "engine", Payload: map[string]any{
		"id": msg.ID, "channel": msg.ChannelID, "handler": decision.HandlerID, "rule": string(decision.Rule)}})
	if decision.Rule == router.RuleCrisis {
		metrics.CrisisRouted.Inc()
		e.events.Emit(bus.Event{Type: bus.EventRoutingCrisis, Source: "engine",
			Payload: map[string]any{"id": msg.ID, "channel": msg.ChannelID}})
	}

	handler, err := e.registry.Resolve(decision.HandlerID)
	if err != nil {
		e.logger.Error("routed handler missing", "handler", decision.HandlerID, "error", err)
		return
	}

	e.respond(ctx, msg, handler, history, baseTemperature)
}

// respond runs one generation turn and delivers it to the transport.
func (e *Engine) respond(ctx context.Context, msg domain.InboundMessage, handler registry.Descriptor, history []domain.Message, temperature float64) {
	inv := assembler.Invocation{
		Handler:      handler,
		SystemPrompt: e.renderer.Render(handler.PromptTemplate, handler.DisplayName, msg),
		Window:       history,
		Message:      msg,
		Temperature:  temperature,
	}

	metrics.ActiveGenerations.Inc()
	res, err := e.asm.Invoke(ctx, inv, func(ev domain.StreamEvent) {
		e.msgBus.SendOutbound(domain.OutboundMessage{
			Transport:   msg.Transport,
			ChannelID:   msg.ChannelID,
			HandlerID:   handler.ID,
			StreamEvent: &ev,
		})
	})
	metrics.ActiveGenerations.Dec()
	if err != nil {
		e.deliverFailure(msg, handler, err)
		return
	}

	accepted, err := e.asm.Accept(ctx, inv, res)
	if err != nil {
		e.logger.Error("accept failed", "handler", handler.ID, "channel", msg.ChannelID, "error", err)
		e.msgBus.SendOutbound(domain.OutboundMessage{
			Transport: msg.Transport,
			ChannelID: msg.ChannelID,
			Content:   "I generated a reply but could not record it. Please try again.",
		})
		return
	}

	e.msgBus.SendOutbound(domain.OutboundMessage{
		Transport: msg.Transport,
		ChannelID: msg.ChannelID,
		HandlerID: handler.ID,
		Content:   accepted.Body,
	})
	e.events.Emit(bus.Event{Type: bus.EventResponseAccepted, Source: "engine", Payload: map[string]any{
		"channel": msg.ChannelID, "handler": handler.ID, "chunks": res.Chunks}})

	e.mu.Lock()
	e.lastTurns[msg.ChannelID] = &turnRecord{inv: inv}
	e.mu.Unlock()
}

// deliverFailure reports a generation error to the user. Nothing was
// persisted, so the turn can simply be retried.
func (e *Engine) deliverFailure(msg domain.InboundMessage, handler registry.Descriptor, err error) {
	e.events.Emit(bus.Event{Type: bus.EventGenerationFailed, Source: "engine", Payload: map[string]any{
		"channel": msg.ChannelID, "handler": handler.ID, "error": err.Error()}})
	e.logger.Warn("generation failed", "handler", handler.ID, "channel", msg.ChannelID, "error", err)

	reason := "the backend did not respond"
	var genErr *domain.GenerationError
	if errors.As(err, &genErr) {
		switch genErr.Kind {
		case domain.GenRateLimited:
			reason = "the backend is rate limiting requests"
		case domain.GenInvalidRequest:
			reason = "the backend rejected the request"
		}
	}
	e.msgBus.SendOutbound(domain.OutboundMessage{
		Transport: msg.Transport,
		ChannelID: msg.ChannelID,
		Content:   fmt.Sprintf("%s could not answer: %s. Nothing was saved; send the message again or /reroll.", handler.DisplayName, reason),
	})
}

// trimCurrent removes the just-appended message from the window so the
// generation history holds only what came before it, capped at max entries
// in case the current message was not in the fetched slice.
func trimCurrent(window []domain.Message, id string, max int) []domain.Message {
	out := window
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].ID == id {
			out = append(window[:i:i], window[i+1:]...)
			break
		}
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
