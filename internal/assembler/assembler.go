// Package assembler turns a handler's raw generation stream into ordered,
// sentence-bounded output events and persists the accepted response to the
// context store. Emission is incremental and non-durable; persistence happens
// exactly once, at acceptance, so a reroll never leaves a partial record.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"grove/internal/domain"
	"grove/internal/metrics"
	"grove/internal/registry"

	"github.com/google/uuid"
)

// Invocation carries everything one generation attempt needs.
type Invocation struct {
	Handler      registry.Descriptor
	SystemPrompt string
	Window       []domain.Message
	Message      domain.InboundMessage
	Temperature  float64
}

// Result is a completed but not yet persisted generation.
type Result struct {
	AttemptID string
	HandlerID string
	Text      string
	Chunks    int
	Elapsed   time.Duration
}

// Assembler consumes generation streams. Safe for concurrent use across
// channels; the store serializes the final append per channel.
type Assembler struct {
	generators domain.GeneratorResolver
	store      domain.ContextStore
	logger     *slog.Logger
}

func New(generators domain.GeneratorResolver, store domain.ContextStore, logger *slog.Logger) *Assembler {
	return &Assembler{
		generators: generators,
		store:      store,
		logger:     logger,
	}
}

// Invoke runs one generation attempt: it streams tokens from the handler's
// backend, emits sentence-bounded chunks through emit as they complete, and
// returns the assembled text. Nothing is written to the store here. Failures
// surface as *domain.GenerationError with no side effects beyond chunks
// already shown; context cancellation stops consumption immediately.
func (a *Assembler) Invoke(ctx context.Context, inv Invocation, emit func(domain.StreamEvent)) (*Result, error) {
	gen, err := a.generators.Get(inv.Handler.Provider)
	if err != nil {
		return nil, domain.NewGenerationError(domain.GenInvalidRequest,
			fmt.Errorf("handler %s: %w", inv.Handler.ID, err))
	}

	req := domain.GenRequest{
		Model:        inv.Handler.Model,
		SystemPrompt: inv.SystemPrompt,
		History:      historyTurns(inv.Window),
		Message:      messageContent(inv.Message),
		Temperature:  inv.Temperature,
	}

	attemptID := uuid.NewString()
	started := time.Now()
	a.logger.Debug("invoking handler",
		"attempt", attemptID,
		"handler", inv.Handler.ID,
		"model", inv.Handler.Model,
		"history", len(req.History),
		"temperature", inv.Temperature,
	)

	out := make(chan string, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- gen.Generate(ctx, req, out)
	}()

	chunker := NewChunker()
	seq := 0
	emitChunks := func(chunks []string) {
		for _, chunk := range chunks {
			emit(domain.StreamEvent{Type: domain.StreamChunk, Content: chunk, Seq: seq})
			seq++
		}
	}

consume:
	for {
		select {
		case <-ctx.Done():
			// The request is no longer valid (handler removed, transport
			// gone). Drop the stream without persisting anything.
			metrics.GenerationCancelled.Inc()
			return nil, domain.NewGenerationError(domain.GenNetwork, ctx.Err())
		case fragment, ok := <-out:
			if !ok {
				break consume
			}
			emitChunks(chunker.Feed(fragment))
		}
	}

	// Generate closes out before returning, so the error is ready.
	if err := <-errCh; err != nil {
		metrics.GenerationFailures.Inc()
		var genErr *domain.GenerationError
		if errors.As(err, &genErr) {
			return nil, genErr
		}
		return nil, domain.NewGenerationError(domain.GenNetwork, err)
	}

	emitChunks(chunker.Flush())
	elapsed := time.Since(started)
	metrics.GenerationLatency.Observe(elapsed.Seconds())

	return &Result{
		AttemptID: attemptID,
		HandlerID: inv.Handler.ID,
		Text:      chunker.Text(),
		Chunks:    seq,
		Elapsed:   elapsed,
	}, nil
}

// Accept persists an assembled result as a single response message and
// returns it. Acceptance is the only durable step: a result that is rerolled
// away instead of accepted leaves no record. A post-persistence reroll is
// accepted the same way; the superseded response stays in history since the
// store has no per-message delete.
func (a *Assembler) Accept(ctx context.Context, inv Invocation, res *Result) (domain.Message, error) {
	msg := domain.Message{
		ID:         "resp-" + res.AttemptID,
		ChannelID:  inv.Message.ChannelID,
		AuthorID:   inv.Handler.ID,
		AuthorName: inv.Handler.DisplayName,
		Body:       res.Text,
		HandlerID:  inv.Handler.ID,
		IsResponse: true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.Append(ctx, msg); err != nil {
		return domain.Message{}, fmt.Errorf("persist response: %w", err)
	}
	a.logger.Info("response persisted",
		"attempt", res.AttemptID,
		"handler", res.HandlerID,
		"channel", inv.Message.ChannelID,
		"chunks", res.Chunks,
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return msg, nil
}

// historyTurns maps the window into generation turns. Handler responses from
// any model become assistant turns tagged with the handler name, so every
// backend sees what the others said; human messages keep the speaker's name
// for multi-party channels.
func historyTurns(window []domain.Message) []domain.Turn {
	turns := make([]domain.Turn, 0, len(window))
	for _, m := range window {
		if m.IsResponse {
			turns = append(turns, domain.Turn{
				Role:    "assistant",
				Content: "[" + m.AuthorName + "] " + m.Body,
			})
			continue
		}
		turns = append(turns, domain.Turn{
			Role:    "user",
			Content: m.AuthorName + ": " + m.Body,
		})
	}
	return turns
}

// messageContent folds the inbound body and attachment descriptions into the
// new-message content.
func messageContent(msg domain.InboundMessage) string {
	content := msg.Body
	for _, a := range msg.Attachments {
		switch a.Kind {
		case domain.AttachmentImage:
			content += "\n[Image attached]"
		case domain.AttachmentText:
			if a.ExtractedText != "" {
				content += "\n\nAttached file contents:\n" + a.ExtractedText
			}
		}
	}
	return content
}
