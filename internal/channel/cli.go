package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"grove/internal/domain"

	"github.com/google/uuid"
)

// CLI implements domain.Channel for interactive terminal chat. The terminal
// behaves like a DM: unaddressed messages still get the fallback handler.
type CLI struct {
	bus       domain.MessageBus
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	userName  string
	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
}

type CLIConfig struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	name := "you"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return &CLI{
		logger:   cfg.Logger,
		in:       cfg.In,
		out:      cfg.Out,
		userName: name,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the interactive REPL and blocks until context is cancelled.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	bus.OnOutbound("cli", func(msg domain.OutboundMessage) {
		c.stopThinking()
		if ev := msg.StreamEvent; ev != nil {
			if ev.Type != domain.StreamChunk || ev.Content == "" {
				return
			}
			if ev.Seq == 0 {
				_, _ = fmt.Fprintf(c.out, "\r\033[K\n--- %s ---\n", msg.HandlerID)
			}
			_, _ = fmt.Fprintln(c.out, ev.Content)
			return
		}
		if msg.Content == "" {
			return
		}
		if msg.HandlerID != "" {
			// Already printed chunk by chunk.
			_, _ = fmt.Fprint(c.out, "----------------\nYou> ")
			return
		}
		_, _ = fmt.Fprintf(c.out, "\r\033[K\n%s\n", msg.Content)
		_, _ = fmt.Fprint(c.out, "You> ")
	})

	_, _ = fmt.Fprintln(c.out, "grove CLI. Type your message and press Enter. Type /quit to exit.")
	_, _ = fmt.Fprint(c.out, "You> ")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			_, _ = fmt.Fprint(c.out, "You> ")
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		c.startThinking()
		c.bus.Publish(domain.InboundMessage{
			Transport:  "cli",
			ID:         uuid.NewString(),
			ChannelID:  "terminal",
			AuthorID:   c.userName,
			AuthorName: c.userName,
			Body:       line,
			IsDM:       true,
			IsAdmin:    true, // local terminal owns the process
			Timestamp:  time.Now().UTC(),
		})
	}
}

func (c *CLI) startThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-c.thinkStop:
				return
			case <-ticker.C:
				fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}
