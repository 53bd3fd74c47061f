package engine

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"grove/internal/bus"
	"grove/internal/domain"
	"grove/internal/metrics"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text response to send back
	Handled  bool   // true if the command was handled (don't route to a handler)
}

// startTime records when the process started for /uptime.
var startTime = time.Now()

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name := strings.TrimPrefix(parts[0], "/")
	name = strings.ToLower(name)

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &ChatCommand{
		Name: name,
		Args: args,
		Raw:  text,
	}
}

const adminRefusal = "That command changes shared state and needs admin rights on this transport."

// HandleCommand processes a chat command and returns a result.
// If the command is not recognized, returns Handled=false so the message
// flows through the normal routing pipeline.
func (e *Engine) HandleCommand(ctx context.Context, cmd *ChatCommand, msg domain.InboundMessage) CommandResult {
	switch cmd.Name {
	case "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "handlers":
		return CommandResult{Response: e.handlersText(), Handled: true}

	case "setprompt":
		if !msg.IsAdmin {
			return CommandResult{Response: adminRefusal, Handled: true}
		}
		if len(cmd.Args) < 2 {
			return CommandResult{Response: "Usage: /setprompt <handler> <prompt>", Handled: true}
		}
		id := cmd.Args[0]
		tmpl := strings.Join(cmd.Args[1:], " ")
		if err := e.registry.SetPrompt(id, tmpl); err != nil {
			return CommandResult{Response: fmt.Sprintf("Cannot set prompt: %v", err), Handled: true}
		}
		return CommandResult{Response: fmt.Sprintf("Prompt for %s updated.", id), Handled: true}

	case "resetprompt":
		if !msg.IsAdmin {
			return CommandResult{Response: adminRefusal, Handled: true}
		}
		if len(cmd.Args) != 1 {
			return CommandResult{Response: "Usage: /resetprompt <handler>", Handled: true}
		}
		if err := e.registry.ResetPrompt(cmd.Args[0]); err != nil {
			return CommandResult{Response: fmt.Sprintf("Cannot reset prompt: %v", err), Handled: true}
		}
		return CommandResult{Response: fmt.Sprintf("Prompt for %s restored to its baseline.", cmd.Args[0]), Handled: true}

	case "clone":
		if !msg.IsAdmin {
			return CommandResult{Response: adminRefusal, Handled: true}
		}
		if len(cmd.Args) < 2 {
			return CommandResult{Response: "Usage: /clone <source> <new-id> [prompt]", Handled: true}
		}
		src, newID := cmd.Args[0], cmd.Args[1]
		tmpl := ""
		if len(cmd.Args) > 2 {
			tmpl = strings.Join(cmd.Args[2:], " ")
		}
		d, err := e.registry.Clone(src, newID, tmpl)
		if err != nil {
			return CommandResult{Response: fmt.Sprintf("Clone failed: %v", err), Handled: true}
		}
		e.events.Emit(bus.Event{Type: bus.EventHandlerCloned, Source: "engine",
			Payload: map[string]any{"source": src, "new": newID}})
		return CommandResult{Response: fmt.Sprintf("Cloned %s into %s (%s tier).", src, d.ID, d.Tier), Handled: true}

	case "setcontext":
		if !msg.IsAdmin {
			return CommandResult{Response: adminRefusal, Handled: true}
		}
		if len(cmd.Args) != 1 {
			return CommandResult{Response: "Usage: /setcontext <size>", Handled: true}
		}
		n, err := strconv.Atoi(cmd.Args[0])
		if err != nil || n < 1 || n > 200 {
			return CommandResult{Response: "Context size must be a number between 1 and 200.", Handled: true}
		}
		if err := e.store.SetWindowSize(ctx, msg.ChannelID, n); err != nil {
			return CommandResult{Response: fmt.Sprintf("Cannot set context size: %v", err), Handled: true}
		}
		return CommandResult{Response: fmt.Sprintf("Context window set to %d messages.", n), Handled: true}

	case "getcontext":
		settings, err := e.store.Settings(ctx, msg.ChannelID)
		if err != nil {
			return CommandResult{Response: fmt.Sprintf("Cannot read settings: %v", err), Handled: true}
		}
		mode := "off"
		if settings.RouterMode {
			mode = "on"
		}
		return CommandResult{Response: fmt.Sprintf("Context window: %d messages. Router mode: %s.", settings.WindowSize, mode), Handled: true}

	case "resetcontext":
		if !msg.IsAdmin {
			return CommandResult{Response: adminRefusal, Handled: true}
		}
		if err := e.store.ResetWindowSize(ctx, msg.ChannelID); err != nil {
			return CommandResult{Response: fmt.Sprintf("Cannot reset context size: %v", err), Handled: true}
		}
		return CommandResult{Response: "Context window restored to the default.", Handled: true}

	case "clearcontext":
		if !msg.IsAdmin {
			return CommandResult{Response: adminRefusal, Handled: true}
		}
		var olderThan time.Duration
		if len(cmd.Args) > 0 {
			hours, err := strconv.Atoi(cmd.Args[0])
			if err != nil || hours < 0 {
				return CommandResult{Response: "Usage: /clearcontext [hours]", Handled: true}
			}
			olderThan = time.Duration(hours) * time.Hour
		}
		removed, err := e.store.Clear(ctx, msg.ChannelID, olderThan)
		if err != nil {
			return CommandResult{Response: fmt.Sprintf("Cannot clear history: %v", err), Handled: true}
		}
		e.mu.Lock()
		delete(e.lastTurns, msg.ChannelID)
		e.mu.Unlock()
		return CommandResult{Response: fmt.Sprintf("Removed %d messages from this channel's history.", removed), Handled: true}

	case "activate":
		if !msg.IsAdmin {
			return CommandResult{Response: adminRefusal, Handled: true}
		}
		if err := e.store.SetRouterMode(ctx, msg.ChannelID, true); err != nil {
			return CommandResult{Response: fmt.Sprintf("Cannot activate: %v", err), Handled: true}
		}
		e.events.Emit(bus.Event{Type: bus.EventChannelActivated, Source: "engine",
			Payload: map[string]any{"channel": msg.ChannelID}})
		return CommandResult{Response: fmt.Sprintf("Router mode on: %s now answers every message here.", e.registry.Fallback().DisplayName), Handled: true}

	case "deactivate":
		if !msg.IsAdmin {
			return CommandResult{Response: adminRefusal, Handled: true}
		}
		if err := e.store.SetRouterMode(ctx, msg.ChannelID, false); err != nil {
			return CommandResult{Response: fmt.Sprintf("Cannot deactivate: %v", err), Handled: true}
		}
		return CommandResult{Response: "Router mode off: handlers answer only when addressed.", Handled: true}

	case "reroll":
		return e.reroll(ctx, msg)

	case "status":
		return CommandResult{Response: e.statusText(), Handled: true}

	case "uptime":
		uptime := time.Since(startTime).Round(time.Second)
		return CommandResult{Response: fmt.Sprintf("Uptime: %s", uptime), Handled: true}

	case "version":
		return CommandResult{Response: fmt.Sprintf("Grove v%s (%s/%s, Go %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version()), Handled: true}

	default:
		// Unknown command — flows through routing as a normal message.
		return CommandResult{Handled: false}
	}
}

// reroll reruns the channel's last completed turn at a higher temperature and
// appends the new answer as a superseding response.
func (e *Engine) reroll(ctx context.Context, msg domain.InboundMessage) CommandResult {
	e.mu.Lock()
	rec, ok := e.lastTurns[msg.ChannelID]
	if ok {
		rec.attempts++
	}
	e.mu.Unlock()
	if !ok {
		return CommandResult{Response: "Nothing to reroll in this channel yet.", Handled: true}
	}

	metrics.Rerolls.Inc()
	e.events.Emit(bus.Event{Type: bus.EventRerollRequested, Source: "engine",
		Payload: map[string]any{"channel": msg.ChannelID, "handler": rec.inv.Handler.ID}})

	inv := rec.inv
	inv.Temperature = rerollTemperature

	res, err := e.asm.Invoke(ctx, inv, func(ev domain.StreamEvent) {
		e.msgBus.SendOutbound(domain.OutboundMessage{
			Transport:   msg.Transport,
			ChannelID:   msg.ChannelID,
			HandlerID:   inv.Handler.ID,
			StreamEvent: &ev,
		})
	})
	if err != nil {
		// Discarded attempt: the previous response stays, nothing was written.
		return CommandResult{Response: fmt.Sprintf("Reroll failed: %v. The previous answer stands.", err), Handled: true}
	}
	accepted, err := e.asm.Accept(ctx, inv, res)
	if err != nil {
		return CommandResult{Response: fmt.Sprintf("Reroll could not be recorded: %v", err), Handled: true}
	}

	e.msgBus.SendOutbound(domain.OutboundMessage{
		Transport: msg.Transport,
		ChannelID: msg.ChannelID,
		HandlerID: inv.Handler.ID,
		Content:   accepted.Body,
	})
	return CommandResult{Handled: true}
}

// version is set by the build system. Default fallback.
var version = "0.1.0"

// SetVersion sets the version string used by commands.
func SetVersion(v string) {
	version = v
}

func helpText() string {
	return `**Grove Commands**

/handlers — List response handlers and their tiers
/reroll — Regenerate the last answer in this channel
/getcontext — Show this channel's context window and router mode
/setcontext <n> — Set the context window size (admin)
/resetcontext — Restore the default window size (admin)
/clearcontext [hours] — Clear history, optionally only entries older than N hours (admin)
/setprompt <handler> <prompt> — Override a handler's system prompt (admin)
/resetprompt <handler> — Restore a handler's baseline prompt (admin)
/clone <source> <new-id> [prompt] — Clone a handler under a new name (admin)
/activate — Router mode: default handler answers everything here (admin)
/deactivate — Handlers answer only when addressed (admin)
/status — Show runtime info
/uptime — Show process uptime
/version — Show version
/help — This message`
}

func (e *Engine) handlersText() string {
	var sb strings.Builder
	sb.WriteString("**Handlers**\n")
	for _, d := range e.registry.List() {
		fmt.Fprintf(&sb, "• %s (%s) — %s", d.ID, d.Tier, d.DisplayName)
		if d.Default {
			sb.WriteString(" [default]")
		}
		if d.ClonedFrom != "" {
			fmt.Fprintf(&sb, " [clone of %s]", d.ClonedFrom)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (e *Engine) statusText() string {
	var sb strings.Builder
	sb.WriteString("**Grove Status**\n")
	fmt.Fprintf(&sb, "Version: %s\n", version)
	fmt.Fprintf(&sb, "Uptime: %s\n", time.Since(startTime).Round(time.Second))
	fmt.Fprintf(&sb, "Handlers: %d (default: %s)\n", len(e.registry.List()), e.registry.Fallback().DisplayName)
	fmt.Fprintf(&sb, "Go: %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if recent := e.events.Recent(5); len(recent) > 0 {
		sb.WriteString("\nRecent activity:\n")
		for _, ev := range recent {
			fmt.Fprintf(&sb, "  %s %s\n", ev.Timestamp.UTC().Format("15:04:05"), ev.Type)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
