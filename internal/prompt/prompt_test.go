package prompt

import (
	"strings"
	"testing"

	"grove/internal/domain"
)

func TestRender_Variables(t *testing.T) {
	r := NewRenderer("UTC")
	msg := domain.InboundMessage{
		AuthorID:    "12345",
		AuthorName:  "alice",
		ServerName:  "Splinter",
		ChannelName: "general",
	}

	out := r.Render("You are {MODEL_ID} with {USERNAME} ({DISCORD_USER_ID}) in {SERVER_NAME}/{CHANNEL_NAME}, tz {TZ}.", "Gemini", msg)

	for _, want := range []string{"Gemini", "alice", "12345", "Splinter", "general", "UTC"} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered prompt missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "{") {
		t.Fatalf("unexpanded placeholder remains: %s", out)
	}
}

func TestRender_DMDefaults(t *testing.T) {
	r := NewRenderer("")
	msg := domain.InboundMessage{AuthorName: "bob", IsDM: true}

	out := r.Render("{SERVER_NAME}/{CHANNEL_NAME}", "Sydney", msg)
	if out != "Direct Message/DM" {
		t.Fatalf("expected DM defaults, got %q", out)
	}
}

func TestRender_UnknownPlaceholderKept(t *testing.T) {
	r := NewRenderer("UTC")
	out := r.Render("hello {NOT_A_VAR}", "X", domain.InboundMessage{})
	if !strings.Contains(out, "{NOT_A_VAR}") {
		t.Fatalf("unknown placeholder must survive, got %q", out)
	}
}

func TestNewRenderer_BadTZFallsBack(t *testing.T) {
	r := NewRenderer("Not/AZone")
	out := r.Render("{TZ}", "X", domain.InboundMessage{})
	if out != "UTC" {
		t.Fatalf("expected UTC fallback, got %q", out)
	}
}
