// Package prompt renders handler system-prompt templates. Templates use
// {VARIABLE} placeholders filled from the inbound message and the configured
// display timezone.
package prompt

import (
	"strings"
	"time"

	"grove/internal/domain"
)

// Renderer expands prompt templates. The zero value renders in UTC.
type Renderer struct {
	loc *time.Location
}

// NewRenderer creates a renderer for the given display timezone name.
// An empty or unknown name falls back to UTC.
func NewRenderer(tz string) *Renderer {
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	return &Renderer{loc: loc}
}

// Render fills the template's recognized variables. Unknown placeholders are
// left untouched so a typo in a user template is visible rather than silent.
func (r *Renderer) Render(template, handlerDisplayName string, msg domain.InboundMessage) string {
	loc := r.loc
	if loc == nil {
		loc = time.UTC
	}
	now := time.Now().In(loc)

	serverName := msg.ServerName
	channelName := msg.ChannelName
	if msg.IsDM {
		if serverName == "" {
			serverName = "Direct Message"
		}
		if channelName == "" {
			channelName = "DM"
		}
	}

	return strings.NewReplacer(
		"{MODEL_ID}", handlerDisplayName,
		"{USERNAME}", msg.AuthorName,
		"{DISCORD_USER_ID}", msg.AuthorID,
		"{TIME}", now.Format("3:04 PM"),
		"{TZ}", loc.String(),
		"{SERVER_NAME}", serverName,
		"{CHANNEL_NAME}", channelName,
	).Replace(template)
}
