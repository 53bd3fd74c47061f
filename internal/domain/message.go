package domain

import "time"

// AttachmentKind classifies an attachment on an inbound message.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentText  AttachmentKind = "text"
)

// Attachment is one attachment on a message. For text attachments the
// transport extracts the content before the message reaches the core.
type Attachment struct {
	Kind          AttachmentKind
	ExtractedText string
}

// Message is one entry in a channel's conversation log. Immutable once stored;
// ID is the platform-assigned identifier and is unique within a channel.
type Message struct {
	ID          string
	ChannelID   string
	AuthorID    string
	AuthorName  string
	Body        string
	Attachments []Attachment
	HandlerID   string // empty for human messages
	IsResponse  bool
	CreatedAt   time.Time
}

// HasImage reports whether any attachment is an image.
func (m Message) HasImage() bool {
	for _, a := range m.Attachments {
		if a.Kind == AttachmentImage {
			return true
		}
	}
	return false
}

// InboundMessage is what the transport boundary delivers for each platform event.
type InboundMessage struct {
	Transport   string // "discord" | "telegram" | "cli"
	ID          string
	ChannelID   string
	AuthorID    string
	AuthorName  string
	Body        string
	Attachments []Attachment
	IsDM        bool
	MentionsBot bool
	IsAdmin     bool // transport-asserted admin capability
	ServerName  string
	ChannelName string
	Timestamp   time.Time
}

// Message converts the inbound event to its stored form.
func (in InboundMessage) Message() Message {
	return Message{
		ID:          in.ID,
		ChannelID:   in.ChannelID,
		AuthorID:    in.AuthorID,
		AuthorName:  in.AuthorName,
		Body:        in.Body,
		Attachments: in.Attachments,
		CreatedAt:   in.Timestamp,
	}
}

// StreamEventType classifies an outbound streaming event.
type StreamEventType string

const (
	StreamChunk StreamEventType = "chunk" // one sentence-bounded chunk
	StreamDone  StreamEventType = "done"  // full assembled response
	StreamError StreamEventType = "error"
)

// StreamEvent is a single incremental output event from the assembler.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Seq     int // chunk ordinal within one generation
}

// OutboundMessage is delivered back to the transport boundary. Content carries
// the final text; StreamEvent carries incremental chunks while generating.
type OutboundMessage struct {
	Transport   string
	ChannelID   string
	HandlerID   string
	Content     string
	StreamEvent *StreamEvent
}
