package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Part represents a polymorphic segment of role-based message content.
// Concrete part types implement the unexported isPart marker enabling a
// closed set, so payloads entering the pipeline carry an explicit tag
// instead of a dynamically typed blob.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string // Plain UTF-8 text
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// AttachmentPart references a file accompanying a message. Only the
// reference travels through the pipeline; content validation and size
// limits happen at the boundary before a message is built.
type AttachmentPart struct {
	Name     string // Original filename hint
	MimeType string // Optional MIME type
	URI      string // External retrieval URI
}

// isPart implements the Part interface for AttachmentPart.
func (AttachmentPart) isPart() {}

// ToolCallPart describes a tool invocation request surfaced by the model.
type ToolCallPart struct {
	ID        string // Optional stable id
	Name      string // Tool / operation name
	Arguments string // Serialized argument payload (JSON)
}

// isPart implements the Part interface for ToolCallPart.
func (ToolCallPart) isPart() {}

// DeltaPart is one incremental piece of a streamed response, ordered by
// index. It only appears inside transient stream plumbing; reassembled
// history stores plain TextParts.
type DeltaPart struct {
	Index int
	Text  string
}

// isPart implements the Part interface for DeltaPart.
func (DeltaPart) isPart() {}

// Message is one exchanged turn: a conversation role, ordered typed parts
// and the wall-clock time the turn was recorded. After being appended to a
// session it should be treated as immutable.
type Message struct {
	Role      string    `json:"role"` // user, assistant, system
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp"`
}

// NewUserMessage builds a user-authored text message stamped with the
// current UTC time.
func NewUserMessage(text string) Message {
	return Message{Role: "user", Parts: []Part{TextPart{Text: text}}, Timestamp: time.Now().UTC()}
}

// NewAssistantMessage builds an assistant text message stamped with the
// current UTC time.
func NewAssistantMessage(text string) Message {
	return Message{Role: "assistant", Parts: []Part{TextPart{Text: text}}, Timestamp: time.Now().UTC()}
}

// Text concatenates all text parts of the message preserving order.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// Attachments returns any attachment references contained in the message
// preserving their original order.
func (m Message) Attachments() []AttachmentPart {
	var refs []AttachmentPart
	for _, p := range m.Parts {
		if ap, ok := p.(AttachmentPart); ok {
			refs = append(refs, ap)
		}
	}
	return refs
}

// NewID generates a new unique identifier. Session and request identifiers
// are always generated server-side, never caller-supplied, to prevent
// collision and spoofing.
func NewID() string { return uuid.NewString() }
