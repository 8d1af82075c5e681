package services

import "siza-core/models"

// EventType discriminates generation events
type EventType string

const (
	EventStart    EventType = "start"
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"

	// Emitted by the router, never by a provider generator
	EventRouting  EventType = "routing"
	EventFallback EventType = "fallback"
)

// Event is one element of a generation stream.
// Only the fields relevant to Type are set.
type Event struct {
	Type     EventType       `json:"type"`
	Content  string          `json:"content,omitempty"`
	Message  string          `json:"message,omitempty"`
	Provider models.Provider `json:"provider,omitempty"`
	Model    string          `json:"model,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// IsTerminal reports whether e ends a provider attempt
func (e Event) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// StartEvent marks the beginning of a provider attempt
func StartEvent(provider models.Provider, model string) Event {
	return Event{Type: EventStart, Provider: provider, Model: model}
}

// ChunkEvent carries a fragment of generated content
func ChunkEvent(content string) Event {
	return Event{Type: EventChunk, Content: content}
}

// CompleteEvent marks a successful end of a provider attempt
func CompleteEvent() Event {
	return Event{Type: EventComplete}
}

// ErrorEvent marks a failed end of a provider attempt
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

// GenerateOptions describes one component generation request
type GenerateOptions struct {
	Prompt           string `json:"prompt"`
	Framework        string `json:"framework"`
	ComponentLibrary string `json:"componentLibrary,omitempty"`
	Style            string `json:"style,omitempty"`
	TypeScript       bool   `json:"typescript,omitempty"`
	APIKey           string `json:"-"`
	ContextAddition  string `json:"contextAddition,omitempty"`
	ImageBase64      string `json:"imageBase64,omitempty"`
	ImageMimeType    string `json:"imageMimeType,omitempty"`
	Model            string `json:"model,omitempty"`
}

// HasImage reports whether an image is attached
func (o GenerateOptions) HasImage() bool {
	return o.ImageBase64 != ""
}
