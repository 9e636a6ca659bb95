// Package chat defines the conversation data model shared by the session
// registry, the message log and the dispatcher: sessions, messages, their
// statuses and the retry metadata carried by failed replies.
package chat

import (
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	// RoleUser marks messages written or recorded by the user.
	RoleUser Role = "user"
	// RoleAssistant marks replies produced by the persona.
	RoleAssistant Role = "assistant"
)

// Type is the payload kind of a message.
type Type string

const (
	// TypeText carries Content.
	TypeText Type = "text"
	// TypeAudio carries a playback URL.
	TypeAudio Type = "audio"
)

// Status is the delivery state of a message.
//
// User messages only ever reach StatusSent. Assistant messages move
// pending -> sent | error, and error -> sending -> sent | error.
type Status string

const (
	StatusSent    Status = "sent"
	StatusSending Status = "sending"
	StatusPending Status = "pending"
	StatusError   Status = "error"
)

// Session is one conversation thread with a persona.
type Session struct {
	// ID is opaque and immutable.
	ID string `json:"id"`
	// Title is empty until the first exchange or an explicit rename.
	Title string `json:"title"`
	// CharacterID references the persona; empty for an untargeted session.
	CharacterID string `json:"characterId,omitempty"`
	// CharacterName is the display name of the persona.
	CharacterName string `json:"characterName,omitempty"`
	// UpdatedAt orders listings, most recent first.
	UpdatedAt time.Time `json:"updatedAt"`
	// Hidden stays true until the first exchange completes.
	Hidden bool `json:"hidden"`
}

// DisplayTitle falls back to the persona name for untitled sessions.
func (s Session) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	return s.CharacterName
}

// Audio is an opaque recorded payload produced by the capture collaborator.
type Audio struct {
	Data     []byte `json:"data"`
	Filename string `json:"filename,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

// Empty reports whether the payload carries no bytes.
func (a Audio) Empty() bool {
	return len(a.Data) == 0
}

// Retry is the replay information held by the assistant message occupying
// the error slot of a thread.
type Retry struct {
	// Type selects which request is replayed.
	Type Type `json:"retryType"`
	// Content is the original text for text retries.
	Content string `json:"retryContent,omitempty"`
	// Audio is the original recording for audio retries.
	Audio *Audio `json:"retryBlob,omitempty"`
	// RefUserID is the user message that triggered the failed reply.
	RefUserID string `json:"refUserId,omitempty"`
}

// Replayable reports whether r carries enough to rebuild its request. An
// audio retry without its recording cannot be replayed.
func (r Retry) Replayable() bool {
	return r.Type != TypeAudio || (r.Audio != nil && !r.Audio.Empty())
}

// Message is a single entry of a thread.
type Message struct {
	ID      string    `json:"id"`
	Role    Role      `json:"role"`
	Type    Type      `json:"type"`
	Content string    `json:"content,omitempty"`
	URL     string    `json:"url,omitempty"`
	TS      time.Time `json:"ts"`
	Status  Status    `json:"status"`
	// Retry is only set on assistant messages in StatusError or StatusSending.
	Retry *Retry `json:"retry,omitempty"`
}

// Retryable reports whether the message currently holds the error slot.
func (m Message) Retryable() bool {
	return m.Role == RoleAssistant && m.Status == StatusError
}

// Clone returns a deep copy so snapshots never alias live state.
func (m Message) Clone() Message {
	if m.Retry != nil {
		r := *m.Retry
		if r.Audio != nil {
			a := *r.Audio
			a.Data = append([]byte(nil), r.Audio.Data...)
			r.Audio = &a
		}
		m.Retry = &r
	}
	return m
}

// CloneMessages deep-copies a message sequence.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
