package chat

import "time"

// MessagePatch is a structural merge applied by the message log. Nil fields
// are left untouched; the message id is never patched.
type MessagePatch struct {
	Role    *Role
	Type    *Type
	Content *string
	URL     *string
	TS      *time.Time
	Status  *Status
	// Retry replaces the retry metadata when non-nil.
	Retry *Retry
	// ClearRetry drops the retry metadata. It wins over Retry.
	ClearRetry bool
}

// Apply returns m with the patch merged in.
func (p MessagePatch) Apply(m Message) Message {
	if p.Role != nil {
		m.Role = *p.Role
	}
	if p.Type != nil {
		m.Type = *p.Type
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.URL != nil {
		m.URL = *p.URL
	}
	if p.TS != nil {
		m.TS = *p.TS
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.Retry != nil {
		r := *p.Retry
		m.Retry = &r
	}
	if p.ClearRetry {
		m.Retry = nil
	}
	return m
}

// PatchFrom builds a patch that overwrites every payload field of m except
// its id. Used when a server reply takes over an existing slot.
func PatchFrom(m Message) MessagePatch {
	ts := m.TS
	return MessagePatch{
		Role:       &m.Role,
		Type:       &m.Type,
		Content:    &m.Content,
		URL:        &m.URL,
		TS:         &ts,
		Status:     &m.Status,
		ClearRetry: true,
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
