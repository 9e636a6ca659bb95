package conversation

import (
	"context"
	"time"

	"github.com/aixgo-dev/personachat/pkg/chat"
)

// Remote is the conversation service the dispatcher talks to. Calls are
// stateless request/response; timeouts are the implementation's concern.
type Remote interface {
	// Chat sends a text message and returns the persona's reply.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// UploadVoice sends a recording and returns the messages the service
	// produced for it.
	UploadVoice(ctx context.Context, req VoiceRequest) ([]RemoteMessage, error)

	// RecognizeSpeech transcribes a recording.
	RecognizeSpeech(ctx context.Context, audio chat.Audio) (string, error)

	// FetchHistory returns the stored messages of a conversation.
	FetchHistory(ctx context.Context, conversationID string) ([]RemoteMessage, error)
}

// HistoryFetcher is the subset of Remote used by the state to hydrate
// threads that have no cached messages.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string) ([]RemoteMessage, error)
}

// ChatRequest is the payload of a text exchange.
type ChatRequest struct {
	ConversationID string `json:"conversationId"`
	CharacterID    int64  `json:"characterId"`
	Content        string `json:"content"`
	// SkillID is always nil from the dispatcher.
	SkillID *int64 `json:"skillId"`
}

// ChatResponse carries the reply text. An empty Response is a valid reply.
type ChatResponse struct {
	Response string `json:"response"`
}

// VoiceRequest is the payload of a voice exchange.
type VoiceRequest struct {
	ConversationID string
	// CharacterID is optional and sent verbatim.
	CharacterID string
	Audio       chat.Audio
}

// RemoteMessage is a message as returned by the service.
type RemoteMessage struct {
	ID         string    `json:"id,omitempty"`
	Role       string    `json:"role"`
	Type       string    `json:"type,omitempty"`
	Content    string    `json:"content"`
	AudioURL   string    `json:"audioUrl,omitempty"`
	CreateTime time.Time `json:"createTime,omitzero"`
}

// toMessage maps a service message into the local model: unknown roles
// become assistant, missing types become text, a missing creation time
// becomes now.
func toMessage(rm RemoteMessage, now time.Time) chat.Message {
	m := chat.Message{
		ID:      rm.ID,
		Role:    chat.RoleAssistant,
		Type:    chat.TypeText,
		Content: rm.Content,
		URL:     rm.AudioURL,
		TS:      now,
		Status:  chat.StatusSent,
	}
	if m.ID == "" {
		m.ID = chat.NewMessageID(now)
	}
	if chat.Role(rm.Role) == chat.RoleUser {
		m.Role = chat.RoleUser
	}
	if chat.Type(rm.Type) == chat.TypeAudio {
		m.Type = chat.TypeAudio
	}
	if !rm.CreateTime.IsZero() {
		m.TS = rm.CreateTime.UTC()
	}
	return m
}

func toMessages(rms []RemoteMessage, now time.Time) []chat.Message {
	out := make([]chat.Message, 0, len(rms))
	for _, rm := range rms {
		out = append(out, toMessage(rm, now))
	}
	return out
}
