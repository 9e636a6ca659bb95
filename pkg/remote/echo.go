package remote

import (
	"context"
	"time"

	"github.com/aixgo-dev/personachat/pkg/chat"
	"github.com/aixgo-dev/personachat/pkg/conversation"
)

const (
	echoBackend    = "echo"
	echoVoiceReply = "Got your voice message (mock)"
	echoTranscript = "Voice recognition result (mock)"
)

// Echo is an offline conversation service: text is echoed back, voice gets a
// canned reply and history is always empty.
type Echo struct {
	// Delay simulates network latency.
	Delay time.Duration
}

// NewEcho returns an echo service answering after delay.
func NewEcho(delay time.Duration) *Echo {
	return &Echo{Delay: delay}
}

func (e *Echo) wait(ctx context.Context) error {
	if e.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(e.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Chat echoes the content.
func (e *Echo) Chat(ctx context.Context, req conversation.ChatRequest) (conversation.ChatResponse, error) {
	var out conversation.ChatResponse
	err := instrument(ctx, echoBackend, callChat, nil, func(ctx context.Context) error {
		if err := e.wait(ctx); err != nil {
			return err
		}
		out.Response = "Echo: " + req.Content
		return nil
	})
	return out, err
}

// UploadVoice acknowledges the recording.
func (e *Echo) UploadVoice(ctx context.Context, req conversation.VoiceRequest) ([]conversation.RemoteMessage, error) {
	if req.Audio.Empty() {
		return nil, ErrEmptyAudio
	}
	var out []conversation.RemoteMessage
	err := instrument(ctx, echoBackend, callVoice, nil, func(ctx context.Context) error {
		if err := e.wait(ctx); err != nil {
			return err
		}
		out = []conversation.RemoteMessage{{
			Role:    string(chat.RoleAssistant),
			Type:    string(chat.TypeText),
			Content: echoVoiceReply,
		}}
		return nil
	})
	return out, err
}

// RecognizeSpeech returns a canned transcript.
func (e *Echo) RecognizeSpeech(ctx context.Context, audio chat.Audio) (string, error) {
	if audio.Empty() {
		return "", ErrEmptyAudio
	}
	return echoTranscript, nil
}

// FetchHistory returns no messages.
func (e *Echo) FetchHistory(ctx context.Context, conversationID string) ([]conversation.RemoteMessage, error) {
	return nil, nil
}

var _ conversation.Remote = (*Echo)(nil)
