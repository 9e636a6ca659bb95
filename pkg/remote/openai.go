package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aixgo-dev/personachat/pkg/chat"
	"github.com/aixgo-dev/personachat/pkg/conversation"
)

const (
	openAIBackend       = "openai"
	defaultOpenAIModel  = openai.GPT4oMini
	defaultWhisperModel = openai.Whisper1
)

// OpenAIClient is the subset of the go-openai client used here.
type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// OpenAIConfig configures the OpenAI-backed service.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	// BaseURL targets OpenAI-compatible endpoints.
	BaseURL            string  `yaml:"base_url"`
	Model              string  `yaml:"model"`
	TranscriptionModel string  `yaml:"transcription_model"`
	MaxTokens          int     `yaml:"max_tokens"`
	Temperature        float32 `yaml:"temperature"`
	// HistoryTurns bounds the messages replayed as context.
	HistoryTurns int `yaml:"history_turns"`
}

// OpenAI answers as a persona using chat completions and transcribes voice
// with Whisper. Conversation history is kept in memory.
type OpenAI struct {
	client      OpenAIClient
	model       string
	asrModel    string
	maxTokens   int
	temperature float32
	personas    personas
	memory      *transcripts
}

// NewOpenAI creates the service from cfg.
func NewOpenAI(cfg OpenAIConfig, characters []conversation.Character) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return NewOpenAIWithClient(openai.NewClientWithConfig(oc), cfg, characters), nil
}

// NewOpenAIWithClient creates the service around an existing client.
func NewOpenAIWithClient(client OpenAIClient, cfg OpenAIConfig, characters []conversation.Character) *OpenAI {
	o := &OpenAI{
		client:      client,
		model:       cfg.Model,
		asrModel:    cfg.TranscriptionModel,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		personas:    newPersonas(characters),
		memory:      newTranscripts(cfg.HistoryTurns),
	}
	if o.model == "" {
		o.model = defaultOpenAIModel
	}
	if o.asrModel == "" {
		o.asrModel = defaultWhisperModel
	}
	return o
}

// Chat completes the conversation with the persona's reply.
func (o *OpenAI) Chat(ctx context.Context, req conversation.ChatRequest) (conversation.ChatResponse, error) {
	var out conversation.ChatResponse
	err := instrument(ctx, openAIBackend, callChat, map[string]any{"model": o.model}, func(ctx context.Context) error {
		reply, err := o.complete(ctx, req.ConversationID, o.personas.promptFor(req.CharacterID), req.Content)
		if err != nil {
			return err
		}
		o.memory.add(req.ConversationID, req.Content, reply)
		out.Response = reply
		return nil
	})
	return out, err
}

// UploadVoice transcribes the recording and answers it. The transcript is
// returned as the user message, followed by the reply.
func (o *OpenAI) UploadVoice(ctx context.Context, req conversation.VoiceRequest) ([]conversation.RemoteMessage, error) {
	if req.Audio.Empty() {
		return nil, ErrEmptyAudio
	}
	var out []conversation.RemoteMessage
	err := instrument(ctx, openAIBackend, callVoice, map[string]any{"model": o.model}, func(ctx context.Context) error {
		text, err := o.transcribe(ctx, req.Audio)
		if err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			return errors.New("openai: empty transcription")
		}
		reply, err := o.complete(ctx, req.ConversationID, o.personas.prompt(characterKey(req.CharacterID)), text)
		if err != nil {
			return err
		}
		out = o.memory.add(req.ConversationID, text, reply)
		return nil
	})
	return out, err
}

// RecognizeSpeech transcribes a recording.
func (o *OpenAI) RecognizeSpeech(ctx context.Context, audio chat.Audio) (string, error) {
	if audio.Empty() {
		return "", ErrEmptyAudio
	}
	var text string
	err := instrument(ctx, openAIBackend, callRecognize, map[string]any{"model": o.asrModel}, func(ctx context.Context) error {
		var err error
		text, err = o.transcribe(ctx, audio)
		return err
	})
	return text, err
}

// FetchHistory returns the turns remembered for a conversation.
func (o *OpenAI) FetchHistory(ctx context.Context, conversationID string) ([]conversation.RemoteMessage, error) {
	return o.memory.history(conversationID), nil
}

func (o *OpenAI) complete(ctx context.Context, conversationID, prompt, content string) (string, error) {
	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: prompt}}
	for _, m := range o.memory.history(conversationID) {
		role := openai.ChatMessageRoleAssistant
		if m.Role == string(chat.RoleUser) {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: content})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	})
	if err != nil {
		return "", wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) transcribe(ctx context.Context, audio chat.Audio) (string, error) {
	name := audio.Filename
	if name == "" {
		name = defaultAudioName
	}
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.asrModel,
		FilePath: name,
		Reader:   bytes.NewReader(audio.Data),
	})
	if err != nil {
		return "", wrapOpenAIError(err)
	}
	return resp.Text, nil
}

// wrapOpenAIError surfaces API failures as *APIError.
func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("openai: %w", &APIError{Status: apiErr.HTTPStatusCode, Message: apiErr.Message})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("openai: %w", &APIError{Status: reqErr.HTTPStatusCode, Message: reqErr.Error()})
	}
	return fmt.Errorf("openai: %w", err)
}

// characterKey normalizes numeric ids so "007" and "7" resolve alike.
func characterKey(id string) string {
	if n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return id
}

var _ conversation.Remote = (*OpenAI)(nil)
