package remote

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/aixgo-dev/personachat/pkg/chat"
	"github.com/aixgo-dev/personachat/pkg/conversation"
)

const (
	geminiBackend      = "gemini"
	defaultGeminiModel = "gemini-2.0-flash"
	geminiMaxRetries   = 3
	geminiBaseDelay    = 500 * time.Millisecond
	geminiMaxDelay     = 8 * time.Second
	geminiJitterFactor = 0.3
	defaultAudioMIME   = "audio/webm"
	transcribePrompt   = "Transcribe this audio recording verbatim. Reply with the transcript only."
)

// GeminiModels is the subset of genai.Models used here.
type GeminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures the Gemini-backed service.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	// Project and Location select Vertex AI instead of the Gemini API.
	Project      string  `yaml:"project"`
	Location     string  `yaml:"location"`
	Model        string  `yaml:"model"`
	MaxTokens    int32   `yaml:"max_tokens"`
	Temperature  float32 `yaml:"temperature"`
	HistoryTurns int     `yaml:"history_turns"`
}

// Gemini answers as a persona with Gemini models. Audio is understood
// natively by the model, so voice needs no separate transcription service.
type Gemini struct {
	models      GeminiModels
	model       string
	maxTokens   int32
	temperature float32
	personas    personas
	memory      *transcripts
	baseDelay   time.Duration
}

// NewGemini creates the service from cfg using the Gen AI SDK.
func NewGemini(ctx context.Context, cfg GeminiConfig, characters []conversation.Character) (*Gemini, error) {
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.Project != "" {
		cc = &genai.ClientConfig{Project: cfg.Project, Location: cfg.Location, Backend: genai.BackendVertexAI}
	} else if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key or project is required")
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return NewGeminiWithModels(client.Models, cfg, characters), nil
}

// NewGeminiWithModels creates the service around an existing models API.
func NewGeminiWithModels(models GeminiModels, cfg GeminiConfig, characters []conversation.Character) *Gemini {
	g := &Gemini{
		models:      models,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		personas:    newPersonas(characters),
		memory:      newTranscripts(cfg.HistoryTurns),
		baseDelay:   geminiBaseDelay,
	}
	if g.model == "" {
		g.model = defaultGeminiModel
	}
	return g
}

// Chat answers a text message.
func (g *Gemini) Chat(ctx context.Context, req conversation.ChatRequest) (conversation.ChatResponse, error) {
	var out conversation.ChatResponse
	err := instrument(ctx, geminiBackend, callChat, map[string]any{"model": g.model}, func(ctx context.Context) error {
		contents := g.historyContents(req.ConversationID)
		contents = append(contents, genai.NewContentFromText(req.Content, genai.RoleUser))

		reply, err := g.generate(ctx, g.personas.promptFor(req.CharacterID), contents)
		if err != nil {
			return err
		}
		g.memory.add(req.ConversationID, req.Content, reply)
		out.Response = reply
		return nil
	})
	return out, err
}

// UploadVoice transcribes the recording and answers it.
func (g *Gemini) UploadVoice(ctx context.Context, req conversation.VoiceRequest) ([]conversation.RemoteMessage, error) {
	if req.Audio.Empty() {
		return nil, ErrEmptyAudio
	}
	var out []conversation.RemoteMessage
	err := instrument(ctx, geminiBackend, callVoice, map[string]any{"model": g.model}, func(ctx context.Context) error {
		text, err := g.transcribe(ctx, req.Audio)
		if err != nil {
			return err
		}
		if text == "" {
			return errors.New("gemini: empty transcription")
		}

		contents := g.historyContents(req.ConversationID)
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		reply, err := g.generate(ctx, g.personas.prompt(characterKey(req.CharacterID)), contents)
		if err != nil {
			return err
		}
		out = g.memory.add(req.ConversationID, text, reply)
		return nil
	})
	return out, err
}

// RecognizeSpeech transcribes a recording.
func (g *Gemini) RecognizeSpeech(ctx context.Context, audio chat.Audio) (string, error) {
	if audio.Empty() {
		return "", ErrEmptyAudio
	}
	var text string
	err := instrument(ctx, geminiBackend, callRecognize, map[string]any{"model": g.model}, func(ctx context.Context) error {
		var err error
		text, err = g.transcribe(ctx, audio)
		return err
	})
	return text, err
}

// FetchHistory returns the turns remembered for a conversation.
func (g *Gemini) FetchHistory(ctx context.Context, conversationID string) ([]conversation.RemoteMessage, error) {
	return g.memory.history(conversationID), nil
}

func (g *Gemini) transcribe(ctx context.Context, audio chat.Audio) (string, error) {
	mime := audio.MIMEType
	if mime == "" {
		mime = defaultAudioMIME
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(transcribePrompt),
			genai.NewPartFromBytes(audio.Data, mime),
		}, genai.RoleUser),
	}
	text, err := g.generate(ctx, "", contents)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (g *Gemini) historyContents(conversationID string) []*genai.Content {
	history := g.memory.history(conversationID)
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		role := genai.Role(genai.RoleModel)
		if m.Role == string(chat.RoleUser) {
			role = genai.RoleUser
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}

// generate calls the model, retrying transient failures with backoff.
func (g *Gemini) generate(ctx context.Context, system string, contents []*genai.Content) (string, error) {
	config := &genai.GenerateContentConfig{}
	if g.temperature > 0 {
		config.Temperature = genai.Ptr(g.temperature)
	}
	if g.maxTokens > 0 {
		config.MaxOutputTokens = g.maxTokens
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	var (
		resp *genai.GenerateContentResponse
		err  error
	)
	for attempt := 0; attempt < geminiMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(g.backoff(attempt)):
			}
		}

		resp, err = g.models.GenerateContent(ctx, g.model, contents, config)
		if err == nil || !isRetryableGenAIError(err) {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return parseGeminiResponse(resp)
}

func parseGeminiResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("gemini: no candidates in response")
	}
	candidate := resp.Candidates[0]
	var sb strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" && !part.Thought {
				sb.WriteString(part.Text)
			}
		}
	}
	return sb.String(), nil
}

// isRetryableGenAIError reports whether err looks transient.
func isRetryableGenAIError(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code == 429 || apiErrPtr.Code >= 500
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "unavailable")
}

// backoff returns an exponential delay with jitter for attempt >= 1.
func (g *Gemini) backoff(attempt int) time.Duration {
	shift := min(max(attempt-1, 0), 16)
	delay := min(time.Duration(1<<uint(shift))*g.baseDelay, geminiMaxDelay)
	jitter := time.Duration(float64(delay) * geminiJitterFactor * (randFloat64()*2 - 1))
	return delay + jitter
}

func randFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

var _ conversation.Remote = (*Gemini)(nil)
