package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/aixgo-dev/personachat/pkg/chat"
	"github.com/aixgo-dev/personachat/pkg/conversation"
)

const (
	defaultHTTPTimeout = 20 * time.Second
	defaultAudioName   = "record.webm"
	maxResponseBytes   = 4 << 20
	httpBackend        = "http"
)

// HTTPConfig configures the REST conversation service client.
type HTTPConfig struct {
	// BaseURL is the API root, e.g. http://localhost:8080/api.
	BaseURL string `yaml:"base_url"`
	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`
	// Timeout bounds each request. Defaults to 20s.
	Timeout time.Duration `yaml:"timeout"`
	// RateLimit is the client-side request rate per second. Zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	// Burst is the limiter burst size. Defaults to 1.
	Burst int `yaml:"burst"`
}

// HTTPClient talks to the REST conversation backend.
type HTTPClient struct {
	base    string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient returns a client for cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	c := &HTTPClient{
		base:   base,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// envelope is the response wrapper of every endpoint.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// wireMessage is a message as serialized by the backend. Ids are numeric and
// creation times carry no zone.
type wireMessage struct {
	ID         any    `json:"id"`
	Role       string `json:"role"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	AudioURL   string `json:"audioUrl"`
	CreateTime string `json:"createTime"`
}

func (w wireMessage) toRemote() conversation.RemoteMessage {
	return conversation.RemoteMessage{
		ID:         formatID(w.ID),
		Role:       w.Role,
		Type:       w.Type,
		Content:    w.Content,
		AudioURL:   w.AudioURL,
		CreateTime: parseTime(w.CreateTime),
	}
}

func formatID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func toRemoteMessages(ws []wireMessage) []conversation.RemoteMessage {
	out := make([]conversation.RemoteMessage, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.toRemote())
	}
	return out
}

// Chat posts a text message to /conversations/chat.
func (c *HTTPClient) Chat(ctx context.Context, req conversation.ChatRequest) (conversation.ChatResponse, error) {
	var out conversation.ChatResponse
	err := instrument(ctx, httpBackend, callChat, map[string]any{"conversation_id": req.ConversationID}, func(ctx context.Context) error {
		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode chat request: %w", err)
		}
		data, err := c.do(ctx, http.MethodPost, "/conversations/chat", "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		if len(data) == 0 || string(data) == "null" {
			return nil
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("decode chat response: %w", err)
		}
		return nil
	})
	return out, err
}

// UploadVoice posts a recording to /conversations/voice.
func (c *HTTPClient) UploadVoice(ctx context.Context, req conversation.VoiceRequest) ([]conversation.RemoteMessage, error) {
	if req.Audio.Empty() {
		return nil, ErrEmptyAudio
	}

	var out []conversation.RemoteMessage
	err := instrument(ctx, httpBackend, callVoice, map[string]any{"conversation_id": req.ConversationID, "bytes": len(req.Audio.Data)}, func(ctx context.Context) error {
		fields := map[string]string{"conversationId": req.ConversationID}
		if req.CharacterID != "" {
			fields["characterId"] = req.CharacterID
		}
		body, contentType, err := multipartBody(req.Audio, fields)
		if err != nil {
			return err
		}
		data, err := c.do(ctx, http.MethodPost, "/conversations/voice", contentType, body)
		if err != nil {
			return err
		}

		var payload struct {
			Messages []wireMessage `json:"messages"`
		}
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("decode voice response: %w", err)
			}
		}
		out = toRemoteMessages(payload.Messages)
		return nil
	})
	return out, err
}

// RecognizeSpeech posts a recording to /speech/recognition.
func (c *HTTPClient) RecognizeSpeech(ctx context.Context, audio chat.Audio) (string, error) {
	if audio.Empty() {
		return "", ErrEmptyAudio
	}

	var text string
	err := instrument(ctx, httpBackend, callRecognize, map[string]any{"bytes": len(audio.Data)}, func(ctx context.Context) error {
		body, contentType, err := multipartBody(audio, nil)
		if err != nil {
			return err
		}
		data, err := c.do(ctx, http.MethodPost, "/speech/recognition", contentType, body)
		if err != nil {
			return err
		}

		var payload struct {
			Text string `json:"text"`
		}
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("decode recognition response: %w", err)
			}
		}
		text = payload.Text
		return nil
	})
	return text, err
}

// FetchHistory reads /conversations/{id}/messages. The payload may be a bare
// array or an object with a messages field.
func (c *HTTPClient) FetchHistory(ctx context.Context, conversationID string) ([]conversation.RemoteMessage, error) {
	var out []conversation.RemoteMessage
	err := instrument(ctx, httpBackend, callHistory, map[string]any{"conversation_id": conversationID}, func(ctx context.Context) error {
		path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
		data, err := c.do(ctx, http.MethodGet, path, "", nil)
		if err != nil {
			return err
		}

		data = bytes.TrimSpace(data)
		var ws []wireMessage
		switch {
		case len(data) == 0 || string(data) == "null":
		case data[0] == '[':
			if err := json.Unmarshal(data, &ws); err != nil {
				return fmt.Errorf("decode history: %w", err)
			}
		default:
			var payload struct {
				Messages []wireMessage `json:"messages"`
			}
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("decode history: %w", err)
			}
			ws = payload.Messages
		}
		out = toRemoteMessages(ws)
		return nil
	})
	return out, err
}

// Ping checks that the backend answers.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return &APIError{Status: resp.StatusCode}
	}
	return nil
}

// do sends a request and unwraps the response envelope, returning its data.
func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body io.Reader) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil {
			apiErr.Code = env.Code
			apiErr.Message = env.Message
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response envelope: %w", decodeErr)
	}
	if env.Code != 0 && env.Code != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	return env.Data, nil
}

func multipartBody(audio chat.Audio, fields map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := audio.Filename
	if name == "" {
		name = defaultAudioName
	}
	part, err := w.CreateFormFile("audio", name)
	if err != nil {
		return nil, "", fmt.Errorf("create audio part: %w", err)
	}
	if _, err := part.Write(audio.Data); err != nil {
		return nil, "", fmt.Errorf("write audio part: %w", err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

var _ conversation.Remote = (*HTTPClient)(nil)
