package conversation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aixgo-dev/personachat/internal/logger"
	tracing "github.com/aixgo-dev/personachat/internal/observability"
	"github.com/aixgo-dev/personachat/pkg/chat"
	"github.com/aixgo-dev/personachat/pkg/observability"
)

const (
	opSendText  = "send_text"
	opSendAudio = "send_audio"
	opRetry     = "retry"
)

// Character is a persona the dispatcher can address.
type Character struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Prompt is the persona instruction used by model-backed remotes.
	Prompt string `yaml:"prompt,omitempty"`
}

// DefaultCharacter is used for threads whose session names no persona.
var DefaultCharacter = Character{ID: "1", Name: "AI Xiaozhi"}

// Texts are the bodies the dispatcher writes into assistant messages it
// produces locally.
type Texts struct {
	// Busy is the body of a failed reply.
	Busy string `yaml:"busy"`
	// Retrying is shown while a failed reply is replayed.
	Retrying string `yaml:"retrying"`
	// EmptyReply replaces a successful but empty chat response.
	EmptyReply string `yaml:"empty_reply"`
}

// DefaultTexts returns the built-in message bodies.
func DefaultTexts() Texts {
	return Texts{
		Busy:       "Network busy, tap to retry",
		Retrying:   "Retrying...",
		EmptyReply: "Sorry, I can't respond right now. Please try again later.",
	}
}

// Dispatcher sends user input to the remote service and reconciles the
// result into State: optimistic append, reply on success, a single
// retryable error message per thread on failure.
type Dispatcher struct {
	state       *State
	remote      Remote
	log         *logger.Logger
	character   Character
	texts       Texts
	playbackURL func(chat.Audio) string

	mu      sync.Mutex
	pending map[string]int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *logger.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithDefaultCharacter overrides DefaultCharacter. A zero Character disables
// sends on threads without a persona.
func WithDefaultCharacter(c Character) DispatcherOption {
	return func(d *Dispatcher) {
		d.character = c
	}
}

// WithTexts overrides the non-empty fields of DefaultTexts.
func WithTexts(t Texts) DispatcherOption {
	return func(d *Dispatcher) {
		if t.Busy != "" {
			d.texts.Busy = t.Busy
		}
		if t.Retrying != "" {
			d.texts.Retrying = t.Retrying
		}
		if t.EmptyReply != "" {
			d.texts.EmptyReply = t.EmptyReply
		}
	}
}

// WithPlaybackURL sets how a local playback URL is made for a recording.
func WithPlaybackURL(fn func(chat.Audio) string) DispatcherOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.playbackURL = fn
		}
	}
}

// NewDispatcher returns a dispatcher mutating state and calling remote.
func NewDispatcher(state *State, remote Remote, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		state:       state,
		remote:      remote,
		log:         logger.Nop(),
		character:   DefaultCharacter,
		texts:       DefaultTexts(),
		playbackURL: localPlaybackURL,
		pending:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func localPlaybackURL(a chat.Audio) string {
	name := a.Filename
	if name == "" {
		name = "record.webm"
	}
	return "local://" + chat.NewMessageID(time.Now()) + "/" + name
}

// Pending reports whether a send or retry is outstanding on thread. It is
// informational: the dispatcher does not refuse concurrent sends.
func (d *Dispatcher) Pending(thread string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[thread] > 0
}

func (d *Dispatcher) begin(thread string) func() {
	d.mu.Lock()
	d.pending[thread]++
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		if d.pending[thread]--; d.pending[thread] <= 0 {
			delete(d.pending, thread)
		}
		d.mu.Unlock()
	}
}

// threadContext returns the session of thread and whether a send may proceed.
func (d *Dispatcher) threadContext(thread string) (chat.Session, bool) {
	sess, ok := d.state.Session(thread)
	if !ok && d.character.ID == "" {
		return sess, false
	}
	return sess, true
}

// characterID resolves the numeric persona id of a session, falling back to
// the default character and then to 1.
func (d *Dispatcher) characterID(sess chat.Session) int64 {
	raw := sess.CharacterID
	if raw == "" {
		raw = d.character.ID
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		d.log.Debug("non-numeric character id, using 1", "character", raw)
		return 1
	}
	return id
}

// SendText sends content on the active thread. Blank content, or a thread
// without a persona when no default character is configured, is ignored.
// A remote failure is recorded as a retryable message and returned.
func (d *Dispatcher) SendText(ctx context.Context, content string) (err error) {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	thread := d.state.ActiveThread()
	sess, ok := d.threadContext(thread)
	if !ok {
		return nil
	}
	first := d.state.messageCount(thread) == 0

	userID := d.state.AppendMessage(thread, chat.Message{
		Role:    chat.RoleUser,
		Type:    chat.TypeText,
		Content: content,
		Status:  chat.StatusSent,
	})

	done := d.begin(thread)
	defer done()

	characterID := d.characterID(sess)
	ctx, span := tracing.StartSpan(ctx, "conversation.send_text", map[string]any{
		"thread":       thread,
		"character_id": characterID,
	})
	defer func() { tracing.EndSpan(span, err) }()

	resp, err := d.remote.Chat(ctx, ChatRequest{
		ConversationID: thread,
		CharacterID:    characterID,
		Content:        content,
	})
	if err != nil {
		d.fail(thread, opSendText, chat.Retry{
			Type:      chat.TypeText,
			Content:   content,
			RefUserID: userID,
		}, err)
		return fmt.Errorf("send text: %w", err)
	}

	d.state.appendExisting(thread, d.textReply(resp))
	d.state.MarkExchanged(thread)
	if first {
		d.state.titleIfEmpty(thread, content)
	}
	observability.RecordDispatch(opSendText, "ok")
	return nil
}

// SendAudio sends a recording on the active thread. On the first message of
// a thread the recording is also transcribed in the background to title the
// session; transcription failures are ignored.
func (d *Dispatcher) SendAudio(ctx context.Context, audio chat.Audio) (err error) {
	if audio.Empty() {
		return nil
	}
	thread := d.state.ActiveThread()
	sess, ok := d.threadContext(thread)
	if !ok {
		return nil
	}
	first := d.state.messageCount(thread) == 0
	audio = cloneAudio(audio)

	userID := d.state.AppendMessage(thread, chat.Message{
		Role:   chat.RoleUser,
		Type:   chat.TypeAudio,
		URL:    d.playbackURL(audio),
		Status: chat.StatusSent,
	})

	done := d.begin(thread)
	defer done()

	ctx, span := tracing.StartSpan(ctx, "conversation.send_audio", map[string]any{
		"thread": thread,
		"bytes":  len(audio.Data),
		"first":  first,
	})
	defer func() { tracing.EndSpan(span, err) }()

	// Recognition only titles the thread, so it runs detached and never
	// delays the reply.
	if first {
		asrCtx := context.WithoutCancel(ctx)
		d.state.detach(func() {
			text, err := d.remote.RecognizeSpeech(asrCtx, audio)
			if err != nil {
				d.log.Debug("speech recognition failed, title unchanged", "thread", thread, "error", err)
				return
			}
			d.state.titleIfEmpty(thread, text)
		})
	}

	replies, err := d.remote.UploadVoice(ctx, VoiceRequest{
		ConversationID: thread,
		CharacterID:    sess.CharacterID,
		Audio:          audio,
	})
	if err != nil {
		d.fail(thread, opSendAudio, chat.Retry{
			Type:      chat.TypeAudio,
			Audio:     &audio,
			RefUserID: userID,
		}, err)
		return fmt.Errorf("send audio: %w", err)
	}

	if len(replies) > 0 {
		d.state.appendExisting(thread, toMessages(replies, d.state.timestamp())...)
	}
	d.state.MarkExchanged(thread)
	observability.RecordDispatch(opSendAudio, "ok")
	return nil
}

// RetryMessage replays the request behind a failed reply. It does nothing
// unless id names an assistant message in error. On success the first reply
// takes the failed message's place, keeping its id; further replies are
// appended.
func (d *Dispatcher) RetryMessage(ctx context.Context, id string) (err error) {
	thread, target, ok := d.state.findMessage(id)
	if !ok || !d.state.markSending(thread, id, d.texts.Retrying) {
		return nil
	}
	retry := *target.Retry

	done := d.begin(thread)
	defer done()

	ctx, span := tracing.StartSpan(ctx, "conversation.retry", map[string]any{
		"thread":     thread,
		"message_id": id,
		"retry_type": string(retry.Type),
	})
	defer func() { tracing.EndSpan(span, err) }()

	sess, _ := d.state.Session(thread)
	var replies []chat.Message
	switch retry.Type {
	case chat.TypeAudio:
		var rms []RemoteMessage
		rms, err = d.remote.UploadVoice(ctx, VoiceRequest{
			ConversationID: thread,
			CharacterID:    sess.CharacterID,
			Audio:          *retry.Audio,
		})
		replies = toMessages(rms, d.state.timestamp())
	default:
		var resp ChatResponse
		resp, err = d.remote.Chat(ctx, ChatRequest{
			ConversationID: thread,
			CharacterID:    d.characterID(sess),
			Content:        retry.Content,
		})
		if err == nil {
			replies = []chat.Message{d.textReply(resp)}
		}
	}

	if err != nil {
		d.log.Warn("retry failed", "thread", thread, "op", opRetry, "message_id", id, "error", err)
		d.state.ReplaceMessage(thread, id, chat.MessagePatch{
			Status:  chat.Ptr(chat.StatusError),
			Content: chat.Ptr(d.texts.Busy),
		})
		observability.RecordDispatch(opRetry, "error")
		return fmt.Errorf("retry message: %w", err)
	}

	if len(replies) > 0 {
		first := replies[0]
		first.Status = chat.StatusSent
		d.state.ReplaceMessage(thread, id, chat.PatchFrom(first))
		if len(replies) > 1 {
			d.state.appendExisting(thread, replies[1:]...)
		}
	} else {
		d.state.ReplaceMessage(thread, id, chat.MessagePatch{
			Status:     chat.Ptr(chat.StatusSent),
			Content:    chat.Ptr(""),
			ClearRetry: true,
		})
	}
	d.state.MarkExchanged(thread)
	observability.RecordDispatch(opRetry, "ok")
	return nil
}

func (d *Dispatcher) textReply(resp ChatResponse) chat.Message {
	content := resp.Response
	if content == "" {
		content = d.texts.EmptyReply
	}
	return chat.Message{
		Role:    chat.RoleAssistant,
		Type:    chat.TypeText,
		Content: content,
		TS:      d.state.timestamp(),
		Status:  chat.StatusSent,
	}
}

// fail records a failed exchange: the previous error message of the thread
// is demoted, a new retryable one is appended and the session is marked as
// exchanged.
func (d *Dispatcher) fail(thread, op string, retry chat.Retry, err error) {
	d.log.Warn("remote call failed", "thread", thread, "op", op, "error", err)
	d.state.recordFailure(thread, chat.Message{
		Role:    chat.RoleAssistant,
		Type:    chat.TypeText,
		Content: d.texts.Busy,
		Status:  chat.StatusError,
		Retry:   &retry,
	})
	d.state.MarkExchanged(thread)
	observability.RecordDispatch(op, "error")
}

func cloneAudio(a chat.Audio) chat.Audio {
	a.Data = append([]byte(nil), a.Data...)
	return a
}
