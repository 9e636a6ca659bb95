package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/personachat/pkg/chat"
)

func failingChat(ChatRequest) (ChatResponse, error) {
	return ChatResponse{}, errUnavailable
}

func TestSendTextSuccess(t *testing.T) {
	f := newFixture(t)
	thread := f.state.CreateSession("", "5", "Poet")

	require.NoError(t, f.disp.SendText(context.Background(), "write me a haiku"))

	msgs := f.state.Messages(thread)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, chat.StatusSent, msgs[0].Status)
	assert.Equal(t, chat.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Echo: write me a haiku", msgs[1].Content)
	assert.Equal(t, chat.StatusSent, msgs[1].Status)

	reqs := f.remote.chatRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, ChatRequest{ConversationID: thread, CharacterID: 5, Content: "write me a haiku"}, reqs[0])

	sess, _ := f.state.Session(thread)
	assert.False(t, sess.Hidden)
	assert.Equal(t, "write me a haiku", sess.Title)
}

func TestSendTextRejected(t *testing.T) {
	t.Run("blank content", func(t *testing.T) {
		f := newFixture(t)
		thread := f.state.CreateSession("", "", "")

		require.NoError(t, f.disp.SendText(context.Background(), "   \n\t"))
		assert.Empty(t, f.state.Messages(thread))
		assert.Empty(t, f.remote.chatRequests())
	})

	t.Run("no session and no default character", func(t *testing.T) {
		f := newFixture(t, WithDefaultCharacter(Character{}))

		require.NoError(t, f.disp.SendText(context.Background(), "hello"))
		assert.Empty(t, f.state.Messages(DefaultThreadID))
		assert.Empty(t, f.remote.chatRequests())
	})
}

func TestSendTextOnFallbackThread(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.disp.SendText(context.Background(), "hello"))

	assert.Len(t, f.state.Messages(DefaultThreadID), 2)
	reqs := f.remote.chatRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, DefaultThreadID, reqs[0].ConversationID)
	assert.Equal(t, int64(1), reqs[0].CharacterID)
}

func TestCharacterIDResolution(t *testing.T) {
	tests := []struct {
		name     string
		session  string
		fallback Character
		wantID   int64
	}{
		{name: "session id", session: "42", fallback: DefaultCharacter, wantID: 42},
		{name: "default character", session: "", fallback: Character{ID: "9", Name: "Guide"}, wantID: 9},
		{name: "non-numeric coerced to 1", session: "sherlock", fallback: Character{ID: "9"}, wantID: 1},
		{name: "non-numeric default coerced to 1", session: "", fallback: Character{ID: "guide"}, wantID: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, WithDefaultCharacter(tt.fallback))
			f.state.CreateSession("", tt.session, "")

			require.NoError(t, f.disp.SendText(context.Background(), "hi"))
			reqs := f.remote.chatRequests()
			require.Len(t, reqs, 1)
			assert.Equal(t, tt.wantID, reqs[0].CharacterID)
			assert.Nil(t, reqs[0].SkillID)
		})
	}
}

func TestSendTextEmptyReply(t *testing.T) {
	f := newFixture(t, WithTexts(Texts{EmptyReply: "nothing to say"}))
	f.remote.chatFn = func(ChatRequest) (ChatResponse, error) { return ChatResponse{}, nil }
	thread := f.state.CreateSession("", "", "")

	require.NoError(t, f.disp.SendText(context.Background(), "hello?"))

	msgs := f.state.Messages(thread)
	require.Len(t, msgs, 2)
	assert.Equal(t, "nothing to say", msgs[1].Content)
}

func TestSendTextFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.chatFn = failingChat
	thread := f.state.CreateSession("", "", "")

	err := f.disp.SendText(context.Background(), "are you there")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUnavailable))

	msgs := f.state.Messages(thread)
	require.Len(t, msgs, 2)
	failed := msgs[1]
	assert.Equal(t, chat.RoleAssistant, failed.Role)
	assert.Equal(t, chat.StatusError, failed.Status)
	assert.Equal(t, DefaultTexts().Busy, failed.Content)
	require.NotNil(t, failed.Retry)
	assert.Equal(t, chat.TypeText, failed.Retry.Type)
	assert.Equal(t, "are you there", failed.Retry.Content)
	assert.Equal(t, msgs[0].ID, failed.Retry.RefUserID)

	sess, _ := f.state.Session(thread)
	assert.False(t, sess.Hidden, "a failed exchange is still an exchange")
	assert.Empty(t, sess.Title, "titles come from successful text sends")
}

func TestSingleRetrySlot(t *testing.T) {
	for _, k := range []int{1, 2, 5} {
		f := newFixture(t)
		f.remote.chatFn = failingChat
		thread := f.state.CreateSession("", "", "")

		var lastErrID string
		for i := range k {
			require.Error(t, f.disp.SendText(context.Background(), strings.Repeat("x", i+1)))
			msgs := f.state.Messages(thread)
			lastErrID = msgs[len(msgs)-1].ID
		}

		msgs := f.state.Messages(thread)
		require.Len(t, msgs, 2*k)
		errs := errorMessages(msgs)
		require.Len(t, errs, 1, "k=%d", k)
		assert.Equal(t, lastErrID, errs[0].ID)
		assert.Equal(t, strings.Repeat("x", k), errs[0].Retry.Content)

		for _, m := range msgs[:len(msgs)-1] {
			if m.Role == chat.RoleAssistant {
				assert.Equal(t, chat.StatusSent, m.Status)
				assert.Nil(t, m.Retry)
			}
		}
	}
}

func TestSingleRetrySlotAcrossTextAndAudio(t *testing.T) {
	f := newFixture(t)
	f.remote.chatFn = failingChat
	f.remote.voiceFn = func(VoiceRequest) ([]RemoteMessage, error) { return nil, errUnavailable }
	thread := f.state.CreateSession("", "", "")

	require.Error(t, f.disp.SendText(context.Background(), "text"))
	require.Error(t, f.disp.SendAudio(context.Background(), chat.Audio{Data: []byte("voice")}))

	errs := errorMessages(f.state.Messages(thread))
	require.Len(t, errs, 1)
	assert.Equal(t, chat.TypeAudio, errs[0].Retry.Type)
	require.NotNil(t, errs[0].Retry.Audio)
	assert.Equal(t, []byte("voice"), errs[0].Retry.Audio.Data)
}

func TestAutoTitleIdempotence(t *testing.T) {
	f := newFixture(t)
	thread := f.state.CreateSession("", "", "")
	first := "Hello world, this is a long opening line exceeding thirty chars"

	require.NoError(t, f.disp.SendText(context.Background(), first))
	sess, _ := f.state.Session(thread)
	assert.Equal(t, first[:30], sess.Title)

	require.NoError(t, f.disp.SendText(context.Background(), "A completely different second message"))
	sess, _ = f.state.Session(thread)
	assert.Equal(t, first[:30], sess.Title)
}

func TestAutoTitleKeepsExplicitTitle(t *testing.T) {
	f := newFixture(t)
	thread := f.state.CreateSession("Named", "", "")

	require.NoError(t, f.disp.SendText(context.Background(), "first"))
	sess, _ := f.state.Session(thread)
	assert.Equal(t, "Named", sess.Title)
}

func TestVisibilityTransition(t *testing.T) {
	sends := map[string]func(f *fixture) error{
		"text success": func(f *fixture) error {
			return f.disp.SendText(context.Background(), "hi")
		},
		"text failure": func(f *fixture) error {
			f.remote.chatFn = failingChat
			return f.disp.SendText(context.Background(), "hi")
		},
		"audio success": func(f *fixture) error {
			return f.disp.SendAudio(context.Background(), chat.Audio{Data: []byte{1}})
		},
		"audio failure": func(f *fixture) error {
			f.remote.voiceFn = func(VoiceRequest) ([]RemoteMessage, error) { return nil, errUnavailable }
			return f.disp.SendAudio(context.Background(), chat.Audio{Data: []byte{1}})
		},
	}

	for name, send := range sends {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			thread := f.state.CreateSession("", "", "")
			sess, _ := f.state.Session(thread)
			require.True(t, sess.Hidden)

			_ = send(f)
			sess, _ = f.state.Session(thread)
			assert.False(t, sess.Hidden)

			f.remote.chatFn = nil
			require.NoError(t, f.disp.SendText(context.Background(), "again"))
			sess, _ = f.state.Session(thread)
			assert.False(t, sess.Hidden)
		})
	}
}

func TestSendAudioSuccess(t *testing.T) {
	created := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	f := newFixture(t, WithPlaybackURL(func(a chat.Audio) string { return "file:///tmp/" + a.Filename }))
	f.remote.voiceFn = func(req VoiceRequest) ([]RemoteMessage, error) {
		return []RemoteMessage{
			{ID: "77", Role: "user", Type: "audio", AudioURL: "https://cdn/77.webm", CreateTime: created},
			{ID: "78", Role: "assistant", Content: "I heard you"},
		}, nil
	}
	f.remote.asrFn = func(chat.Audio) (string, error) {
		return "  what is the weather like tomorrow in the mountains", nil
	}
	thread := f.state.CreateSession("", "12", "Forecaster")

	require.NoError(t, f.disp.SendAudio(context.Background(), chat.Audio{Data: []byte("pcm"), Filename: "rec.webm"}))
	f.state.Wait()

	msgs := f.state.Messages(thread)
	require.Len(t, msgs, 3)
	assert.Equal(t, chat.TypeAudio, msgs[0].Type)
	assert.Equal(t, "file:///tmp/rec.webm", msgs[0].URL)
	assert.Equal(t, "77", msgs[1].ID)
	assert.Equal(t, chat.RoleUser, msgs[1].Role)
	assert.Equal(t, created, msgs[1].TS)
	assert.Equal(t, "78", msgs[2].ID)
	assert.Equal(t, chat.TypeText, msgs[2].Type)
	assert.Equal(t, chat.StatusSent, msgs[2].Status)

	f.remote.mu.Lock()
	require.Len(t, f.remote.voiceReqs, 1)
	assert.Equal(t, "12", f.remote.voiceReqs[0].CharacterID)
	assert.Equal(t, thread, f.remote.voiceReqs[0].ConversationID)
	assert.Equal(t, 1, f.remote.asrCalls)
	f.remote.mu.Unlock()

	sess, _ := f.state.Session(thread)
	assert.Equal(t, "  what is the weather like tom", sess.Title)
	assert.False(t, sess.Hidden)
}

func TestSendAudioRepliesWithoutWaitingForRecognition(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.remote.asrFn = func(chat.Audio) (string, error) {
		<-release
		return "slow transcript", nil
	}
	f.remote.voiceFn = func(VoiceRequest) ([]RemoteMessage, error) {
		return []RemoteMessage{{ID: "r1", Role: "assistant", Content: "quick answer"}}, nil
	}
	thread := f.state.CreateSession("", "", "")

	sent := make(chan error, 1)
	go func() { sent <- f.disp.SendAudio(context.Background(), chat.Audio{Data: []byte("pcm")}) }()

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("reply was held back by speech recognition")
	}

	msgs := f.state.Messages(thread)
	require.Len(t, msgs, 2)
	assert.Equal(t, "quick answer", msgs[1].Content)
	assert.False(t, f.disp.Pending(thread))
	sess, _ := f.state.Session(thread)
	assert.Empty(t, sess.Title)

	close(release)
	f.state.Wait()
	sess, _ = f.state.Session(thread)
	assert.Equal(t, "slow transcript", sess.Title)
}

func TestSendAudioFailureStillTitles(t *testing.T) {
	f := newFixture(t)
	f.remote.asrFn = func(chat.Audio) (string, error) { return "lost words", nil }
	f.remote.voiceFn = func(VoiceRequest) ([]RemoteMessage, error) { return nil, errUnavailable }
	thread := f.state.CreateSession("", "", "")

	require.Error(t, f.disp.SendAudio(context.Background(), chat.Audio{Data: []byte("pcm")}))
	f.state.Wait()

	require.Len(t, errorMessages(f.state.Messages(thread)), 1)
	sess, _ := f.state.Session(thread)
	assert.Equal(t, "lost words", sess.Title)
}

func TestSendAudioRecognitionFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	thread := f.state.CreateSession("", "", "")

	require.NoError(t, f.disp.SendAudio(context.Background(), chat.Audio{Data: []byte("pcm")}))
	f.state.Wait()

	assert.Len(t, f.state.Messages(thread), 2)
	sess, _ := f.state.Session(thread)
	assert.Empty(t, sess.Title)
}

func TestSendAudioRecognizesOnlyFirstMessage(t *testing.T) {
	f := newFixture(t)
	f.remote.asrFn = func(chat.Audio) (string, error) { return "transcript", nil }
	f.state.CreateSession("", "", "")

	require.NoError(t, f.disp.SendAudio(context.Background(), chat.Audio{Data: []byte("1")}))
	require.NoError(t, f.disp.SendAudio(context.Background(), chat.Audio{Data: []byte("2")}))
	f.state.Wait()

	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	assert.Equal(t, 1, f.remote.asrCalls)
}

func TestSendAudioEmptyIgnored(t *testing.T) {
	f := newFixture(t)
	thread := f.state.CreateSession("", "", "")

	require.NoError(t, f.disp.SendAudio(context.Background(), chat.Audio{}))
	assert.Empty(t, f.state.Messages(thread))
}

func TestRetryReplacesInPlace(t *testing.T) {
	f := newFixture(t)
	f.remote.chatFn = failingChat
	thread := f.state.CreateSession("", "", "")
	require.Error(t, f.disp.SendText(context.Background(), "question"))

	before := f.state.Messages(thread)
	require.Len(t, before, 2)
	failedID := before[1].ID

	f.remote.chatFn = nil
	require.NoError(t, f.disp.RetryMessage(context.Background(), failedID))

	after := f.state.Messages(thread)
	require.Len(t, after, 2)
	assert.Equal(t, before[0], after[0])
	assert.Equal(t, failedID, after[1].ID)
	assert.Equal(t, "Echo: question", after[1].Content)
	assert.Equal(t, chat.StatusSent, after[1].Status)
	assert.Nil(t, after[1].Retry)
	assert.Empty(t, errorMessages(after))
}

func TestRetryShowsSendingWhileInFlight(t *testing.T) {
	f := newFixture(t)
	f.remote.chatFn = failingChat
	thread := f.state.CreateSession("", "", "")
	require.Error(t, f.disp.SendText(context.Background(), "question"))
	failedID := f.state.Messages(thread)[1].ID

	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.chatFn = func(req ChatRequest) (ChatResponse, error) {
		close(entered)
		<-release
		return ChatResponse{Response: "late answer"}, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, f.disp.RetryMessage(context.Background(), failedID))
	}()

	<-entered
	msgs := f.state.Messages(thread)
	assert.Equal(t, chat.StatusSending, msgs[1].Status)
	assert.Equal(t, DefaultTexts().Retrying, msgs[1].Content)
	assert.True(t, f.disp.Pending(thread))

	require.NoError(t, f.disp.RetryMessage(context.Background(), failedID), "sending messages are not retryable")

	close(release)
	wg.Wait()

	assert.False(t, f.disp.Pending(thread))
	assert.Equal(t, "late answer", f.state.Messages(thread)[1].Content)
	assert.Len(t, f.remote.chatRequests(), 2)
}

func TestRetryFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.chatFn = failingChat
	thread := f.state.CreateSession("", "", "")
	require.Error(t, f.disp.SendText(context.Background(), "question"))
	failedID := f.state.Messages(thread)[1].ID

	err := f.disp.RetryMessage(context.Background(), failedID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUnavailable))

	msgs := f.state.Messages(thread)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.StatusError, msgs[1].Status)
	assert.Equal(t, DefaultTexts().Busy, msgs[1].Content)
	require.NotNil(t, msgs[1].Retry)
	assert.Equal(t, "question", msgs[1].Retry.Content)

	f.remote.chatFn = nil
	require.NoError(t, f.disp.RetryMessage(context.Background(), failedID))
	assert.Equal(t, "Echo: question", f.state.Messages(thread)[1].Content)
}

func TestRetryAudioMultipleReplies(t *testing.T) {
	f := newFixture(t)
	f.remote.voiceFn = func(VoiceRequest) ([]RemoteMessage, error) { return nil, errUnavailable }
	thread := f.state.CreateSession("", "3", "")
	require.Error(t, f.disp.SendAudio(context.Background(), chat.Audio{Data: []byte("clip")}))
	failedID := f.state.Messages(thread)[1].ID

	f.remote.voiceFn = func(req VoiceRequest) ([]RemoteMessage, error) {
		assert.Equal(t, []byte("clip"), req.Audio.Data)
		return []RemoteMessage{
			{ID: "srv-1", Role: "user", Content: "clip transcript"},
			{ID: "srv-2", Role: "assistant", Content: "answer"},
		}, nil
	}
	require.NoError(t, f.disp.RetryMessage(context.Background(), failedID))

	msgs := f.state.Messages(thread)
	require.Len(t, msgs, 3)
	assert.Equal(t, failedID, msgs[1].ID)
	assert.Equal(t, "clip transcript", msgs[1].Content)
	assert.Equal(t, chat.StatusSent, msgs[1].Status)
	assert.Equal(t, "srv-2", msgs[2].ID)
}

func TestRetryNoReplies(t *testing.T) {
	f := newFixture(t)
	f.remote.voiceFn = func(VoiceRequest) ([]RemoteMessage, error) { return nil, errUnavailable }
	thread := f.state.CreateSession("", "", "")
	require.Error(t, f.disp.SendAudio(context.Background(), chat.Audio{Data: []byte("clip")}))
	failedID := f.state.Messages(thread)[1].ID

	f.remote.voiceFn = func(VoiceRequest) ([]RemoteMessage, error) { return nil, nil }
	require.NoError(t, f.disp.RetryMessage(context.Background(), failedID))

	msgs := f.state.Messages(thread)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.StatusSent, msgs[1].Status)
	assert.Empty(t, msgs[1].Content)
	assert.Nil(t, msgs[1].Retry)
}

func TestRetryAudioWithoutRecordingStaysInError(t *testing.T) {
	f := newFixture(t)
	thread := f.state.CreateSession("", "", "")
	f.state.AppendMessage(thread, chat.Message{Role: chat.RoleUser, Type: chat.TypeAudio, Status: chat.StatusSent})
	failedID := f.state.AppendMessage(thread, chat.Message{
		Role:    chat.RoleAssistant,
		Type:    chat.TypeText,
		Content: "busy",
		Status:  chat.StatusError,
		Retry:   &chat.Retry{Type: chat.TypeAudio},
	})
	before := f.state.Messages(thread)

	require.NoError(t, f.disp.RetryMessage(context.Background(), failedID))

	assert.Equal(t, before, f.state.Messages(thread))
	msgs := f.state.Messages(thread)
	assert.Equal(t, chat.StatusError, msgs[1].Status)
	require.NotNil(t, msgs[1].Retry)
	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	assert.Empty(t, f.remote.voiceReqs)
}

func TestRetryIgnoresNonErrorMessages(t *testing.T) {
	f := newFixture(t)
	thread := f.state.CreateSession("", "", "")
	require.NoError(t, f.disp.SendText(context.Background(), "hi"))
	msgs := f.state.Messages(thread)

	for _, m := range msgs {
		require.NoError(t, f.disp.RetryMessage(context.Background(), m.ID))
	}
	assert.Equal(t, msgs, f.state.Messages(thread))
	assert.Len(t, f.remote.chatRequests(), 1)
}

func TestRetryDemotedMessageIsNotRetryable(t *testing.T) {
	f := newFixture(t)
	f.remote.chatFn = failingChat
	thread := f.state.CreateSession("", "", "")
	require.Error(t, f.disp.SendText(context.Background(), "one"))
	oldID := f.state.Messages(thread)[1].ID
	require.Error(t, f.disp.SendText(context.Background(), "two"))

	f.remote.chatFn = nil
	require.NoError(t, f.disp.RetryMessage(context.Background(), oldID))
	assert.Len(t, f.remote.chatRequests(), 2)
}

func TestSendDiscardedWhenThreadDeleted(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.chatFn = func(ChatRequest) (ChatResponse, error) {
		close(entered)
		<-release
		return ChatResponse{}, errUnavailable
	}
	thread := f.state.CreateSession("", "", "")
	other := f.state.CreateSession("", "", "")
	f.state.SetActiveThread(context.Background(), thread)
	f.state.Wait()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.Error(t, f.disp.SendText(context.Background(), "into the void"))
	}()

	<-entered
	f.state.DeleteSession(thread)
	close(release)
	wg.Wait()

	assert.Empty(t, f.state.Messages(thread))
	_, ok := f.state.Session(thread)
	assert.False(t, ok)
	assert.Empty(t, f.state.Messages(other))
}

func TestPendingIsPerThread(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.chatFn = func(ChatRequest) (ChatResponse, error) {
		close(entered)
		<-release
		return ChatResponse{Response: "ok"}, nil
	}
	thread := f.state.CreateSession("", "", "")

	assert.False(t, f.disp.Pending(thread))
	done := make(chan error, 1)
	go func() { done <- f.disp.SendText(context.Background(), "slow") }()

	<-entered
	assert.True(t, f.disp.Pending(thread))
	assert.False(t, f.disp.Pending("other"))
	close(release)
	require.NoError(t, <-done)
	assert.False(t, f.disp.Pending(thread))
}
