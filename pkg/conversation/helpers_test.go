package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/personachat/pkg/chat"
	"github.com/aixgo-dev/personachat/pkg/store"
)

var errUnavailable = errors.New("service unavailable")

// testClock advances one second per reading so timestamps are ordered.
type testClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newTestClock() *testClock {
	return &testClock{cur: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

// fakeRemote records requests and answers through overridable funcs.
type fakeRemote struct {
	mu sync.Mutex

	chatFn    func(ChatRequest) (ChatResponse, error)
	voiceFn   func(VoiceRequest) ([]RemoteMessage, error)
	asrFn     func(chat.Audio) (string, error)
	historyFn func(string) ([]RemoteMessage, error)

	chatReqs    []ChatRequest
	voiceReqs   []VoiceRequest
	asrCalls    int
	historyReqs []string
}

func (f *fakeRemote) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	f.mu.Lock()
	f.chatReqs = append(f.chatReqs, req)
	fn := f.chatFn
	f.mu.Unlock()
	if fn == nil {
		return ChatResponse{Response: "Echo: " + req.Content}, nil
	}
	return fn(req)
}

func (f *fakeRemote) UploadVoice(ctx context.Context, req VoiceRequest) ([]RemoteMessage, error) {
	f.mu.Lock()
	f.voiceReqs = append(f.voiceReqs, req)
	fn := f.voiceFn
	f.mu.Unlock()
	if fn == nil {
		return []RemoteMessage{{Role: "assistant", Content: "got your voice"}}, nil
	}
	return fn(req)
}

func (f *fakeRemote) RecognizeSpeech(ctx context.Context, audio chat.Audio) (string, error) {
	f.mu.Lock()
	f.asrCalls++
	fn := f.asrFn
	f.mu.Unlock()
	if fn == nil {
		return "", errUnavailable
	}
	return fn(audio)
}

func (f *fakeRemote) FetchHistory(ctx context.Context, id string) ([]RemoteMessage, error) {
	f.mu.Lock()
	f.historyReqs = append(f.historyReqs, id)
	fn := f.historyFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(id)
}

func (f *fakeRemote) chatRequests() []ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ChatRequest(nil), f.chatReqs...)
}

func (f *fakeRemote) historyRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.historyReqs...)
}

type fixture struct {
	kv      *store.MemoryKV
	adapter *store.Adapter
	remote  *fakeRemote
	state   *State
	disp    *Dispatcher
}

func newFixture(t *testing.T, opts ...DispatcherOption) *fixture {
	t.Helper()

	kv := store.NewMemoryKV()
	adapter := store.NewAdapter(kv)
	t.Cleanup(func() { _ = adapter.Close() })

	remote := &fakeRemote{}
	clock := newTestClock()
	state := NewState(adapter, WithHistory(remote), WithClock(clock.Now))
	t.Cleanup(state.Wait)
	return &fixture{
		kv:      kv,
		adapter: adapter,
		remote:  remote,
		state:   state,
		disp:    NewDispatcher(state, remote, opts...),
	}
}

// documents flushes pending writes and returns the raw persisted documents.
func (f *fixture) documents(t *testing.T) (sessions, messages string) {
	t.Helper()
	require.NoError(t, f.adapter.Flush(context.Background()))
	sessions, _ = f.kv.Get(context.Background(), store.SessionsKey)
	messages, _ = f.kv.Get(context.Background(), store.MessagesKey)
	return sessions, messages
}

func errorMessages(msgs []chat.Message) []chat.Message {
	var out []chat.Message
	for _, m := range msgs {
		if m.Status == chat.StatusError {
			out = append(out, m)
		}
	}
	return out
}
