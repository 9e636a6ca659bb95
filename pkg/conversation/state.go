// Package conversation owns the session registry and the message log of the
// chat client, and the dispatcher that sends user input to the remote
// conversation service and reconciles the outcome into that state.
//
// State is the only owner of sessions and messages. Every mutation is paired
// with a persistence write of the affected documents and a change
// notification to subscribers.
package conversation

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aixgo-dev/personachat/internal/logger"
	"github.com/aixgo-dev/personachat/pkg/chat"
	"github.com/aixgo-dev/personachat/pkg/observability"
	"github.com/aixgo-dev/personachat/pkg/store"
)

// DefaultThreadID is the active thread when no session exists.
const DefaultThreadID = "default"

// Persister is the best-effort document store behind the state.
// *store.Adapter implements it.
type Persister interface {
	TryLoad(ctx context.Context, key string, dst any) bool
	TrySave(key string, doc any)
}

// EventKind identifies what changed.
type EventKind int

const (
	// SessionsChanged is emitted when the session list changes.
	SessionsChanged EventKind = iota
	// MessagesChanged is emitted when a thread's messages change.
	MessagesChanged
	// ActiveChanged is emitted when the active thread changes.
	ActiveChanged
)

func (k EventKind) String() string {
	switch k {
	case SessionsChanged:
		return "sessions"
	case MessagesChanged:
		return "messages"
	case ActiveChanged:
		return "active"
	default:
		return "unknown"
	}
}

// Event is a change notification. Thread is empty for events that are not
// tied to one thread.
type Event struct {
	Kind   EventKind
	Thread string
}

// State holds the session registry and the message log.
// It is safe for concurrent use.
type State struct {
	store    Persister
	history  HistoryFetcher
	log      *logger.Logger
	now      func() time.Time
	fallback string

	mu       sync.Mutex
	sessions []chat.Session
	messages map[string][]chat.Message
	active   string

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	tasks sync.WaitGroup
}

// Option configures a State.
type Option func(*State)

// WithHistory sets the source used to hydrate empty threads on activation.
func WithHistory(h HistoryFetcher) Option {
	return func(s *State) {
		s.history = h
	}
}

// WithStateLogger sets the state logger.
func WithStateLogger(l *logger.Logger) Option {
	return func(s *State) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// WithFallbackThread overrides DefaultThreadID.
func WithFallbackThread(id string) Option {
	return func(s *State) {
		if id != "" {
			s.fallback = id
		}
	}
}

// NewState returns an empty state persisting through p. Call Hydrate to load
// previously saved documents.
func NewState(p Persister, opts ...Option) *State {
	s := &State{
		store:    p,
		log:      logger.Nop(),
		now:      time.Now,
		fallback: DefaultThreadID,
		messages: make(map[string][]chat.Message),
		subs:     make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.active = s.fallback
	return s
}

// Hydrate replaces the in-memory state with the persisted documents. The
// active thread becomes the first persisted session, or the fallback id.
func (s *State) Hydrate(ctx context.Context) {
	var sessions []chat.Session
	messages := make(map[string][]chat.Message)
	if !s.store.TryLoad(ctx, store.SessionsKey, &sessions) {
		sessions = nil
	}
	if !s.store.TryLoad(ctx, store.MessagesKey, &messages) || messages == nil {
		messages = make(map[string][]chat.Message)
	}

	s.mu.Lock()
	s.sessions = sessions
	s.messages = messages
	s.active = s.fallback
	if len(sessions) > 0 {
		s.active = sessions[0].ID
	}
	n := len(sessions)
	s.mu.Unlock()

	observability.SetSessions(n)
	s.log.Debug("state hydrated", "sessions", n, "threads", len(messages))
	s.emit(Event{Kind: SessionsChanged}, Event{Kind: ActiveChanged})
}

// Subscribe registers fn for change notifications and returns a function
// that removes it. fn runs on the mutating goroutine after the state lock is
// released and must not block.
func (s *State) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *State) emit(events ...Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// Wait blocks until detached tasks (history loads, voice titles) have
// finished.
func (s *State) Wait() {
	s.tasks.Wait()
}

func (s *State) detach(fn func()) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn()
	}()
}

// ActiveThread returns the id of the active thread.
func (s *State) ActiveThread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Session returns the session with the given id.
func (s *State) Session(id string) (chat.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.sessionIndex(id)
	if i < 0 {
		return chat.Session{}, false
	}
	return s.sessions[i], true
}

// Sessions returns the stored session list, most recently created first.
func (s *State) Sessions() []chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sessions)
}

// ListSessions returns the sessions to display: visible ones only, most
// recently updated first, optionally filtered by a case-insensitive title
// substring.
func (s *State) ListSessions(filter string) []chat.Session {
	s.mu.Lock()
	out := make([]chat.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if !sess.Hidden {
			out = append(out, sess)
		}
	}
	s.mu.Unlock()

	if filter = strings.ToLower(strings.TrimSpace(filter)); filter != "" {
		out = slices.DeleteFunc(out, func(sess chat.Session) bool {
			return !strings.Contains(strings.ToLower(sess.Title), filter)
		})
	}
	slices.SortStableFunc(out, func(a, b chat.Session) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out
}

// CreateSession inserts a new hidden session at the front of the list, gives
// it an empty message log and makes it active.
func (s *State) CreateSession(title, characterID, characterName string) string {
	id := chat.NewSessionID()

	s.mu.Lock()
	s.sessions = slices.Insert(s.sessions, 0, chat.Session{
		ID:            id,
		Title:         title,
		CharacterID:   characterID,
		CharacterName: characterName,
		UpdatedAt:     s.timestamp(),
		Hidden:        true,
	})
	s.messages[id] = []chat.Message{}
	s.active = id
	s.saveSessions()
	s.saveMessages()
	n := len(s.sessions)
	s.mu.Unlock()

	observability.SetSessions(n)
	s.log.Debug("session created", "thread", id, "character", characterID)
	s.emit(Event{Kind: SessionsChanged}, Event{Kind: MessagesChanged, Thread: id}, Event{Kind: ActiveChanged, Thread: id})
	return id
}

// SetActiveThread makes id active. Unknown ids are ignored. When the thread
// has no cached messages its history is loaded in the background.
func (s *State) SetActiveThread(ctx context.Context, id string) {
	s.mu.Lock()
	if s.sessionIndex(id) < 0 {
		s.mu.Unlock()
		return
	}
	s.active = id
	empty := len(s.messages[id]) == 0
	s.mu.Unlock()

	s.emit(Event{Kind: ActiveChanged, Thread: id})

	if empty && s.history != nil {
		s.detach(func() { s.loadHistory(context.WithoutCancel(ctx), id) })
	}
}

func (s *State) loadHistory(ctx context.Context, id string) {
	rms, err := s.history.FetchHistory(ctx, id)
	if err != nil {
		s.log.Debug("history load failed, keeping cache", "thread", id, "error", err)
		return
	}
	if len(rms) == 0 {
		return
	}
	msgs := toMessages(rms, s.timestamp())

	s.mu.Lock()
	i := s.sessionIndex(id)
	if i < 0 || len(s.messages[id]) > 0 {
		s.mu.Unlock()
		return
	}
	s.messages[id] = msgs
	s.sessions[i].UpdatedAt = s.timestamp()
	s.saveMessages()
	s.saveSessions()
	s.mu.Unlock()

	s.log.Debug("history loaded", "thread", id, "messages", len(msgs))
	s.emit(Event{Kind: MessagesChanged, Thread: id}, Event{Kind: SessionsChanged})
}

// RenameSession sets the title of a session and bumps its update time.
// Unknown ids are ignored.
func (s *State) RenameSession(id, title string) {
	s.mu.Lock()
	i := s.sessionIndex(id)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.sessions[i].Title = title
	s.sessions[i].UpdatedAt = s.timestamp()
	s.saveSessions()
	s.mu.Unlock()

	s.emit(Event{Kind: SessionsChanged})
}

// DeleteSession removes a session and its messages. If it was active, the
// first remaining session (or the fallback id) becomes active. Unknown ids
// are ignored.
func (s *State) DeleteSession(id string) {
	s.mu.Lock()
	i := s.sessionIndex(id)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.sessions = slices.Delete(s.sessions, i, i+1)
	delete(s.messages, id)
	activeChanged := s.active == id
	if activeChanged {
		s.active = s.fallback
		if len(s.sessions) > 0 {
			s.active = s.sessions[0].ID
		}
	}
	s.saveSessions()
	s.saveMessages()
	n := len(s.sessions)
	active := s.active
	s.mu.Unlock()

	observability.SetSessions(n)
	s.log.Debug("session deleted", "thread", id)
	events := []Event{{Kind: SessionsChanged}, {Kind: MessagesChanged, Thread: id}}
	if activeChanged {
		events = append(events, Event{Kind: ActiveChanged, Thread: active})
	}
	s.emit(events...)
}

// MarkExchanged records a completed exchange on a session: the update time is
// bumped and the session becomes visible. Unknown ids are ignored.
func (s *State) MarkExchanged(id string) {
	s.mu.Lock()
	i := s.sessionIndex(id)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.sessions[i].UpdatedAt = s.timestamp()
	s.sessions[i].Hidden = false
	s.saveSessions()
	s.mu.Unlock()

	s.emit(Event{Kind: SessionsChanged})
}

// Messages returns a copy of a thread's messages. An empty thread id means
// the active thread.
func (s *State) Messages(thread string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if thread == "" {
		thread = s.active
	}
	return chat.CloneMessages(s.messages[thread])
}

// SetMessages replaces a thread's messages.
func (s *State) SetMessages(thread string, msgs []chat.Message) {
	s.mu.Lock()
	if thread == "" {
		thread = s.active
	}
	s.messages[thread] = chat.CloneMessages(msgs)
	s.saveMessages()
	s.mu.Unlock()

	s.emit(Event{Kind: MessagesChanged, Thread: thread})
}

// AppendMessage appends m to a thread, assigning an id when m has none, and
// returns the id.
func (s *State) AppendMessage(thread string, m chat.Message) string {
	s.mu.Lock()
	if thread == "" {
		thread = s.active
	}
	id := s.appendLocked(thread, m)
	s.mu.Unlock()

	s.emit(Event{Kind: MessagesChanged, Thread: thread})
	return id
}

// ReplaceMessage merges patch into the message with the given id, keeping
// its position. Unknown ids are ignored.
func (s *State) ReplaceMessage(thread, id string, patch chat.MessagePatch) {
	s.mu.Lock()
	if thread == "" {
		thread = s.active
	}
	ok := s.replaceLocked(thread, id, patch)
	s.mu.Unlock()

	if ok {
		s.emit(Event{Kind: MessagesChanged, Thread: thread})
	}
}

// appendExisting appends only while the thread still exists. Used to apply
// results of calls that may outlive their thread.
func (s *State) appendExisting(thread string, msgs ...chat.Message) bool {
	s.mu.Lock()
	if !s.threadExists(thread) {
		s.mu.Unlock()
		return false
	}
	for _, m := range msgs {
		s.appendLocked(thread, m)
	}
	s.mu.Unlock()

	s.emit(Event{Kind: MessagesChanged, Thread: thread})
	return true
}

// recordFailure demotes the thread's current error message to sent and
// appends failed, which becomes the only retryable message of the thread.
func (s *State) recordFailure(thread string, failed chat.Message) (string, bool) {
	s.mu.Lock()
	if !s.threadExists(thread) {
		s.mu.Unlock()
		return "", false
	}
	msgs := s.messages[thread]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Retryable() {
			msgs[i] = chat.MessagePatch{Status: chat.Ptr(chat.StatusSent), ClearRetry: true}.Apply(msgs[i])
			break
		}
	}
	id := s.appendLocked(thread, failed)
	s.mu.Unlock()

	s.emit(Event{Kind: MessagesChanged, Thread: thread})
	return id, true
}

// titleIfEmpty auto-titles a session that has no title yet.
func (s *State) titleIfEmpty(id, text string) {
	title := chat.AutoTitle(text)
	if title == "" {
		return
	}
	s.mu.Lock()
	i := s.sessionIndex(id)
	if i < 0 || s.sessions[i].Title != "" {
		s.mu.Unlock()
		return
	}
	s.sessions[i].Title = title
	s.sessions[i].UpdatedAt = s.timestamp()
	s.saveSessions()
	s.mu.Unlock()

	s.emit(Event{Kind: SessionsChanged})
}

// markSending moves a retryable message to sending with a transient body.
// It reports false when the message is missing, no longer retryable or its
// request cannot be replayed.
func (s *State) markSending(thread, id, body string) bool {
	s.mu.Lock()
	ok := false
	for _, m := range s.messages[thread] {
		if m.ID == id {
			ok = m.Retryable() && m.Retry != nil && m.Retry.Replayable()
			break
		}
	}
	if ok {
		s.replaceLocked(thread, id, chat.MessagePatch{
			Status:  chat.Ptr(chat.StatusSending),
			Content: chat.Ptr(body),
		})
	}
	s.mu.Unlock()

	if ok {
		s.emit(Event{Kind: MessagesChanged, Thread: thread})
	}
	return ok
}

func (s *State) messageCount(thread string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[thread])
}

// findMessage returns a message and the thread that holds it, searching the
// active thread first.
func (s *State) findMessage(id string) (string, chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threads := make([]string, 0, len(s.messages)+1)
	threads = append(threads, s.active)
	for t := range s.messages {
		if t != s.active {
			threads = append(threads, t)
		}
	}
	for _, t := range threads {
		for _, m := range s.messages[t] {
			if m.ID == id {
				return t, m.Clone(), true
			}
		}
	}
	return "", chat.Message{}, false
}

func (s *State) appendLocked(thread string, m chat.Message) string {
	if m.ID == "" {
		m.ID = chat.NewMessageID(s.now())
	}
	if m.TS.IsZero() {
		m.TS = s.timestamp()
	}
	s.messages[thread] = append(s.messages[thread], m.Clone())
	s.saveMessages()
	return m.ID
}

func (s *State) replaceLocked(thread, id string, patch chat.MessagePatch) bool {
	msgs := s.messages[thread]
	for i := range msgs {
		if msgs[i].ID == id {
			msgs[i] = patch.Apply(msgs[i]).Clone()
			s.saveMessages()
			return true
		}
	}
	return false
}

func (s *State) sessionIndex(id string) int {
	return slices.IndexFunc(s.sessions, func(sess chat.Session) bool {
		return sess.ID == id
	})
}

// threadExists reports whether a thread has a session or a message log entry.
func (s *State) threadExists(thread string) bool {
	if _, ok := s.messages[thread]; ok {
		return true
	}
	return s.sessionIndex(thread) >= 0
}

func (s *State) timestamp() time.Time {
	return s.now().UTC()
}

// saveSessions and saveMessages must be called with mu held; the adapter
// encodes the document before returning.
func (s *State) saveSessions() {
	s.store.TrySave(store.SessionsKey, s.sessions)
}

func (s *State) saveMessages() {
	s.store.TrySave(store.MessagesKey, s.messages)
}
