package remote

import (
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/aixgo-dev/personachat/pkg/chat"
	"github.com/aixgo-dev/personachat/pkg/conversation"
)

const (
	defaultPrompt       = "You are a friendly assistant. Stay in character and answer concisely."
	defaultHistoryTurns = 20
)

// personas resolves the system prompt of a character.
type personas struct {
	byID map[string]conversation.Character
}

func newPersonas(characters []conversation.Character) personas {
	p := personas{byID: make(map[string]conversation.Character, len(characters))}
	for _, c := range characters {
		p.byID[c.ID] = c
	}
	return p
}

func (p personas) prompt(id string) string {
	c, ok := p.byID[id]
	switch {
	case ok && c.Prompt != "":
		return c.Prompt
	case ok && c.Name != "":
		return "You are " + c.Name + ". Stay in character and answer concisely."
	default:
		return defaultPrompt
	}
}

func (p personas) promptFor(id int64) string {
	return p.prompt(strconv.FormatInt(id, 10))
}

// transcripts keeps the recent turns of each conversation for services that
// have no server-side history.
type transcripts struct {
	mu    sync.Mutex
	limit int
	turns map[string][]conversation.RemoteMessage
}

func newTranscripts(limit int) *transcripts {
	if limit <= 0 {
		limit = defaultHistoryTurns
	}
	return &transcripts{limit: limit, turns: make(map[string][]conversation.RemoteMessage)}
}

func (t *transcripts) history(id string) []conversation.RemoteMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.turns[id])
}

// add records an exchange, keeping the most recent limit messages.
func (t *transcripts) add(id, user, reply string) []conversation.RemoteMessage {
	now := time.Now().UTC()
	msgs := []conversation.RemoteMessage{
		{ID: chat.NewMessageID(now), Role: string(chat.RoleUser), Type: string(chat.TypeText), Content: user, CreateTime: now},
		{ID: chat.NewMessageID(now), Role: string(chat.RoleAssistant), Type: string(chat.TypeText), Content: reply, CreateTime: now},
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	turns := append(t.turns[id], msgs...)
	if len(turns) > t.limit {
		turns = slices.Clone(turns[len(turns)-t.limit:])
	}
	t.turns[id] = turns
	return msgs
}
