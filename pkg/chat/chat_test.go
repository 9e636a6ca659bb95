package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{name: "shorter than limit", in: "hello", limit: 30, want: "hello"},
		{name: "exact limit", in: "abcde", limit: 5, want: "abcde"},
		{name: "ascii cut", in: "Hello world, this is a long opening line exceeding thirty chars", limit: 30, want: "Hello world, this is a long op"},
		{name: "multibyte counts runes", in: "你好世界你好世界", limit: 3, want: "你好世"},
		{name: "zero limit", in: "abc", limit: 0, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.limit))
		})
	}
}

func TestAutoTitle(t *testing.T) {
	assert.Equal(t, "Hello world, this is a long op", AutoTitle("Hello world, this is a long opening line exceeding thirty chars"))
	assert.Equal(t, "  Hello world, this is a long ", AutoTitle("  Hello world, this is a long opening line"), "leading space counts toward the limit")
	assert.Equal(t, "hi ", AutoTitle("hi "))
	assert.Equal(t, "", AutoTitle(""))
}

func TestNewIDs(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	a := NewMessageID(now)
	b := NewMessageID(now)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "1700000000123-"))

	s := NewSessionID()
	assert.True(t, strings.HasPrefix(s, "s_"))
	assert.NotEqual(t, s, NewSessionID())
}

func TestMessagePatchApply(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	base := Message{
		ID:      "m1",
		Role:    RoleAssistant,
		Type:    TypeText,
		Content: "busy",
		TS:      ts,
		Status:  StatusError,
		Retry:   &Retry{Type: TypeText, Content: "hi", RefUserID: "u1"},
	}

	t.Run("partial patch keeps other fields", func(t *testing.T) {
		got := MessagePatch{Status: Ptr(StatusSending), Content: Ptr("retrying")}.Apply(base)
		assert.Equal(t, "m1", got.ID)
		assert.Equal(t, StatusSending, got.Status)
		assert.Equal(t, "retrying", got.Content)
		require.NotNil(t, got.Retry)
		assert.Equal(t, "hi", got.Retry.Content)
	})

	t.Run("clear retry", func(t *testing.T) {
		got := MessagePatch{Status: Ptr(StatusSent), ClearRetry: true}.Apply(base)
		assert.Nil(t, got.Retry)
		assert.Equal(t, StatusSent, got.Status)
	})

	t.Run("patch from reply keeps id", func(t *testing.T) {
		reply := Message{ID: "server-9", Role: RoleAssistant, Type: TypeText, Content: "hello", TS: ts.Add(time.Minute), Status: StatusSent}
		got := PatchFrom(reply).Apply(base)
		assert.Equal(t, "m1", got.ID)
		assert.Equal(t, "hello", got.Content)
		assert.Equal(t, StatusSent, got.Status)
		assert.Nil(t, got.Retry)
		assert.Equal(t, ts.Add(time.Minute), got.TS)
	})
}

func TestCloneDoesNotAlias(t *testing.T) {
	orig := Message{
		ID:    "m1",
		Retry: &Retry{Type: TypeAudio, Audio: &Audio{Data: []byte{1, 2, 3}}},
	}
	cp := orig.Clone()
	cp.Retry.Audio.Data[0] = 9
	cp.Retry.RefUserID = "changed"

	assert.Equal(t, byte(1), orig.Retry.Audio.Data[0])
	assert.Empty(t, orig.Retry.RefUserID)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Message{Role: RoleAssistant, Status: StatusError}.Retryable())
	assert.False(t, Message{Role: RoleUser, Status: StatusError}.Retryable())
	assert.False(t, Message{Role: RoleAssistant, Status: StatusSending}.Retryable())
}

func TestRetryReplayable(t *testing.T) {
	assert.True(t, Retry{Type: TypeText, Content: "hi"}.Replayable())
	assert.True(t, Retry{Type: TypeAudio, Audio: &Audio{Data: []byte{1}}}.Replayable())
	assert.False(t, Retry{Type: TypeAudio}.Replayable())
	assert.False(t, Retry{Type: TypeAudio, Audio: &Audio{}}.Replayable())
}

func TestDisplayTitle(t *testing.T) {
	assert.Equal(t, "Socrates", Session{CharacterName: "Socrates"}.DisplayTitle())
	assert.Equal(t, "Talk", Session{Title: "Talk", CharacterName: "Socrates"}.DisplayTitle())
}
