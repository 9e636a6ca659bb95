package chat

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TitleLimit is the number of characters kept when a session is titled
// from its first message or transcript.
const TitleLimit = 30

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return "s_" + uuid.New().String()
}

// NewMessageID returns a client-side message id: creation time in
// milliseconds plus a random suffix.
func NewMessageID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix
}

// Truncate cuts s to at most limit characters (runes, not bytes).
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// AutoTitle derives a session title from a first message or transcript: its
// first TitleLimit runes, taken as is.
func AutoTitle(s string) string {
	return Truncate(s, TitleLimit)
}
