package collab

import (
	"crypto/rand"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewConnectionID returns a ULID used as the server-side connection id.
// ULIDs are lexicographically sortable, which keeps log lines and member
// lists stable to read.
func NewConnectionID(now time.Time) string {
	return newULID(now)
}

// NewMessageID returns a ULID used as a chat message id. Uniqueness is
// only required within a room; the timestamp component covers that.
func NewMessageID(now time.Time) string {
	return newULID(now)
}

func newULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// Entropy failure is effectively unreachable; keep ids non-empty
		// with a timestamp-only fallback.
		return strconv.FormatInt(now.UnixNano(), 36)
	}
	return id.String()
}
