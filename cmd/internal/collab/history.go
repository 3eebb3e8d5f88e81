package collab

import (
	"sync"
	"time"
)

// Message is one immutable chat message. ID is unique within its room.
type Message struct {
	ID        string
	Username  string
	Text      string
	Timestamp time.Time
}

// HistoryStore keeps a bounded, insertion-ordered chat log per room.
// History is intentionally small (historyLimit entries, oldest evicted
// first), so snapshots are always full, never paged.
type HistoryStore struct {
	mu   sync.Mutex
	logs map[string][]Message
}

// NewHistoryStore constructs an empty HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{logs: make(map[string][]Message)}
}

// Ensure creates an empty log for roomID if none exists.
func (h *HistoryStore) Ensure(roomID string) {
	if roomID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.logs[roomID]; !ok {
		h.logs[roomID] = make([]Message, 0, 16)
	}
}

// Append inserts msg at the end of the room's log, creating it lazily,
// and drops the oldest entries once the log exceeds historyLimit.
func (h *HistoryStore) Append(roomID string, msg Message) {
	if roomID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	log := append(h.logs[roomID], msg)
	if len(log) > historyLimit {
		log = log[len(log)-historyLimit:]
	}
	h.logs[roomID] = log
}

// Snapshot returns a copy of the full retained log for roomID, in
// insertion order. Unknown rooms yield an empty slice.
func (h *HistoryStore) Snapshot(roomID string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	log := h.logs[roomID]
	if len(log) == 0 {
		return nil
	}
	out := make([]Message, len(log))
	copy(out, log)
	return out
}

// Discard drops the entire log for roomID. Invoked when the room is
// destroyed.
func (h *HistoryStore) Discard(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.logs, roomID)
}
