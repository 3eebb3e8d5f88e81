package collab

import "sync"

// RoomState owns the authoritative code buffer and membership set per
// room. It never broadcasts; notification is the session manager's job
// so state mutation stays independently testable.
type RoomState struct {
	mu    sync.Mutex
	rooms map[string]*roomEntry
}

type roomEntry struct {
	code    string
	hasCode bool
	members map[string]struct{}
}

// NewRoomState constructs an empty RoomState.
func NewRoomState() *RoomState {
	return &RoomState{rooms: make(map[string]*roomEntry)}
}

// Ensure creates an empty room (absent code buffer, empty membership)
// if none exists.
func (s *RoomState) Ensure(roomID string) {
	if roomID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(roomID)
}

// CurrentCode returns the stored code buffer. ok is false when the room
// does not exist or has never seen a code change.
func (s *RoomState) CurrentCode(roomID string) (code string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomID]
	if room == nil || !room.hasCode {
		return "", false
	}
	return room.code, true
}

// ApplyCode overwrites the room's code buffer, creating the room first
// if necessary. An empty string is a valid buffer (cleared editor).
func (s *RoomState) ApplyCode(roomID, code string) {
	if roomID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.ensureLocked(roomID)
	room.code = code
	room.hasCode = true
}

// AddMember records username as present in roomID, creating the room
// first if necessary.
func (s *RoomState) AddMember(roomID, username string) {
	if roomID == "" || username == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(roomID).members[username] = struct{}{}
}

// Members returns the usernames currently present in roomID.
func (s *RoomState) Members(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomID]
	if room == nil {
		return nil
	}
	out := make([]string, 0, len(room.members))
	for name := range room.members {
		out = append(out, name)
	}
	return out
}

// Exists reports whether roomID currently holds any state.
func (s *RoomState) Exists(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID] != nil
}

// RemoveMemberIfEmpty removes username from the room's membership and,
// if membership is now empty, destroys the room (code buffer included).
// This is the sole garbage-collection path for room state. It reports
// whether the room was destroyed so the caller can discard chat history
// alongside it.
func (s *RoomState) RemoveMemberIfEmpty(roomID, username string) (destroyed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomID]
	if room == nil {
		return false
	}

	delete(room.members, username)
	if len(room.members) > 0 {
		return false
	}
	delete(s.rooms, roomID)
	roomsActive.Dec()
	return true
}

func (s *RoomState) ensureLocked(roomID string) *roomEntry {
	room := s.rooms[roomID]
	if room == nil {
		room = &roomEntry{members: make(map[string]struct{})}
		s.rooms[roomID] = room
		roomsActive.Inc()
	}
	return room
}
