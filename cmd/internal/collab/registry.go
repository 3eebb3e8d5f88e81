package collab

import (
	"sort"
	"sync"
)

// RoomUser is one (room, username) association of a connection.
type RoomUser struct {
	RoomID   string
	Username string
}

// Registry owns the connection -> username mapping per room.
//
// Invariant: within a room, at most one connection is current per
// username. Register enforces this by evicting the prior connection
// for the same username (rejoin always wins over a stale session).
type Registry struct {
	mu sync.Mutex

	// roomID -> connID -> username
	rooms map[string]map[string]string
	// connID -> roomID -> username (reverse index for disconnects)
	conns map[string]map[string]string
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]string),
		conns: make(map[string]map[string]string),
	}
}

// Register associates connID with username in roomID. If a different
// connection already holds username in that room it is removed and its
// id returned so the caller can force it out of the room and notify it.
// If connID itself was already registered in the room under a different
// username, that old name is returned as prior so the caller can retire
// its membership. Registering the same (connID, username) pair again is
// a no-op.
func (r *Registry) Register(roomID, connID, username string) (evicted, prior string) {
	if roomID == "" || connID == "" || username == "" {
		return "", ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	if room == nil {
		room = make(map[string]string)
		r.rooms[roomID] = room
	}

	if old, ok := room[connID]; ok && old != username {
		prior = old
	}

	for id, name := range room {
		if name == username && id != connID {
			evicted = id
			delete(room, id)
			r.dropReverse(id, roomID)
			break
		}
	}

	room[connID] = username

	idx := r.conns[connID]
	if idx == nil {
		idx = make(map[string]string)
		r.conns[connID] = idx
	}
	idx[roomID] = username

	return evicted, prior
}

// Remove deletes the single (roomID, connID) pair. It reports the
// username the pair carried and whether the pair existed, so disconnect
// handling can skip pairs already evicted by a newer registration.
func (r *Registry) Remove(roomID, connID string) (username string, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	if room == nil {
		return "", false
	}
	username, existed = room[connID]
	if !existed {
		return "", false
	}

	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
	r.dropReverse(connID, roomID)
	return username, true
}

// Rooms returns a snapshot of every (room, username) pair connID is
// registered in. The snapshot is stable even if the registry mutates
// afterwards; callers re-check each pair via Remove.
func (r *Registry) Rooms(connID string) []RoomUser {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.conns[connID]
	if len(idx) == 0 {
		return nil
	}

	out := make([]RoomUser, 0, len(idx))
	for roomID, username := range idx {
		out = append(out, RoomUser{RoomID: roomID, Username: username})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Usernames returns the de-duplicated, sorted set of usernames
// currently registered in roomID.
func (r *Registry) Usernames(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	if len(room) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(room))
	for _, name := range room {
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Entry is one live (connection, username) pair inside a room.
type Entry struct {
	ConnID   string
	Username string
}

// Entries returns every (connID, username) pair in roomID, sorted by
// username then connection id for deterministic member lists.
func (r *Registry) Entries(roomID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	if len(room) == 0 {
		return nil
	}

	out := make([]Entry, 0, len(room))
	for connID, username := range room {
		out = append(out, Entry{ConnID: connID, Username: username})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].ConnID < out[j].ConnID
	})
	return out
}

// HasOther reports whether any connection other than exceptConnID still
// maps to username in roomID. It distinguishes "last tab closed" from
// "user still present on another connection."
func (r *Registry) HasOther(roomID, username, exceptConnID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, name := range r.rooms[roomID] {
		if name == username && id != exceptConnID {
			return true
		}
	}
	return false
}

func (r *Registry) dropReverse(connID, roomID string) {
	idx := r.conns[connID]
	if idx == nil {
		return
	}
	delete(idx, roomID)
	if len(idx) == 0 {
		delete(r.conns, connID)
	}
}
