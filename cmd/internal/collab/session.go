package collab

import (
	"log/slog"
	"sync"
	"time"

	v1 "coderoom/shared/contracts/collab/v1"
)

// Session orchestrates join, code update, chat, and disconnect flows by
// composing the registry, room state, history store, and router. It owns
// the disconnect state machine: per (room, username) the implicit states
// are ABSENT -> ACTIVE -> (leaving check) -> ABSENT or ACTIVE.
//
// Every operation on a room runs under that room's serialization point,
// so event handling per room behaves as if executed one at a time in
// arrival order while distinct rooms proceed in parallel. In particular
// a join's registry eviction and the evicted connection's later
// disconnect check always observe each other in a fixed order; that is
// the one race (join vs disconnect for the same username) that would
// otherwise corrupt membership.
type Session struct {
	log *slog.Logger

	registry *Registry
	state    *RoomState
	history  *HistoryStore
	router   *Router

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSession wires a Session from its four components.
func NewSession(log *slog.Logger, registry *Registry, state *RoomState, history *HistoryStore, router *Router) *Session {
	return &Session{
		log:      log,
		registry: registry,
		state:    state,
		history:  history,
		router:   router,
		locks:    make(map[string]*sync.Mutex),
	}
}

// roomLock returns the serialization point for roomID. Lock entries
// outlive the rooms they guard so a waiter and a recreator of the same
// room always contend on the same mutex.
func (s *Session) roomLock(roomID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lk := s.locks[roomID]
	if lk == nil {
		lk = &sync.Mutex{}
		s.locks[roomID] = lk
	}
	return lk
}

// Join registers connID as username in roomID and announces the new
// member list to the room. A prior connection holding the same username
// is evicted first: it is forced out of the room and told it was
// superseded. Rejoin winning over the stale session is deliberate
// policy, not an accident of ordering.
func (s *Session) Join(roomID, connID, username string) {
	if roomID == "" || connID == "" || username == "" {
		s.log.Debug("session.join.skip", "room_id", roomID, "conn_id", connID)
		return
	}

	lk := s.roomLock(roomID)
	lk.Lock()
	defer lk.Unlock()

	evicted, prior := s.registry.Register(roomID, connID, username)
	if evicted != "" {
		s.router.LeaveRoom(roomID, evicted)
		s.router.SendToConn(evicted, v1.EventSuperseded, v1.SupersededPayload{RoomID: roomID})
		s.log.Info("session.evict", "room_id", roomID, "username", username, "evicted_conn_id", evicted)
	}

	s.state.Ensure(roomID)
	s.state.AddMember(roomID, username)
	s.router.JoinRoom(roomID, connID)

	// Re-joining under a new username retires the old one: without this,
	// membership would keep a name no connection backs anymore and the
	// room would never empty out. The new name is already added, so the
	// connection never counts as leaving and the room survives a rename.
	if prior != "" && !s.registry.HasOther(roomID, prior, connID) {
		s.router.SendToRoom(roomID, v1.EventDisconnected, v1.DisconnectedPayload{
			ConnectionID: connID,
			Username:     prior,
		}, "")
		s.state.RemoveMemberIfEmpty(roomID, prior)
		s.log.Info("session.rename", "room_id", roomID, "old_username", prior, "username", username, "conn_id", connID)
	}

	entries := s.registry.Entries(roomID)
	clients := make([]v1.ClientInfo, 0, len(entries))
	for _, e := range entries {
		clients = append(clients, v1.ClientInfo{ConnectionID: e.ConnID, Username: e.Username})
	}
	s.router.SendToRoom(roomID, v1.EventJoined, v1.JoinedPayload{
		Clients:      clients,
		Username:     username,
		ConnectionID: connID,
	}, "")

	// The joiner gets the authoritative buffer right away when one
	// exists; history stays pull-based via fetch-messages.
	if code, ok := s.state.CurrentCode(roomID); ok {
		s.router.SendToConn(connID, v1.EventCodeChange, v1.CodePayload{Code: code})
	}
	s.history.Ensure(roomID)

	s.log.Info("session.join", "room_id", roomID, "username", username, "conn_id", connID, "members", len(clients))
}

// CodeChange overwrites the room's code buffer and relays the new code
// to every other member. The sender never receives its own echo.
func (s *Session) CodeChange(roomID, senderConnID, code string) {
	if roomID == "" {
		return
	}

	lk := s.roomLock(roomID)
	lk.Lock()
	defer lk.Unlock()

	s.state.ApplyCode(roomID, code)
	s.router.SendToRoom(roomID, v1.EventCodeChange, v1.CodePayload{Code: code}, senderConnID)
}

// SyncCode pushes the room's current code to one specific connection.
// When code is non-nil it is applied first, without any broadcast.
func (s *Session) SyncCode(targetConnID, roomID string, code *string) {
	if roomID == "" || targetConnID == "" {
		return
	}

	lk := s.roomLock(roomID)
	lk.Lock()
	defer lk.Unlock()

	if code != nil {
		s.state.ApplyCode(roomID, *code)
	}
	if cur, ok := s.state.CurrentCode(roomID); ok {
		s.router.SendToConn(targetConnID, v1.EventSyncCode, v1.CodePayload{Code: cur})
	}
}

// SendMessage appends a chat message to the room's history and relays it
// to every member, the author included. The single authoritative echo is
// what clients render; the asymmetry with CodeChange is intentional.
func (s *Session) SendMessage(roomID, username, text string) {
	if roomID == "" || username == "" || text == "" {
		s.log.Debug("session.message.skip", "room_id", roomID, "username", username)
		return
	}

	lk := s.roomLock(roomID)
	lk.Lock()
	defer lk.Unlock()

	now := time.Now().UTC()
	msg := Message{
		ID:        NewMessageID(now),
		Username:  username,
		Text:      text,
		Timestamp: now,
	}
	s.history.Append(roomID, msg)
	messagesTotal.Inc()

	s.router.SendToRoom(roomID, v1.EventReceiveMessage, v1.MessagePayload{
		ID:        msg.ID,
		Username:  msg.Username,
		Message:   msg.Text,
		Timestamp: msg.Timestamp,
	}, "")
}

// FetchMessages unicasts the room's full retained history to the
// requesting connection only.
func (s *Session) FetchMessages(connID, roomID string) {
	if roomID == "" || connID == "" {
		return
	}

	lk := s.roomLock(roomID)
	lk.Lock()
	defer lk.Unlock()

	snap := s.history.Snapshot(roomID)
	msgs := make([]v1.MessagePayload, 0, len(snap))
	for _, m := range snap {
		msgs = append(msgs, v1.MessagePayload{
			ID:        m.ID,
			Username:  m.Username,
			Message:   m.Text,
			Timestamp: m.Timestamp,
		})
	}
	s.router.SendToConn(connID, v1.EventFetchMessages, v1.MessagesPayload{Messages: msgs})
}

// Disconnecting tears down every (room, username) pair held by connID.
// For each pair the registry removal and the sibling check run under the
// room's serialization point, so a pair already evicted by a newer join
// is skipped silently. Only a username's last connection produces a
// "disconnected" broadcast, and only an emptied room is destroyed.
func (s *Session) Disconnecting(connID string) {
	if connID == "" {
		return
	}

	for _, pair := range s.registry.Rooms(connID) {
		s.leaveRoom(pair.RoomID, connID)
	}
	s.router.Detach(connID)
}

func (s *Session) leaveRoom(roomID, connID string) {
	lk := s.roomLock(roomID)
	lk.Lock()
	defer lk.Unlock()

	username, existed := s.registry.Remove(roomID, connID)
	s.router.LeaveRoom(roomID, connID)
	if !existed {
		// Evicted by a newer registration between the snapshot and now;
		// the eviction path already handled the departure.
		return
	}

	if s.registry.HasOther(roomID, username, connID) {
		// Still present on a sibling connection; the user has not left.
		return
	}

	s.router.SendToRoom(roomID, v1.EventDisconnected, v1.DisconnectedPayload{
		ConnectionID: connID,
		Username:     username,
	}, "")

	if destroyed := s.state.RemoveMemberIfEmpty(roomID, username); destroyed {
		s.history.Discard(roomID)
		s.log.Info("session.room.destroy", "room_id", roomID)
	}

	s.log.Info("session.leave", "room_id", roomID, "username", username, "conn_id", connID)
}
