package collab

import (
	"encoding/json"
	"log/slog"
	"sync"

	v1 "coderoom/shared/contracts/collab/v1"
)

// Router fans events out to the connections currently joined to a room.
//
// Concurrency guarantees:
// - Attach/Detach/JoinRoom/LeaveRoom are safe under concurrent sends.
// - Sends never block (drops under backpressure).
// - Sends are panic-safe because Client.Send is never closed by the server.
//
// Per-room FIFO holds because callers issue SendToRoom for one room
// under that room's serialization point, and each client's buffered
// channel preserves enqueue order.
type Router struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Client
	rooms map[string]map[string]*Client
}

// NewRouter constructs a Router.
func NewRouter(log *slog.Logger) *Router {
	return &Router{
		log:   log,
		conns: make(map[string]*Client),
		rooms: make(map[string]map[string]*Client),
	}
}

// Attach makes a client addressable for unicast and room delivery.
func (r *Router) Attach(client *Client) {
	if client == nil || client.ConnID == "" {
		return
	}
	r.mu.Lock()
	r.conns[client.ConnID] = client
	r.mu.Unlock()
}

// Detach removes a client from the router and from every room it was
// joined to, then signals its shutdown.
func (r *Router) Detach(connID string) {
	if connID == "" {
		return
	}

	var cl *Client

	r.mu.Lock()
	cl = r.conns[connID]
	delete(r.conns, connID)
	for roomID, members := range r.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	r.mu.Unlock()

	// Signal client shutdown after removing it from delivery sets so a
	// broadcaster never holds a pointer to a half-torn-down client.
	if cl != nil {
		cl.Close()
	}
}

// JoinRoom adds a connection to a room's delivery set.
func (r *Router) JoinRoom(roomID, connID string) {
	if roomID == "" || connID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cl := r.conns[connID]
	if cl == nil {
		return
	}
	members := r.rooms[roomID]
	if members == nil {
		members = make(map[string]*Client)
		r.rooms[roomID] = members
	}
	members[connID] = cl
}

// LeaveRoom removes a connection from a room's delivery set without
// detaching it. Used for evictions and single-room departures.
func (r *Router) LeaveRoom(roomID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[roomID]
	if members == nil {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// SendToRoom delivers an event to every connection joined to roomID,
// except exceptConnID when non-empty. Delivery is best-effort: a full
// queue or a closing client drops the envelope rather than blocking.
func (r *Router) SendToRoom(roomID, event string, payload any, exceptConnID string) {
	env, err := newEnvelope(event, payload)
	if err != nil {
		r.log.Error("router.marshal.fail", "event", event, "err", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for connID, cl := range r.rooms[roomID] {
		if connID == exceptConnID {
			continue
		}
		r.deliver(cl, env)
	}
}

// SendToConn unicasts an event to exactly one connection.
func (r *Router) SendToConn(connID, event string, payload any) {
	env, err := newEnvelope(event, payload)
	if err != nil {
		r.log.Error("router.marshal.fail", "event", event, "err", err)
		return
	}

	r.mu.RLock()
	cl := r.conns[connID]
	r.mu.RUnlock()

	if cl == nil {
		// Already disconnected; best-effort delivery simply skips it.
		return
	}
	r.deliver(cl, env)
}

func (r *Router) deliver(cl *Client, env v1.Envelope) {
	if cl == nil {
		return
	}

	select {
	case <-cl.Done():
		return
	default:
	}

	select {
	case cl.Send <- env:
	default:
		// Drop rather than block the whole room.
		broadcastDropsTotal.Inc()
		r.log.Warn("router.drop", "conn_id", cl.ConnID, "event", env.Event)
	}
}

func newEnvelope(event string, payload any) (v1.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{Event: event, Data: data}, nil
}
