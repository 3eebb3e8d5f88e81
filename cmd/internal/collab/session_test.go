package collab

import (
	"reflect"
	"strconv"
	"sync"
	"testing"

	v1 "coderoom/shared/contracts/collab/v1"
)

func newTestSession() (*Session, *Router) {
	log := testLogger()
	router := NewRouter(log)
	sess := NewSession(log, NewRegistry(), NewRoomState(), NewHistoryStore(), router)
	return sess, router
}

// connect attaches a recording client and joins it to a room.
func connect(sess *Session, router *Router, roomID, connID, username string) *Client {
	cl := NewClient(connID, 512)
	router.Attach(cl)
	sess.Join(roomID, connID, username)
	return cl
}

func eventsOf(envs []v1.Envelope, event string) []v1.Envelope {
	var out []v1.Envelope
	for _, env := range envs {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func memberNames(t *testing.T, env v1.Envelope) []string {
	t.Helper()
	var p v1.JoinedPayload
	decodeData(t, env, &p)
	names := make([]string, 0, len(p.Clients))
	for _, c := range p.Clients {
		names = append(names, c.Username)
	}
	return names
}

func TestJoin_BroadcastsMemberList(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	a := connect(sess, router, "r1", "c1", "ada")
	b := connect(sess, router, "r1", "c2", "ben")

	aEnvs := drain(a)
	joinedA := eventsOf(aEnvs, v1.EventJoined)
	if len(joinedA) != 2 {
		t.Fatalf("ada saw %d joined events, want 2", len(joinedA))
	}
	if got := memberNames(t, joinedA[1]); !reflect.DeepEqual(got, []string{"ada", "ben"}) {
		t.Fatalf("member list=%v want [ada ben]", got)
	}

	joinedB := eventsOf(drain(b), v1.EventJoined)
	if len(joinedB) != 1 {
		t.Fatalf("ben saw %d joined events, want 1", len(joinedB))
	}
	var p v1.JoinedPayload
	decodeData(t, joinedB[0], &p)
	if p.Username != "ben" || p.ConnectionID != "c2" {
		t.Fatalf("joined announces (%q,%q), want (ben,c2)", p.Username, p.ConnectionID)
	}
}

func TestJoin_DuplicateUsernameEvictsPriorConnection(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	stale := connect(sess, router, "r1", "c1", "ada")
	fresh := connect(sess, router, "r1", "c2", "ada")

	staleEnvs := drain(stale)
	superseded := eventsOf(staleEnvs, v1.EventSuperseded)
	if len(superseded) != 1 {
		t.Fatalf("stale connection saw %d superseded events, want 1", len(superseded))
	}
	var sp v1.SupersededPayload
	decodeData(t, superseded[0], &sp)
	if sp.RoomID != "r1" {
		t.Fatalf("superseded roomId=%q want r1", sp.RoomID)
	}

	// The evicted connection left the room before the joined broadcast.
	if got := eventsOf(staleEnvs, v1.EventJoined); len(got) != 1 {
		t.Fatalf("stale connection saw %d joined events, want only its own", len(got))
	}

	freshJoined := eventsOf(drain(fresh), v1.EventJoined)
	if len(freshJoined) != 1 {
		t.Fatalf("fresh connection saw %d joined events, want 1", len(freshJoined))
	}
	var jp v1.JoinedPayload
	decodeData(t, freshJoined[0], &jp)
	if len(jp.Clients) != 1 || jp.Clients[0].ConnectionID != "c2" {
		t.Fatalf("member list=%v: evicted connection must not remain", jp.Clients)
	}
}

func TestMembership_TracksConnectionsAcrossReconnect(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	connect(sess, router, "r1", "c1", "ada")
	watcher := connect(sess, router, "r1", "c9", "zoe")
	drain(watcher)

	// Reconnect on a new connection, then the stale one disconnects.
	connect(sess, router, "r1", "c2", "ada")
	sess.Disconnecting("c1")

	if got := eventsOf(drain(watcher), v1.EventDisconnected); len(got) != 0 {
		t.Fatalf("stale disconnect produced %d disconnected events, want 0", len(got))
	}
	if got := sess.registry.Usernames("r1"); !reflect.DeepEqual(got, []string{"ada", "zoe"}) {
		t.Fatalf("usernames=%v want [ada zoe]", got)
	}

	// The surviving connection leaves: now ada is truly gone.
	sess.Disconnecting("c2")
	disc := eventsOf(drain(watcher), v1.EventDisconnected)
	if len(disc) != 1 {
		t.Fatalf("saw %d disconnected events, want exactly 1", len(disc))
	}
	var dp v1.DisconnectedPayload
	decodeData(t, disc[0], &dp)
	if dp.Username != "ada" || dp.ConnectionID != "c2" {
		t.Fatalf("disconnected=(%q,%q) want (ada,c2)", dp.Username, dp.ConnectionID)
	}
	if got := sess.registry.Usernames("r1"); !reflect.DeepEqual(got, []string{"zoe"}) {
		t.Fatalf("usernames=%v want [zoe]", got)
	}
}

func TestJoin_NewUsernameRetiresOldMembership(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	watcher := connect(sess, router, "r1", "c0", "zoe")
	connect(sess, router, "r1", "c1", "ada")
	drain(watcher)

	// Same connection re-joins under a new name.
	sess.Join("r1", "c1", "bob")

	envs := drain(watcher)
	disc := eventsOf(envs, v1.EventDisconnected)
	if len(disc) != 1 {
		t.Fatalf("saw %d disconnected events, want 1 for the retired name", len(disc))
	}
	var dp v1.DisconnectedPayload
	decodeData(t, disc[0], &dp)
	if dp.Username != "ada" || dp.ConnectionID != "c1" {
		t.Fatalf("disconnected=(%q,%q) want (ada,c1)", dp.Username, dp.ConnectionID)
	}

	joined := eventsOf(envs, v1.EventJoined)
	if len(joined) != 1 {
		t.Fatalf("saw %d joined events, want 1", len(joined))
	}
	if got := memberNames(t, joined[0]); !reflect.DeepEqual(got, []string{"bob", "zoe"}) {
		t.Fatalf("member list=%v want [bob zoe]: old name must be gone", got)
	}
	if got := sess.registry.Usernames("r1"); !reflect.DeepEqual(got, []string{"bob", "zoe"}) {
		t.Fatalf("usernames=%v want [bob zoe]", got)
	}
}

func TestJoin_RenameThenDisconnectDestroysRoom(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	connect(sess, router, "r1", "c1", "ada")
	sess.CodeChange("r1", "c1", "x")

	sess.Join("r1", "c1", "bob")

	// A rename is not a departure: the sole member keeps the room alive.
	if code, ok := sess.state.CurrentCode("r1"); !ok || code != "x" {
		t.Fatalf("code after rename=(%q,%v) want (x,true)", code, ok)
	}

	sess.SendMessage("r1", "bob", "hi")

	sess.Disconnecting("c1")

	if sess.state.Exists("r1") {
		t.Fatalf("room with no registered connections still exists; members=%v", sess.state.Members("r1"))
	}
	if got := sess.history.Snapshot("r1"); got != nil {
		t.Fatalf("history survived room destruction: %v", got)
	}
	if got := sess.registry.Usernames("r1"); got != nil {
		t.Fatalf("usernames=%v want none", got)
	}
}

func TestCodeChange_RelaysWithoutEcho(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	a := connect(sess, router, "r1", "c1", "ada")
	b := connect(sess, router, "r1", "c2", "ben")
	drain(a)
	drain(b)

	sess.CodeChange("r1", "c1", "package main")

	if got := eventsOf(drain(a), v1.EventCodeChange); len(got) != 0 {
		t.Fatalf("sender received its own code-change echo")
	}
	got := eventsOf(drain(b), v1.EventCodeChange)
	if len(got) != 1 {
		t.Fatalf("peer saw %d code-change events, want 1", len(got))
	}
	var p v1.CodePayload
	decodeData(t, got[0], &p)
	if p.Code != "package main" {
		t.Fatalf("relayed code=%q", p.Code)
	}
}

func TestJoin_LateJoinerReceivesCurrentCode(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	a := connect(sess, router, "r1", "c1", "ada")
	drain(a)

	sess.CodeChange("r1", "c1", "x")

	late := connect(sess, router, "r1", "c2", "ben")
	got := eventsOf(drain(late), v1.EventCodeChange)
	if len(got) != 1 {
		t.Fatalf("late joiner saw %d code-change events, want 1", len(got))
	}
	var p v1.CodePayload
	decodeData(t, got[0], &p)
	if p.Code != "x" {
		t.Fatalf("late joiner code=%q want x", p.Code)
	}

	// The original sender still has no echo of its own change.
	if got := eventsOf(drain(a), v1.EventCodeChange); len(got) != 0 {
		t.Fatalf("sender received a code-change echo")
	}
}

func TestJoin_NoCodeMeansNoSnapshot(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	cl := connect(sess, router, "r1", "c1", "ada")

	if got := eventsOf(drain(cl), v1.EventCodeChange); len(got) != 0 {
		t.Fatalf("room without code sent a snapshot: %v", got)
	}
}

func TestSyncCode_AppliesAndUnicasts(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	a := connect(sess, router, "r1", "c1", "ada")
	b := connect(sess, router, "r1", "c2", "ben")
	drain(a)
	drain(b)

	code := "synced"
	sess.SyncCode("c2", "r1", &code)

	// Applied without broadcast: only the target hears about it.
	if got := eventsOf(drain(a), v1.EventSyncCode); len(got) != 0 {
		t.Fatalf("sync-code leaked to non-target")
	}
	got := eventsOf(drain(b), v1.EventSyncCode)
	if len(got) != 1 {
		t.Fatalf("target saw %d sync-code events, want 1", len(got))
	}
	var p v1.CodePayload
	decodeData(t, got[0], &p)
	if p.Code != "synced" {
		t.Fatalf("synced code=%q", p.Code)
	}

	if cur, ok := sess.state.CurrentCode("r1"); !ok || cur != "synced" {
		t.Fatalf("buffer=(%q,%v) want (synced,true)", cur, ok)
	}
}

func TestSendMessage_EchoesToSenderToo(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	a := connect(sess, router, "r1", "c1", "ada")
	b := connect(sess, router, "r1", "c2", "ben")
	drain(a)
	drain(b)

	sess.SendMessage("r1", "ben", "hi")

	for name, cl := range map[string]*Client{"ada": a, "ben": b} {
		got := eventsOf(drain(cl), v1.EventReceiveMessage)
		if len(got) != 1 {
			t.Fatalf("%s saw %d receive-message events, want 1", name, len(got))
		}
		var p v1.MessagePayload
		decodeData(t, got[0], &p)
		if p.Username != "ben" || p.Message != "hi" {
			t.Fatalf("%s got message (%q,%q)", name, p.Username, p.Message)
		}
		if p.ID == "" || p.Timestamp.IsZero() {
			t.Fatalf("message missing id/timestamp: %+v", p)
		}
	}
}

func TestFetchMessages_ReturnsLastHundredInOrder(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	a := connect(sess, router, "r1", "c1", "ada")
	drain(a)

	total := historyLimit + 40
	for i := 0; i < total; i++ {
		sess.SendMessage("r1", "ada", "msg "+strconv.Itoa(i))
	}
	drain(a)

	sess.FetchMessages("c1", "r1")
	got := eventsOf(drain(a), v1.EventFetchMessages)
	if len(got) != 1 {
		t.Fatalf("saw %d fetch-messages replies, want 1", len(got))
	}

	var p v1.MessagesPayload
	decodeData(t, got[0], &p)
	if len(p.Messages) != historyLimit {
		t.Fatalf("history length=%d want %d", len(p.Messages), historyLimit)
	}
	for i, m := range p.Messages {
		want := "msg " + strconv.Itoa(total-historyLimit+i)
		if m.Message != want {
			t.Fatalf("history[%d]=%q want %q", i, m.Message, want)
		}
	}
}

func TestFetchMessages_UnicastToRequesterOnly(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	a := connect(sess, router, "r1", "c1", "ada")
	b := connect(sess, router, "r1", "c2", "ben")
	sess.SendMessage("r1", "ada", "hello")
	drain(a)
	drain(b)

	sess.FetchMessages("c2", "r1")

	if got := eventsOf(drain(a), v1.EventFetchMessages); len(got) != 0 {
		t.Fatalf("history leaked to non-requester")
	}
	if got := eventsOf(drain(b), v1.EventFetchMessages); len(got) != 1 {
		t.Fatalf("requester saw %d replies, want 1", len(got))
	}
}

func TestDisconnect_LastMemberDestroysRoom(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	a := connect(sess, router, "r1", "c1", "ada")
	sess.CodeChange("r1", "c1", "ephemeral")
	sess.SendMessage("r1", "ada", "bye")
	drain(a)

	sess.Disconnecting("c1")

	if sess.state.Exists("r1") {
		t.Fatalf("empty room should be destroyed")
	}
	if _, ok := sess.state.CurrentCode("r1"); ok {
		t.Fatalf("destroyed room should have no code")
	}
	if got := sess.history.Snapshot("r1"); len(got) != 0 {
		t.Fatalf("destroyed room history=%v want empty", got)
	}

	// A later fetch behaves as if the room never existed.
	probe := connect(sess, router, "r1", "c2", "ben")
	drain(probe)
	sess.FetchMessages("c2", "r1")
	reply := eventsOf(drain(probe), v1.EventFetchMessages)
	if len(reply) != 1 {
		t.Fatalf("saw %d replies, want 1", len(reply))
	}
	var p v1.MessagesPayload
	decodeData(t, reply[0], &p)
	if len(p.Messages) != 0 {
		t.Fatalf("recreated room inherited %d messages", len(p.Messages))
	}
}

func TestScenario_TwoUsersChatAndLeave(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	a := connect(sess, router, "r1", "cA", "A")
	b := connect(sess, router, "r1", "cB", "B")

	joinedA := eventsOf(drain(a), v1.EventJoined)
	if len(joinedA) != 2 {
		t.Fatalf("A saw %d joined events, want 2", len(joinedA))
	}
	if got := memberNames(t, joinedA[1]); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("A's member list=%v want [A B]", got)
	}
	joinedB := eventsOf(drain(b), v1.EventJoined)
	if got := memberNames(t, joinedB[0]); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("B's member list=%v want [A B]", got)
	}

	sess.SendMessage("r1", "B", "hi")
	for name, cl := range map[string]*Client{"A": a, "B": b} {
		got := eventsOf(drain(cl), v1.EventReceiveMessage)
		if len(got) != 1 {
			t.Fatalf("%s saw %d messages, want 1", name, len(got))
		}
		var p v1.MessagePayload
		decodeData(t, got[0], &p)
		if p.Username != "B" || p.Message != "hi" {
			t.Fatalf("%s got (%q,%q) want (B,hi)", name, p.Username, p.Message)
		}
	}

	sess.Disconnecting("cA")
	disc := eventsOf(drain(b), v1.EventDisconnected)
	if len(disc) != 1 {
		t.Fatalf("B saw %d disconnected events, want 1", len(disc))
	}
	var dp v1.DisconnectedPayload
	decodeData(t, disc[0], &dp)
	if dp.Username != "A" {
		t.Fatalf("disconnected username=%q want A", dp.Username)
	}
	if got := sess.registry.Usernames("r1"); !reflect.DeepEqual(got, []string{"B"}) {
		t.Fatalf("membership=%v want [B]", got)
	}
	if !sess.state.Exists("r1") {
		t.Fatalf("room with remaining member must persist")
	}
}

func TestDisconnect_SpansAllRoomsOfConnection(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	connect(sess, router, "r1", "c1", "ada")
	sess.Join("r2", "c1", "ada")
	w1 := connect(sess, router, "r1", "w1", "zoe")
	w2 := connect(sess, router, "r2", "w2", "zoe")
	drain(w1)
	drain(w2)

	sess.Disconnecting("c1")

	if got := eventsOf(drain(w1), v1.EventDisconnected); len(got) != 1 {
		t.Fatalf("r1 watcher saw %d disconnected events, want 1", len(got))
	}
	if got := eventsOf(drain(w2), v1.EventDisconnected); len(got) != 1 {
		t.Fatalf("r2 watcher saw %d disconnected events, want 1", len(got))
	}
}

func TestOperations_IncompleteInputsAreNoops(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()
	a := connect(sess, router, "r1", "c1", "ada")
	drain(a)

	sess.Join("", "c2", "ben")
	sess.Join("r1", "", "ben")
	sess.Join("r1", "c2", "")
	sess.SendMessage("", "ada", "hi")
	sess.SendMessage("r1", "", "hi")
	sess.SendMessage("r1", "ada", "")
	sess.CodeChange("", "c1", "x")
	sess.FetchMessages("", "r1")
	sess.Disconnecting("")

	if got := drain(a); len(got) != 0 {
		t.Fatalf("incomplete operations produced output: %v", got)
	}
	if got := sess.registry.Usernames("r1"); !reflect.DeepEqual(got, []string{"ada"}) {
		t.Fatalf("membership corrupted: %v", got)
	}
}

func TestSession_ConcurrentJoinDisconnect(t *testing.T) {
	t.Parallel()

	sess, router := newTestSession()

	const (
		workers    = 8
		iterations = 50
	)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			connID := "c" + strconv.Itoa(i)
			// Two shared usernames so joins race disconnects through the
			// eviction path, not just plain membership churn.
			username := "user" + strconv.Itoa(i%2)

			// Join/disconnect only: code and chat lazily re-create rooms,
			// which would make the end state timing-dependent.
			for n := 0; n < iterations; n++ {
				cl := NewClient(connID, 64)
				router.Attach(cl)
				sess.Join("r1", connID, username)
				sess.Disconnecting(connID)
			}
		}(i)
	}
	wg.Wait()

	// Every connection disconnected last, so nothing may survive.
	if got := sess.registry.Usernames("r1"); got != nil {
		t.Fatalf("registry still holds %v after all disconnects", got)
	}
	if sess.state.Exists("r1") {
		t.Fatalf("room survived with members=%v", sess.state.Members("r1"))
	}
	if got := sess.history.Snapshot("r1"); got != nil {
		t.Fatalf("history survived room destruction: %d messages", len(got))
	}
}
