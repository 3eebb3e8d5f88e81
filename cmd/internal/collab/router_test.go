package collab

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	v1 "coderoom/shared/contracts/collab/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// drain reads every envelope currently queued for a client.
func drain(cl *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-cl.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func decodeData(t *testing.T, env v1.Envelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode %s payload: %v", env.Event, err)
	}
}

func TestRouter_SendToRoomExcludesSender(t *testing.T) {
	t.Parallel()

	r := NewRouter(testLogger())
	a := NewClient("c1", 8)
	b := NewClient("c2", 8)
	r.Attach(a)
	r.Attach(b)
	r.JoinRoom("r1", "c1")
	r.JoinRoom("r1", "c2")

	r.SendToRoom("r1", v1.EventCodeChange, v1.CodePayload{Code: "x"}, "c1")

	if got := drain(a); len(got) != 0 {
		t.Fatalf("sender received its own echo: %v", got)
	}
	got := drain(b)
	if len(got) != 1 || got[0].Event != v1.EventCodeChange {
		t.Fatalf("peer envelopes=%v want one code-change", got)
	}
	var p v1.CodePayload
	decodeData(t, got[0], &p)
	if p.Code != "x" {
		t.Fatalf("code=%q want x", p.Code)
	}
}

func TestRouter_SendToRoomPreservesOrder(t *testing.T) {
	t.Parallel()

	r := NewRouter(testLogger())
	a := NewClient("c1", 16)
	r.Attach(a)
	r.JoinRoom("r1", "c1")

	for i := 0; i < 5; i++ {
		r.SendToRoom("r1", v1.EventReceiveMessage, v1.MessagePayload{ID: string(rune('a' + i))}, "")
	}

	got := drain(a)
	if len(got) != 5 {
		t.Fatalf("got %d envelopes, want 5", len(got))
	}
	for i, env := range got {
		var p v1.MessagePayload
		decodeData(t, env, &p)
		if p.ID != string(rune('a'+i)) {
			t.Fatalf("envelope %d out of order: id=%q", i, p.ID)
		}
	}
}

func TestRouter_UnicastOnlyTarget(t *testing.T) {
	t.Parallel()

	r := NewRouter(testLogger())
	a := NewClient("c1", 8)
	b := NewClient("c2", 8)
	r.Attach(a)
	r.Attach(b)
	r.JoinRoom("r1", "c1")
	r.JoinRoom("r1", "c2")

	r.SendToConn("c2", v1.EventSyncCode, v1.CodePayload{Code: "y"})

	if got := drain(a); len(got) != 0 {
		t.Fatalf("non-target received unicast: %v", got)
	}
	if got := drain(b); len(got) != 1 || got[0].Event != v1.EventSyncCode {
		t.Fatalf("target envelopes=%v want one sync-code", got)
	}
}

func TestRouter_UnicastUnknownConnIsNoop(t *testing.T) {
	t.Parallel()

	r := NewRouter(testLogger())
	// Best-effort delivery: a vanished connection simply misses the event.
	r.SendToConn("ghost", v1.EventSyncCode, v1.CodePayload{Code: "y"})
}

func TestRouter_DetachRemovesFromRooms(t *testing.T) {
	t.Parallel()

	r := NewRouter(testLogger())
	a := NewClient("c1", 8)
	b := NewClient("c2", 8)
	r.Attach(a)
	r.Attach(b)
	r.JoinRoom("r1", "c1")
	r.JoinRoom("r1", "c2")

	r.Detach("c1")

	select {
	case <-a.Done():
	default:
		t.Fatalf("detached client should be closed")
	}

	r.SendToRoom("r1", v1.EventJoined, v1.JoinedPayload{}, "")
	if got := drain(a); len(got) != 0 {
		t.Fatalf("detached client still receives: %v", got)
	}
	if got := drain(b); len(got) != 1 {
		t.Fatalf("remaining member envelopes=%v want one", got)
	}
}

func TestRouter_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	r := NewRouter(testLogger())
	a := NewClient("c1", 1)
	r.Attach(a)
	r.JoinRoom("r1", "c1")

	r.SendToRoom("r1", v1.EventReceiveMessage, v1.MessagePayload{ID: "m1"}, "")
	// Queue of one is full; this must not block.
	r.SendToRoom("r1", v1.EventReceiveMessage, v1.MessagePayload{ID: "m2"}, "")

	got := drain(a)
	if len(got) != 1 {
		t.Fatalf("got %d envelopes, want 1 (second dropped)", len(got))
	}
}

func TestRouter_ClosedClientSkipped(t *testing.T) {
	t.Parallel()

	r := NewRouter(testLogger())
	a := NewClient("c1", 8)
	r.Attach(a)
	r.JoinRoom("r1", "c1")
	a.Close()

	r.SendToRoom("r1", v1.EventJoined, v1.JoinedPayload{}, "")
	if got := drain(a); len(got) != 0 {
		t.Fatalf("closing client should not receive: %v", got)
	}
}
