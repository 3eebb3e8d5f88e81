// Package main provides a CI-friendly WebSocket smoke test for coderoom.
//
// It validates:
//   - handshake + subprotocol selection
//   - join -> joined fanout with the full member list
//   - code-change relay to peers, never echoed to the sender
//   - send-message -> receive-message fanout, sender included
//   - fetch-messages unicast reply containing the sent message
//   - duplicate-username eviction: the older connection gets superseded
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "coderoom/shared/contracts/collab/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "coderoom.collab.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		roomID  = flag.String("room", "dev-room-1", "Room ID to join")
		text    = flag.String("text", "hello coderoom 👋", "Chat message text to send")
		code    = flag.String("code", "package main\n\nfunc main() {}\n", "Code buffer to publish")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A and B, origin=%q\n", *origin)
	}

	mustJoin(root, a, *roomID, "ada", []string{"ada"}, *timeout)
	joinedB := mustJoin(root, b, *roomID, "brett", []string{"ada", "brett"}, *timeout)

	// A also sees brett's joined fanout.
	mustAssertJoined(root, a, "brett", []string{"ada", "brett"}, *timeout)

	mustSendCode(root, a, *roomID, *code, *timeout)
	mustAssertCode(root, b, *code, *timeout)
	mustAssertNoEvent(root, a, v1.EventCodeChange, 1200*time.Millisecond)

	mustSendMessage(root, b, *roomID, "brett", *text, *timeout)
	msgID := mustAssertMessage(root, b, "brett", *text, *timeout)
	if got := mustAssertMessage(root, a, "brett", *text, *timeout); got != msgID {
		fatalf("message id mismatch across fanout: A=%q B=%q", got, msgID)
	}

	mustFetchContains(root, a, *roomID, msgID, "brett", *text, *timeout)
	mustAssertNoEvent(root, b, v1.EventFetchMessages, 750*time.Millisecond)

	// A second "brett" connection evicts B from the room.
	b2 := mustConnect(root, "B2", *wsURL, *origin, *timeout)
	defer closeWS(b2.conn)

	mustJoin(root, b2, *roomID, "brett", []string{"ada", "brett"}, *timeout)
	mustAssertSuperseded(root, b, *roomID, *timeout)

	fmt.Printf("OK: room=%s members=%d msg_id=%s\n", *roomID, len(joinedB.Clients), msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, roomID, username string, wantMembers []string, stepTimeout time.Duration) v1.JoinedPayload {
	env := v1.Envelope{
		Event: v1.EventJoin,
		Data:  mustJSON(v1.JoinPayload{RoomID: roomID, Username: username}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	return mustAssertJoined(parent, c, username, wantMembers, stepTimeout)
}

func mustAssertJoined(parent context.Context, c *smokeClient, username string, wantMembers []string, stepTimeout time.Duration) v1.JoinedPayload {
	// A late joiner may receive the room's code snapshot before the
	// membership fanout; skip past it.
	skip := map[string]struct{}{v1.EventCodeChange: {}, v1.EventSyncCode: {}}
	echo := c.mustReadUntilEvent(parent, v1.EventJoined, stepTimeout, skip)

	var p v1.JoinedPayload
	if err := json.Unmarshal(echo.Data, &p); err != nil {
		fatalf("unmarshal joined payload (%s): %v", c.name, err)
	}
	if p.Username != username {
		fatalf("joined username mismatch (%s): got=%q want=%q", c.name, p.Username, username)
	}
	got := map[string]bool{}
	for _, ci := range p.Clients {
		got[ci.Username] = true
	}
	for _, want := range wantMembers {
		if !got[want] {
			fatalf("joined member list missing %q (%s): %v", want, c.name, p.Clients)
		}
	}
	return p
}

func mustSendCode(parent context.Context, c *smokeClient, roomID, code string, stepTimeout time.Duration) {
	env := v1.Envelope{
		Event: v1.EventCodeChange,
		Data:  mustJSON(v1.CodeChangePayload{RoomID: roomID, Code: &code}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertCode(parent context.Context, c *smokeClient, want string, stepTimeout time.Duration) {
	echo := c.mustReadUntilEvent(parent, v1.EventCodeChange, stepTimeout, nil)

	var p v1.CodePayload
	if err := json.Unmarshal(echo.Data, &p); err != nil {
		fatalf("unmarshal code payload (%s): %v", c.name, err)
	}
	if p.Code != want {
		fatalf("code mismatch (%s): got=%q want=%q", c.name, p.Code, want)
	}
}

func mustSendMessage(parent context.Context, c *smokeClient, roomID, username, text string, stepTimeout time.Duration) {
	env := v1.Envelope{
		Event: v1.EventSendMessage,
		Data:  mustJSON(v1.SendMessagePayload{RoomID: roomID, Message: text, Username: username}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertMessage(parent context.Context, c *smokeClient, username, text string, stepTimeout time.Duration) string {
	echo := c.mustReadUntilEvent(parent, v1.EventReceiveMessage, stepTimeout, nil)

	var p v1.MessagePayload
	if err := json.Unmarshal(echo.Data, &p); err != nil {
		fatalf("unmarshal message payload (%s): %v", c.name, err)
	}
	if p.Username != username {
		fatalf("message username mismatch (%s): got=%q want=%q", c.name, p.Username, username)
	}
	if p.Message != text {
		fatalf("message text mismatch (%s): got=%q want=%q", c.name, p.Message, text)
	}
	if strings.TrimSpace(p.ID) == "" {
		fatalf("message missing id (%s)", c.name)
	}
	if p.Timestamp.IsZero() {
		fatalf("message timestamp missing/zero (%s)", c.name)
	}
	return p.ID
}

func mustFetchContains(parent context.Context, c *smokeClient, roomID, msgID, username, text string, stepTimeout time.Duration) {
	req := v1.Envelope{
		Event: v1.EventFetchMessages,
		Data:  mustJSON(v1.FetchMessagesPayload{RoomID: roomID}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	reply := c.mustReadUntilEvent(parent, v1.EventFetchMessages, stepTimeout, nil)

	var p v1.MessagesPayload
	if err := json.Unmarshal(reply.Data, &p); err != nil {
		fatalf("unmarshal messages payload (%s): %v", c.name, err)
	}

	found := false
	for _, m := range p.Messages {
		if m.ID == msgID && m.Username == username && m.Message == text && !m.Timestamp.IsZero() {
			found = true
			break
		}
	}
	if !found {
		fatalf("fetch-messages reply missing expected message (%s)", c.name)
	}
}

func mustAssertSuperseded(parent context.Context, c *smokeClient, roomID string, stepTimeout time.Duration) {
	// The evicted connection may still receive the new joiner's fanout first.
	skip := map[string]struct{}{v1.EventJoined: {}, v1.EventDisconnected: {}}
	echo := c.mustReadUntilEvent(parent, v1.EventSuperseded, stepTimeout, skip)

	var p v1.SupersededPayload
	if err := json.Unmarshal(echo.Data, &p); err != nil {
		fatalf("unmarshal superseded payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("superseded room mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
}

func mustAssertNoEvent(parent context.Context, c *smokeClient, forbiddenEvent string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Event == v1.EventError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Data, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Event == forbiddenEvent {
				fatalf("unexpected %s received (%s)", forbiddenEvent, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilEvent(parent context.Context, wantEvent string, stepTimeout time.Duration, skipEvents map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantEvent, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantEvent, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantEvent, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantEvent, c.name)
			}
			if env.Event == wantEvent {
				return env
			}
			if env.Event == v1.EventError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Data, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipEvents != nil {
				if _, ok := skipEvents[env.Event]; ok {
					continue
				}
			}
			fatalf("unexpected envelope event (%s): got=%q want=%q", c.name, env.Event, wantEvent)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
