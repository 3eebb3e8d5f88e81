package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	v1 "coderoom/shared/contracts/collab/v1"
)

func newOriginRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://localhost", want: "localhost"},
		{in: "http://localhost:5173", want: "localhost"},
		{in: "https://App.Example.com", want: "app.example.com"},
		{in: "127.0.0.1:8080", want: "127.0.0.1"},
		{in: "localhost", want: "localhost"},
		{in: "", want: ""},
	}

	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:5173",
		"http://localhost",
		"https://pad.example.com",
		"*",
		"",
	})
	want := []string{"localhost", "pad.example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
}

func TestClampMessage(t *testing.T) {
	t.Parallel()

	if got := clampMessage("hi"); got != "hi" {
		t.Fatalf("short message altered: %q", got)
	}

	long := strings.Repeat("ü", maxMessageChars+10)
	got := clampMessage(long)
	if runes := len([]rune(got)); runes != maxMessageChars {
		t.Fatalf("clamped length=%d want=%d", runes, maxMessageChars)
	}
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	unmarshalErr := func(raw string) error {
		var env v1.Envelope
		return json.Unmarshal([]byte(raw), &env)
	}

	cases := []struct {
		name string
		err  error
		want readErrKind
	}{
		{name: "context canceled", err: context.Canceled, want: readErrCtxDone},
		{name: "deadline", err: context.DeadlineExceeded, want: readErrCtxDone},
		{name: "eof", err: io.EOF, want: readErrConnClosed},
		{name: "truncated json", err: unmarshalErr(`{"event":`), want: readErrBadJSON},
		{name: "wrong field type", err: unmarshalErr(`{"event":123}`), want: readErrBadJSON},
		{name: "wrapped type error", err: fmt.Errorf("read: %w", unmarshalErr(`{"event":123}`)), want: readErrBadJSON},
		{name: "other", err: io.ErrUnexpectedEOF, want: readErrUnknown},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyReadErr(tc.err); got != tc.want {
				t.Fatalf("classifyReadErr(%v)=%d want=%d", tc.err, got, tc.want)
			}
		})
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	g := &WSGateway{
		originRequired: true,
		allowedOrigins: []string{"http://localhost", "https://pad.example.com"},
	}

	cases := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{name: "exact match", origin: "http://localhost"},
		{name: "host match with port", origin: "http://localhost:5173"},
		{name: "allowed https", origin: "https://pad.example.com"},
		{name: "missing origin", origin: "", wantErr: true},
		{name: "unlisted host", origin: "https://evil.example.com", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newOriginRequest(tc.origin)
			err := g.enforceOrigin(r)
			if tc.wantErr && err == nil {
				t.Fatalf("expected rejection for origin %q", tc.origin)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected rejection for origin %q: %v", tc.origin, err)
			}
		})
	}
}
