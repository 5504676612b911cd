package callbacks

import (
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestParseCallbackData(t *testing.T) {
	cases := []struct {
		name    string
		data    string
		unique  string
		payload string
	}{
		{name: "unique and payload", data: "\\fcancel|123", unique: "cancel", payload: "123"},
		{name: "unique only", data: "\\fcancel", unique: "cancel", payload: ""},
		{name: "no prefix", data: "cancel|x", unique: "cancel", payload: "x"},
		{name: "empty", data: "", unique: "", payload: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u, p := ParseCallbackData(&tele.Callback{Data: tc.data})
			if u != tc.unique || p != tc.payload {
				t.Fatalf("got (%q, %q), want (%q, %q)", u, p, tc.unique, tc.payload)
			}
		})
	}

	if u, p := ParseCallbackData(nil); u != "" || p != "" {
		t.Fatalf("nil callback: got (%q, %q)", u, p)
	}
}

func TestCallbackKeyPrefersUnique(t *testing.T) {
	c := newTestContext(&tele.Callback{Unique: "confirm", Data: "\\fother|x"})
	if got := CallbackKey(c); got != "confirm" {
		t.Fatalf("key = %q, want %q", got, "confirm")
	}
}

func TestCallbackKeyRecoversFromData(t *testing.T) {
	// OnCallback delivers updates with Unique unset; the key must come out
	// of the raw data.
	c := newTestContext(&tele.Callback{Data: "\\fcancel|42"})
	if got := CallbackKey(c); got != "cancel" {
		t.Fatalf("key = %q, want %q", got, "cancel")
	}
	if got := CallbackPayload(c); got != "42" {
		t.Fatalf("payload = %q, want %q", got, "42")
	}
}

func TestCallbackKeyWithoutCallback(t *testing.T) {
	if got := CallbackKey(newTestContext(nil)); got != "" {
		t.Fatalf("key = %q, want empty", got)
	}
}

type testContext struct {
	tele.Context
	cb *tele.Callback
}

func newTestContext(cb *tele.Callback) tele.Context { return testContext{cb: cb} }

func (c testContext) Callback() *tele.Callback { return c.cb }
