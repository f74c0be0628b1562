package wire

import (
	"encoding/json"
	"testing"
)

func TestReplyMatcher_Handshake(t *testing.T) {
	match := ReplyMatcher(Message{Type: TypeGetID})
	if !match(Message{Type: TypeIDResponse, WorkerID: "w1"}) {
		t.Fatal("ID_RESPONSE should answer GET_ID")
	}
	if match(Message{Type: TypePong}) {
		t.Fatal("PONG must not answer GET_ID")
	}
}

func TestReplyMatcher_JobFilteredByJobID(t *testing.T) {
	match := ReplyMatcher(Message{Type: TypeJob, JobID: "j1"})

	for _, typ := range []string{TypeResult, TypeError, TypeProgress} {
		if !match(Message{Type: typ, JobID: "j1"}) {
			t.Fatalf("%s for j1 should match", typ)
		}
		if match(Message{Type: typ, JobID: "j2"}) {
			t.Fatalf("%s for j2 must not cross-deliver to j1", typ)
		}
	}
	if match(Message{Type: TypeConfigUpdated, JobID: "j1"}) {
		t.Fatal("non-job reply types must not match JOB")
	}
}

func TestReplyMatcher_DefaultSuffix(t *testing.T) {
	match := ReplyMatcher(Message{Type: "SNAPSHOT"})
	cases := map[string]bool{
		"SNAPSHOT":          true,
		"SNAPSHOT_RESULT":   true,
		"SNAPSHOT_RESPONSE": true,
		"RESULT":            false,
	}
	for typ, want := range cases {
		if got := match(Message{Type: typ}); got != want {
			t.Errorf("match(%q) = %v, want %v", typ, got, want)
		}
	}
}

func TestReplyMatcher_UntypedAcceptsNext(t *testing.T) {
	match := ReplyMatcher(Message{})
	if !match(Message{Type: "ANYTHING"}) {
		t.Fatal("untyped outbound should accept the next inbound message")
	}
}

func TestTerminal(t *testing.T) {
	if !Terminal(Message{Type: TypeResult}) || !Terminal(Message{Type: TypeError}) {
		t.Fatal("RESULT and ERROR are terminal")
	}
	if Terminal(Message{Type: TypeProgress}) {
		t.Fatal("PROGRESS keeps the wait open")
	}
}

func TestErrorMessage_Malformed(t *testing.T) {
	m := Message{Type: TypeError, Payload: json.RawMessage(`{"nope":1}`)}
	if got := m.ErrorMessage(); got != "worker reported an error" {
		t.Fatalf("fallback text = %q", got)
	}
	m = NewError("j1", "boom")
	if got := m.ErrorMessage(); got != "boom" {
		t.Fatalf("error text = %q", got)
	}
}

func TestCallFailure(t *testing.T) {
	cases := []struct {
		payload string
		want    string
	}{
		{`{"ok":false,"error":"backend down"}`, "backend down"},
		{`{"ok":false}`, "remote call failed"},
		{`{"ok":true}`, ""},
		{`{"jobId":"r1","status":"running"}`, ""}, // no marker, not a failure
		{`[{"jobId":"r1"}]`, ""},
		{``, ""},
	}
	for _, tc := range cases {
		if got := CallFailure(json.RawMessage(tc.payload)); got != tc.want {
			t.Errorf("CallFailure(%s) = %q, want %q", tc.payload, got, tc.want)
		}
	}
}
