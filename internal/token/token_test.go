package token

import (
	"strings"
	"testing"
	"time"
)

func TestIssueVerifyRoundtrip(t *testing.T) {
	s := NewService("test-secret")
	tok := s.Issue("mem-1", PlaybackTTL)

	if !s.Verify(tok, "mem-1") {
		t.Error("freshly issued token must verify for its memory id")
	}
	if s.Verify(tok, "mem-2") {
		t.Error("token must not verify for a different memory id")
	}
}

func TestVerifyExpired(t *testing.T) {
	s := NewService("test-secret")
	s.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok := s.Issue("mem-1", 15*time.Minute)

	s.now = time.Now
	if s.Verify(tok, "mem-1") {
		t.Error("expired token must not verify")
	}
}

func TestVerifyMalformed(t *testing.T) {
	s := NewService("test-secret")
	for _, tok := range []string{
		"",
		"garbage",
		"a.b.c",
		"notbase64!!.sig",
		strings.Repeat("x", 500),
	} {
		if s.Verify(tok, "mem-1") {
			t.Errorf("malformed token %q verified", tok)
		}
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	tok := NewService("secret-a").Issue("mem-1", PlaybackTTL)
	if NewService("secret-b").Verify(tok, "mem-1") {
		t.Error("token signed with a different secret verified")
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	s := NewService("test-secret")
	tok := s.Issue("mem-1", PlaybackTTL)
	_, sig, _ := strings.Cut(tok, ".")
	otherBody, _, _ := strings.Cut(s.Issue("mem-2", PlaybackTTL), ".")
	if s.Verify(otherBody+"."+sig, "mem-2") {
		t.Error("payload swapped under a stale signature verified")
	}
}

func TestStreamTokenIsNotASession(t *testing.T) {
	s := NewService("test-secret")
	tok := s.Issue("mem-1", PlaybackTTL)
	if _, _, ok := s.VerifySession(tok); ok {
		t.Error("audio-stream token accepted as a session")
	}
}

func TestSessionRoundtrip(t *testing.T) {
	s := NewService("test-secret")
	tok := s.IssueSession("user-1", "Ada", 24*time.Hour)

	id, name, ok := s.VerifySession(tok)
	if !ok {
		t.Fatal("session token must verify")
	}
	if id != "user-1" || name != "Ada" {
		t.Errorf("got (%q, %q), want (user-1, Ada)", id, name)
	}
	if s.Verify(tok, "user-1") {
		t.Error("session token accepted as an audio-stream capability")
	}
}
