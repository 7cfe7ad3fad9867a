// Package token issues and verifies short-lived, purpose-scoped
// capability tokens. An audio-stream token authorizes fetching one
// memory's audio without a full user session; a session token carries
// the caller's identity for the authenticated API surface.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// Purposes a token can be scoped to.
const (
	PurposeAudioStream = "audio-stream"
	PurposeSession     = "session"
)

// Default lifetimes. Workers may take far longer to fetch and process
// audio than an interactive page load, hence the wider window.
const (
	PlaybackTTL = 15 * time.Minute
	WorkerTTL   = 2 * time.Hour
)

type claims struct {
	Subject string `json:"sub"`
	Name    string `json:"name,omitempty"`
	Purpose string `json:"purpose"`
	Expiry  int64  `json:"exp"`
}

// Service signs and verifies tokens with a single server-side secret.
type Service struct {
	secret []byte
	now    func() time.Time
}

// NewService creates a Service signing with secret.
func NewService(secret string) *Service {
	return &Service{secret: []byte(secret), now: time.Now}
}

// Issue returns an audio-stream token scoped to memoryID, valid for ttl.
func (s *Service) Issue(memoryID string, ttl time.Duration) string {
	return s.encode(claims{
		Subject: memoryID,
		Purpose: PurposeAudioStream,
		Expiry:  s.now().Add(ttl).Unix(),
	})
}

// Verify reports whether tok is a well-formed, unexpired audio-stream
// token for exactly expectedMemoryID. It never returns an error: any
// cryptographic or structural failure is simply false.
func (s *Service) Verify(tok, expectedMemoryID string) bool {
	c, ok := s.decode(tok)
	return ok && c.Purpose == PurposeAudioStream && c.Subject == expectedMemoryID
}

// IssueSession returns a session token carrying the user's identity.
func (s *Service) IssueSession(userID, userName string, ttl time.Duration) string {
	return s.encode(claims{
		Subject: userID,
		Name:    userName,
		Purpose: PurposeSession,
		Expiry:  s.now().Add(ttl).Unix(),
	})
}

// VerifySession validates a session token and returns the embedded
// user id and display name.
func (s *Service) VerifySession(tok string) (userID, userName string, ok bool) {
	c, valid := s.decode(tok)
	if !valid || c.Purpose != PurposeSession || c.Subject == "" {
		return "", "", false
	}
	return c.Subject, c.Name, true
}

func (s *Service) encode(c claims) string {
	payload, _ := json.Marshal(c)
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + s.sign(body)
}

func (s *Service) decode(tok string) (claims, bool) {
	body, sig, found := strings.Cut(tok, ".")
	if !found {
		return claims{}, false
	}
	if !hmac.Equal([]byte(s.sign(body)), []byte(sig)) {
		return claims{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return claims{}, false
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return claims{}, false
	}
	if s.now().Unix() >= c.Expiry {
		return claims{}, false
	}
	return c, true
}

func (s *Service) sign(body string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
