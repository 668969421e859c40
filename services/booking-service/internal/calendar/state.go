package calendar

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidState = errors.New("invalid oauth state")
	ErrStateExpired = errors.New("oauth state expired")
)

// StateSigner issues and verifies the opaque OAuth state that carries the
// creator id through the provider redirect. Format:
// base64url(payload) "." base64url(HMAC-SHA256(payload)).
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type statePayload struct {
	CreatorID string `json:"cid"`
	Nonce     string `json:"n"`
	IssuedAt  int64  `json:"iat"`
}

func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *StateSigner) Sign(creatorID string) (string, error) {
	if creatorID == "" {
		return "", errors.New("creator id required")
	}
	raw, err := json.Marshal(statePayload{
		CreatorID: creatorID,
		Nonce:     uuid.NewString(),
		IssuedAt:  s.now().Unix(),
	})
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(raw)
	return body + "." + s.mac(body), nil
}

// Verify returns the creator id carried by state.
func (s *StateSigner) Verify(state string) (string, error) {
	body, sig, ok := strings.Cut(state, ".")
	if !ok || body == "" || sig == "" {
		return "", ErrInvalidState
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(body))) {
		return "", ErrInvalidState
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", ErrInvalidState
	}
	var p statePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.CreatorID == "" {
		return "", ErrInvalidState
	}
	issued := time.Unix(p.IssuedAt, 0)
	now := s.now()
	if now.Sub(issued) > s.ttl || issued.After(now.Add(time.Minute)) {
		return "", ErrStateExpired
	}
	return p.CreatorID, nil
}

func (s *StateSigner) mac(body string) string {
	m := hmac.New(sha256.New, s.secret)
	_, _ = m.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}
