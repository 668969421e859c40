package calendar

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestSealRoundTrip(t *testing.T) {
	s, err := NewSealer(testKey())
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	sealed, err := s.Seal("ya29.access-token")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if !strings.HasPrefix(sealed, sealPrefix) || strings.Contains(sealed, "ya29") {
		t.Fatalf("unexpected sealed form %q", sealed)
	}
	again, _ := s.Seal("ya29.access-token")
	if again == sealed {
		t.Fatal("sealing must use a fresh nonce")
	}
	opened, err := s.Open(sealed)
	if err != nil || opened != "ya29.access-token" {
		t.Fatalf("Open = %q, %v", opened, err)
	}
}

func TestSealRejectsTamperingAndBadKeys(t *testing.T) {
	s, _ := NewSealer(testKey())
	sealed, _ := s.Seal("secret")
	raw, _ := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, sealPrefix))
	raw[len(raw)-1] ^= 0xff
	tampered := sealPrefix + base64.RawStdEncoding.EncodeToString(raw)
	if _, err := s.Open(tampered); err == nil {
		t.Fatal("expected tampered ciphertext to fail")
	}
	if _, err := s.Open("plain-token"); err == nil {
		t.Fatal("expected unprefixed value to fail")
	}

	if _, err := NewSealer(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected short key to fail")
	}
	if _, err := NewSealer("%%%not-base64%%%"); err == nil {
		t.Fatal("expected invalid base64 to fail")
	}
}
