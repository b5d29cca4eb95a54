package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
)

func TestMintAndVerify(t *testing.T) {
	m := NewManager("link-secret", time.Hour)
	token, err := m.Mint(protocol.RoleClient, "link-42")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	claims, err := m.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Role != protocol.RoleClient {
		t.Errorf("Role = %q, want client", claims.Role)
	}
	if claims.LinkID != "link-42" {
		t.Errorf("LinkID = %q, want link-42", claims.LinkID)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewManager("secret-a", time.Hour).Mint(protocol.RoleClient, "link-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := NewManager("secret-b", time.Hour).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := NewManager("link-secret", -time.Minute)
	// ttl <= 0 falls back to the default, so mint with an expired manager
	// by hand instead.
	m.ttl = -time.Minute
	token, err := m.Mint(protocol.RoleHost, "link-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := m.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := NewManager("link-secret", time.Hour)
	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := m.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(%q) err = %v, want ErrInvalidToken", tok, err)
		}
	}
}
