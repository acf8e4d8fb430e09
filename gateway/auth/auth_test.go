package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestIssueAndVerify(t *testing.T) {
	verifier := NewVerifier([]byte("test-secret"))
	addr := common.HexToAddress("0xd1")

	token, err := verifier.IssueToken(addr, []string{"DISTRIBUTOR"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	identity, err := verifier.VerifyHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.Address != addr {
		t.Fatalf("address = %s", identity.Address.Hex())
	}
	if !identity.HasRole("DISTRIBUTOR") || identity.HasRole("OWNER") {
		t.Fatalf("roles = %v", identity.Roles)
	}
}

func TestVerifyRejectsForgedToken(t *testing.T) {
	issuer := NewVerifier([]byte("secret-a"))
	verifier := NewVerifier([]byte("secret-b"))

	token, err := issuer.IssueToken(common.HexToAddress("0xd1"), nil, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("forged token: %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	verifier := NewVerifier([]byte("test-secret"))
	token, err := verifier.IssueToken(common.HexToAddress("0xd1"), nil, -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: %v", err)
	}
}

func TestVerifyHeaderShapes(t *testing.T) {
	verifier := NewVerifier([]byte("test-secret"))
	if _, err := verifier.VerifyHeader(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("empty header: %v", err)
	}
	if _, err := verifier.VerifyHeader("Basic abc"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("non-bearer header: %v", err)
	}
}
