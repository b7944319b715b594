package panel

import (
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret, time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, expires, err := issuer.Issue("admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if until := time.Until(expires); until < 50*time.Second || until > 70*time.Second {
		t.Fatalf("expiry %s not near one minute out", expires)
	}
	subject, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "admin" {
		t.Fatalf("subject = %q, want admin", subject)
	}
}

func TestTokenExpires(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret, time.Millisecond)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, _, err := issuer.Issue("admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := issuer.Verify(token); err == nil {
		t.Fatal("expired token verified")
	}
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	a, _ := NewTokenIssuer(testSecret, time.Minute)
	b, _ := NewTokenIssuer("another-secret-another-secret-ab", time.Minute)

	token, _, err := a.Issue("admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := b.Verify(token); err == nil {
		t.Fatal("token verified under a different secret")
	}
}

func TestTokenRejectsGarbage(t *testing.T) {
	issuer, _ := NewTokenIssuer(testSecret, time.Minute)
	for _, raw := range []string{"", "garbage", "a.b.c"} {
		if _, err := issuer.Verify(raw); err == nil {
			t.Fatalf("garbage token %q verified", raw)
		}
	}
}

func TestEmptySecretGetsEphemeralKey(t *testing.T) {
	a, err := NewTokenIssuer("", time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	b, _ := NewTokenIssuer("", time.Minute)

	token, _, err := a.Issue("admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := a.Verify(token); err != nil {
		t.Fatalf("self verify: %v", err)
	}
	if _, err := b.Verify(token); err == nil {
		t.Fatal("another instance verified an ephemeral token")
	}
}
