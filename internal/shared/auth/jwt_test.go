package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func fixedVerifier(t *testing.T, issuer string, at time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier("dev", "s3cret", issuer)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	v.now = func() time.Time { return at }
	return v
}

func TestSignVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := fixedVerifier(t, "accounts", now)

	token, err := v.Sign(Identity{Subject: "user-1", Email: "a@b.test"}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "user-1" || id.Email != "a@b.test" || id.Issuer != "accounts" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if id.Expires != now.Add(time.Hour).Unix() {
		t.Fatalf("unexpected exp %d", id.Expires)
	}
}

func TestVerifyRejects(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := fixedVerifier(t, "accounts", now)
	good, err := v.Sign(Identity{Subject: "user-1"}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	other, _ := NewVerifier("dev", "different", "accounts")
	forged, _ := other.Sign(Identity{Subject: "user-1"}, time.Hour)

	foreign := fixedVerifier(t, "elsewhere", now)
	wrongIssuer, _ := foreign.Sign(Identity{Subject: "user-1"}, time.Hour)

	expired, _ := v.Sign(Identity{Subject: "user-1", Expires: now.Add(-time.Minute).Unix()}, 0)

	parts := strings.Split(good, ".")
	noneAlg := "eyJhbGciOiJub25lIn0." + parts[1] + "." + parts[2]

	hs384, err := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "accounts",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign hs384: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "garbage", token: "not-a-jwt", want: ErrInvalidToken},
		{name: "wrong secret", token: forged, want: ErrInvalidToken},
		{name: "wrong issuer", token: wrongIssuer, want: ErrInvalidToken},
		{name: "alg none", token: noneAlg, want: ErrInvalidToken},
		{name: "other hmac alg", token: hs384, want: ErrInvalidToken},
		{name: "tampered payload", token: parts[0] + "." + parts[1] + "x." + parts[2], want: ErrInvalidToken},
		{name: "expired", token: expired, want: ErrExpiredToken},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestVerifyAllowsClockSkew(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := fixedVerifier(t, "", now)
	token, err := v.Sign(Identity{Subject: "user-1", Expires: now.Add(-10 * time.Second).Unix()}, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(token); err != nil {
		t.Fatalf("expected token within leeway to verify, got %v", err)
	}
}

func TestNewVerifierRequiresSecretInProduction(t *testing.T) {
	if _, err := NewVerifier("production", " ", ""); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	if _, err := NewVerifier("dev", "", ""); err != nil {
		t.Fatalf("dev fallback: %v", err)
	}
}
