package jwt

import (
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwtlib.RegisteredClaims) string {
	t.Helper()
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("issuer-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestExpiryReadsClaimWithoutKey(t *testing.T) {
	exp := time.Now().Add(2 * time.Minute).Truncate(time.Second)
	token := signed(t, jwtlib.RegisteredClaims{ExpiresAt: jwtlib.NewNumericDate(exp)})
	got, err := Expiry(token)
	if err != nil {
		t.Fatalf("expiry: %v", err)
	}
	if !got.Equal(exp) {
		t.Fatalf("expected %s, got %s", exp, got)
	}
}

func TestExpiryWithoutClaim(t *testing.T) {
	token := signed(t, jwtlib.RegisteredClaims{Issuer: "fal"})
	if _, err := Expiry(token); !errors.Is(err, ErrNoExpiry) {
		t.Fatalf("expected ErrNoExpiry, got %v", err)
	}
}

func TestLifetime(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	short := signed(t, jwtlib.RegisteredClaims{ExpiresAt: jwtlib.NewNumericDate(now.Add(time.Minute))})
	long := signed(t, jwtlib.RegisteredClaims{ExpiresAt: jwtlib.NewNumericDate(now.Add(time.Hour))})

	if got := Lifetime(short, now, 5*time.Minute); got != time.Minute {
		t.Fatalf("expected granted minute, got %s", got)
	}
	if got := Lifetime(long, now, 5*time.Minute); got != 5*time.Minute {
		t.Fatalf("expected requested cap, got %s", got)
	}
	if got := Lifetime("abc123", now, 5*time.Minute); got != 5*time.Minute {
		t.Fatalf("expected opaque token to keep requested lifetime, got %s", got)
	}
}

func TestLifetimeIgnoresSkewedExpiry(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	past := signed(t, jwtlib.RegisteredClaims{ExpiresAt: jwtlib.NewNumericDate(now.Add(-time.Minute))})
	atIssue := signed(t, jwtlib.RegisteredClaims{ExpiresAt: jwtlib.NewNumericDate(now)})
	tiny := signed(t, jwtlib.RegisteredClaims{ExpiresAt: jwtlib.NewNumericDate(now.Add(10 * time.Second))})
	tenth := signed(t, jwtlib.RegisteredClaims{ExpiresAt: jwtlib.NewNumericDate(now.Add(30 * time.Second))})

	cases := []struct {
		name  string
		token string
		want  time.Duration
	}{
		{"expired before issue", past, 5 * time.Minute},
		{"expires at issue", atIssue, 5 * time.Minute},
		{"below a tenth", tiny, 5 * time.Minute},
		{"exactly a tenth", tenth, 30 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Lifetime(tc.token, now, 5*time.Minute); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
