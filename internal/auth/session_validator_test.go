package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "gamesync"
	testSessionCookieName    = "gamesync_session"
	testSessionSubject       = "user-123"
	testSessionReplicaID     = "replica-phone"
)

func newTestValidator(t *testing.T, clock func() time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		CookieName:    testSessionCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestToken(t *testing.T, claims SessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) SessionClaims {
	return SessionClaims{
		ReplicaID: testSessionReplicaID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionSubject,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, func() time.Time { return clockNow })

	claims, err := validator.ValidateToken(signTestToken(t, validClaims(clockNow)))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Subject != testSessionSubject {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.ReplicaKey() != testSessionReplicaID {
		t.Fatalf("unexpected replica key: %s", claims.ReplicaKey())
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, func() time.Time { return clockNow })

	claims := validClaims(clockNow)
	claims.IssuedAt = jwt.NewNumericDate(clockNow.Add(-2 * time.Hour))
	claims.NotBefore = nil
	claims.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))

	if _, err := validator.ValidateToken(signTestToken(t, claims)); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignIssuerAndMissingSubject(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, func() time.Time { return clockNow })

	foreign := validClaims(clockNow)
	foreign.Issuer = "someone-else"
	if _, err := validator.ValidateToken(signTestToken(t, foreign)); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}

	anonymous := validClaims(clockNow)
	anonymous.Subject = " "
	if _, err := validator.ValidateToken(signTestToken(t, anonymous)); !errors.Is(err, ErrMissingSessionSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestSessionValidatorValidateRequestUsesBearerHeader(t *testing.T) {
	validator := newTestValidator(t, nil)
	signed := signTestToken(t, validClaims(time.Now()))

	request := httptest.NewRequest(http.MethodPost, "/sync/pull", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signed)

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.Subject != testSessionSubject {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}

	malformed := httptest.NewRequest(http.MethodPost, "/sync/pull", http.NoBody)
	malformed.Header.Set("Authorization", "Basic abc")
	if _, err := validator.ValidateRequest(malformed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for non-bearer scheme, got %v", err)
	}
}

func TestSessionValidatorValidateRequestUsesCookie(t *testing.T) {
	validator := newTestValidator(t, nil)
	signed := signTestToken(t, validClaims(time.Now()))

	request := httptest.NewRequest(http.MethodPost, "/sync/pull", http.NoBody)
	request.AddCookie(&http.Cookie{
		Name:  testSessionCookieName,
		Value: signed,
	})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.Subject != testSessionSubject {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}

	if _, err := validator.ValidateRequest(httptest.NewRequest(http.MethodPost, "/sync/pull", http.NoBody)); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestSessionClaimsReplicaKeyFallsBackToSubject(t *testing.T) {
	claims := SessionClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: " laptop "}}
	if claims.ReplicaKey() != "laptop" {
		t.Fatalf("expected subject fallback, got %q", claims.ReplicaKey())
	}
}
