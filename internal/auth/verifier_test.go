package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

var testSecret = []byte("test-secret")

func TestVerify_ValidToken(t *testing.T) {
	token, err := Sign(testSecret, Identity{UserID: 42, Email: "a@example.com", Name: "Alice"}, time.Hour)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	v := NewVerifier(testSecret)
	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if id.UserID != 42 {
		t.Errorf("expected user ID 42, got %d", id.UserID)
	}
	if id.Email != "a@example.com" {
		t.Errorf("unexpected email: %s", id.Email)
	}
	if id.Name != "Alice" {
		t.Errorf("unexpected name: %s", id.Name)
	}
}

func TestVerify_EmptyToken(t *testing.T) {
	v := NewVerifier(testSecret)
	if _, err := v.Verify(""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_MalformedToken(t *testing.T) {
	v := NewVerifier(testSecret)
	if _, err := v.Verify("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	token, err := Sign([]byte("other-secret"), Identity{UserID: 1}, time.Hour)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	v := NewVerifier(testSecret)
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for wrong key, got %v", err)
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	token, err := Sign(testSecret, Identity{UserID: 1}, -time.Minute)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	v := NewVerifier(testSecret)
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerify_NonNumericSubject(t *testing.T) {
	// Identity with zero user ID serializes to subject "0", which the
	// verifier rejects as out of range.
	token, err := Sign(testSecret, Identity{UserID: 0}, time.Hour)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	v := NewVerifier(testSecret)
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for zero subject, got %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	cases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "bearer header", header: "Bearer abc123", want: "abc123"},
		{name: "bare header", header: "abc123", want: "abc123"},
		{name: "query param", query: "?token=qtok", want: "qtok"},
		{name: "header wins over query", header: "Bearer h", query: "?token=q", want: "h"},
		{name: "nothing", want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws"+tc.query, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := TokenFromRequest(r); got != tc.want {
				t.Errorf("TokenFromRequest() = %q, want %q", got, tc.want)
			}
		})
	}
}
