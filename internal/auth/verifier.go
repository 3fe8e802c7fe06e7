// Package auth verifies the opaque bearer credential presented at connection
// time. Tokens are HS256 JWTs minted by the external login service; this
// package only validates and resolves them, it never issues credentials.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any credential that cannot be resolved to
// a user identity: missing, malformed, expired, or signed with the wrong key.
// Callers must reject the connection before creating any session state.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the resolved user behind a verified credential. It is fixed for
// the lifetime of the connection that presented the token.
type Identity struct {
	UserID int64
	Email  string
	Name   string
}

// Verifier validates bearer tokens against a shared HMAC secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a Verifier for HS256-signed tokens. The secret must
// match the key used by the login service.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{
		secret: secret,
		parser: jwt.NewParser(
			// Restrict to the HMAC family so an attacker cannot downgrade
			// to "none" or swap in an asymmetric key.
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		),
	}
}

// claims is the expected token payload. The login service signs
// {sub: <user id>, email, name, iat, exp}.
type claims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// Verify validates the token and resolves it to an Identity. Every failure
// mode collapses to ErrInvalidToken (wrapped with the cause) so the transport
// layer has exactly one rejection path.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty credential", ErrInvalidToken)
	}

	var c claims
	parsed, err := v.parser.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	sub, err := c.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || userID <= 0 {
		return Identity{}, fmt.Errorf("%w: malformed subject %q", ErrInvalidToken, sub)
	}

	return Identity{UserID: userID, Email: c.Email, Name: c.Name}, nil
}

// TokenFromRequest extracts the bearer credential from an upgrade request.
// It checks the Authorization header first and falls back to the "token"
// query parameter, since browser and mobile WebSocket clients cannot always
// set custom headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return h
	}
	return r.URL.Query().Get("token")
}

// Sign mints a token for the given identity, valid for ttl. The login
// service owns credential issuance in production; this helper exists for
// tests and local tooling.
func Sign(secret []byte, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email: id.Email,
		Name:  id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := t.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
