// Package auth verifies the bearer credential presented at the WebSocket
// handshake and issues credentials for tooling.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/realmchat/internal/chat"
)

const issuer = "realmchat"

// Claims carries the identity inside a token. The subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) (*Verifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for identity that expires after ttl.
func (v *Verifier) Issue(identity chat.Identity, ttl time.Duration) (string, error) {
	if !identity.Valid() {
		return "", chat.ErrInvalidIdentity
	}
	now := v.now()
	claims := &Claims{
		Name: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses credential and returns the identity it names. Every failure
// wraps chat.ErrAuthRejected.
func (v *Verifier) Verify(_ context.Context, credential string) (chat.Identity, error) {
	if credential == "" {
		return chat.Identity{}, fmt.Errorf("%w: missing credential", chat.ErrAuthRejected)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return chat.Identity{}, fmt.Errorf("%w: %w", chat.ErrAuthRejected, err)
	}
	identity := chat.Identity{UserID: claims.Subject, DisplayName: strings.TrimSpace(claims.Name)}
	if !identity.Valid() {
		return chat.Identity{}, fmt.Errorf("%w: token has no subject", chat.ErrAuthRejected)
	}
	return identity, nil
}

// CredentialFromRequest extracts the bearer token from the Authorization
// header, or from the token query parameter for browser clients that cannot
// set headers on a WebSocket handshake.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
