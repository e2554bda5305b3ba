package planboard

import (
	"fmt"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Credential Provider
// ============================================================================

// CredentialProvider holds the access/refresh token pair shared by the HTTP
// layer and the realtime connection. Implementations must be safe for
// concurrent use; the SDK reads tokens on every request and writes them only
// from the login, refresh, and logout flows.
type CredentialProvider interface {
	AccessToken() string
	RefreshToken() string
	SetTokens(access, refresh string)
	Clear()
}

// MemoryCredentials is the default in-memory CredentialProvider. It also
// tracks the authenticated flag: true after a token pair is stored, false
// after Clear.
type MemoryCredentials struct {
	mu            sync.RWMutex
	access        string
	refresh       string
	authenticated bool
}

// NewMemoryCredentials creates an empty credential store.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{}
}

// AccessToken returns the current access token, or "" if none is stored.
func (m *MemoryCredentials) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.access
}

// RefreshToken returns the current refresh token, or "" if none is stored.
func (m *MemoryCredentials) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refresh
}

// SetTokens stores a token pair. An empty refresh keeps the existing one,
// since the refresh endpoint may return only a new access token.
func (m *MemoryCredentials) SetTokens(access, refresh string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access = access
	if refresh != "" {
		m.refresh = refresh
	}
	m.authenticated = access != ""
}

// Clear removes both tokens and flips the authenticated flag false.
func (m *MemoryCredentials) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access = ""
	m.refresh = ""
	m.authenticated = false
}

// Authenticated reports whether a session is currently established.
func (m *MemoryCredentials) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authenticated
}

// ============================================================================
// Token inspection
// ============================================================================

// TokenExpiry reads the exp claim of a JWT without verifying the signature.
// The server is the authority on validity; this is only used to display and
// anticipate expiry client-side.
func TokenExpiry(token string) (time.Time, error) {
	claims, err := parseUnverified(token)
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return exp.Time, nil
}

// TokenSubject reads the user identity claim of a JWT without verifying the
// signature. Falls back from user_id to sub.
func TokenSubject(token string) (string, error) {
	claims, err := parseUnverified(token)
	if err != nil {
		return "", err
	}
	if userID, ok := claims["user_id"]; ok {
		return fmt.Sprintf("%v", userID), nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("token has no user_id or sub claim")
}

func parseUnverified(token string) (gojwt.MapClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	return claims, nil
}
