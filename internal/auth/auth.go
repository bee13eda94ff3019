// Package auth implements the access gate that decides whether an inbound
// caller may use the proxy.
//
// Authorization is only enforced when the proxy is bound to PublicHost and at
// least one access key is configured. Loopback and other explicit bindings are
// trusted implicitly.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// PublicHost is the bind address that turns on access key enforcement.
const PublicHost = "0.0.0.0"

const bearerPrefix = "Bearer "

var (
	ErrMissingAuthorizationHeader = errors.New("authorization header is missing")
	ErrInvalidAuthorizationScheme = errors.New("invalid authorization scheme")
	ErrUnauthorized               = errors.New("access key is invalid or missing")
)

// Error is a rejected authorization attempt. Kind is one of the Err* sentinels
// and can be matched with errors.Is.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

// Reason returns a short label for the rejection, suitable for metrics.
func (e *Error) Reason() string {
	switch e.Kind {
	case ErrMissingAuthorizationHeader:
		return "missing_header"
	case ErrInvalidAuthorizationScheme:
		return "invalid_scheme"
	default:
		return "unauthorized"
	}
}

func newError(kind error) *Error {
	var msg string
	switch kind {
	case ErrMissingAuthorizationHeader:
		msg = "Authorization header is missing"
	case ErrInvalidAuthorizationScheme:
		msg = "Invalid authorization scheme"
	default:
		msg = "Access key is invalid or missing"
	}
	return &Error{Kind: kind, Message: msg}
}

// Gate validates caller access keys against an allowlist.
type Gate struct {
	enforced bool
	keys     map[string]struct{} // keyhash set
}

// NewGate creates a gate for a proxy bound to host with the given allowlist.
func NewGate(host string, accessKeys []string) *Gate {
	g := &Gate{keys: make(map[string]struct{}, len(accessKeys))}
	for _, k := range accessKeys {
		g.keys[HashAPIKey(k)] = struct{}{}
	}
	g.enforced = host == PublicHost && len(g.keys) > 0
	return g
}

// Enforced reports whether Check inspects requests at all.
func (g *Gate) Enforced() bool {
	return g.enforced
}

// Check validates the Authorization header in h. It returns nil when the
// request may proceed, or an *Error describing the rejection.
func (g *Gate) Check(h http.Header) error {
	if !g.enforced {
		return nil
	}

	values := h.Values("Authorization")
	if len(values) == 0 {
		return newError(ErrMissingAuthorizationHeader)
	}

	token, ok := ExtractBearer(values[0])
	if !ok {
		return newError(ErrInvalidAuthorizationScheme)
	}

	if !g.allowed(token) {
		return newError(ErrUnauthorized)
	}
	return nil
}

func (g *Gate) allowed(token string) bool {
	keyHash := HashAPIKey(token)
	if _, ok := g.keys[keyHash]; !ok {
		return false
	}
	// Constant-time comparison to prevent timing attacks
	for known := range g.keys {
		if subtle.ConstantTimeCompare([]byte(keyHash), []byte(known)) == 1 {
			return true
		}
	}
	return false
}

// ExtractBearer returns the token from a "Bearer <token>" header value.
// The scheme is matched case-sensitively, including the single space.
func ExtractBearer(value string) (string, bool) {
	if !strings.HasPrefix(value, bearerPrefix) {
		return "", false
	}
	return value[len(bearerPrefix):], true
}

// HashAPIKey creates a SHA-256 hash of an API key so that the gate never
// holds caller keys in plain text.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError renders err as a 401 JSON response. Errors that are not *Error
// are reported as Unauthorized.
func WriteError(w http.ResponseWriter, err error) {
	var authErr *Error
	if !errors.As(err, &authErr) {
		authErr = newError(ErrUnauthorized)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:   "Unauthorized",
		Message: authErr.Message,
	})
}
