package business

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/antinvestor/service-link/internal/resilience"
	"github.com/pitabwire/util"
)

var (
	// ErrMissingCredential is returned when no credential can be extracted
	// from the connection-establishment request.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential is returned (or wrapped) by verifiers for
	// credentials that fail verification.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrCapacityExceeded is returned when the instance is at its
	// connection ceiling. Recoverable for the client: try another instance.
	ErrCapacityExceeded = errors.New("connection capacity exceeded")
	// ErrAuthUnavailable is returned when verification itself failed for
	// reasons unrelated to the credential (verifier outage, timeout).
	ErrAuthUnavailable = errors.New("credential verification unavailable")
)

const defaultVerifyTimeout = 5 * time.Second

// VerifierFunc validates a bearer credential and returns the authenticated
// user ID. Implementations signal a bad credential by returning (or
// wrapping) ErrInvalidCredential; any other error is treated as a verifier
// availability problem, not a rejection of the client.
type VerifierFunc func(ctx context.Context, credential string) (string, error)

// AuthResult is the outcome of a successful handshake authentication.
type AuthResult struct {
	UserID          string
	AuthenticatedAt time.Time
}

// CapacitySource exposes the registry counters the authenticator consults
// before spending any verification work.
type CapacitySource interface {
	ActiveConnections() int
	Capacity() int
}

// Authenticator validates bearer credentials during connection
// establishment. It is a pure function over the credential: it never
// mutates registry state itself; admission after success is the caller's
// responsibility. A connection is AUTHENTICATED for its whole lifetime
// once admitted; re-authentication requires a new connection.
type Authenticator struct {
	verifier      VerifierFunc
	capacity      CapacitySource
	breaker       *resilience.CircuitBreaker
	verifyTimeout time.Duration
}

// NewAuthenticator creates an authenticator around the supplied verifier.
// The verifier may be a remote lookup, so each call is bounded by
// verifyTimeout and guarded by a circuit breaker; capacity may be nil for
// deployments without a ceiling.
func NewAuthenticator(verifier VerifierFunc, capacity CapacitySource, verifyTimeout time.Duration) *Authenticator {
	if verifyTimeout <= 0 {
		verifyTimeout = defaultVerifyTimeout
	}

	return &Authenticator{
		verifier: verifier,
		capacity: capacity,
		breaker: resilience.NewCircuitBreaker(resilience.Settings{
			Name:        "credential-verifier",
			CallTimeout: verifyTimeout,
		}),
		verifyTimeout: verifyTimeout,
	}
}

// Authenticate validates a credential. The connection-count ceiling is
// checked before credential verification so a connection storm is shed
// without spending verification work on doomed attempts.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (AuthResult, error) {
	if a.capacity != nil && a.capacity.Capacity() > 0 &&
		a.capacity.ActiveConnections() >= a.capacity.Capacity() {
		return AuthResult{}, ErrCapacityExceeded
	}

	if credential == "" {
		return AuthResult{}, ErrMissingCredential
	}

	var userID string
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		var verifyErr error
		userID, verifyErr = a.verifier(ctx, credential)
		return verifyErr
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			return AuthResult{}, err
		}
		util.Log(ctx).WithError(err).Warn("credential verification failed")
		return AuthResult{}, fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
	}

	if userID == "" {
		return AuthResult{}, fmt.Errorf("%w: verifier returned empty user id", ErrInvalidCredential)
	}

	return AuthResult{UserID: userID, AuthenticatedAt: time.Now()}, nil
}

// ExtractCredential pulls the bearer credential from a connection
// establishment request. Precedence is query parameter `token`, then
// `Authorization: Bearer`, then the custom `Token` header; first non-empty
// match wins. The ordering is a compatibility contract: browser WebSocket
// clients cannot set custom headers during the upgrade handshake, so the
// query parameter must always be honoured first.
func ExtractCredential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
			return token
		}
	}

	return r.Header.Get("Token")
}
