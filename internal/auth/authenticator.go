// Package auth resolves a bearer token into the calling user.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/qudata/provisioner/internal/domain"
)

// Authenticator turns an access token into a caller. Any failure is
// reported as domain.ErrUnauthenticated unless the backing store itself
// is unavailable.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.Caller, error)
}

// SessionStore is the storage surface session auth needs.
type SessionStore interface {
	GetSession(ctx context.Context, token string) (*domain.Session, error)
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
}

// SessionAuthenticator accepts tokens issued by the wallet service.
type SessionAuthenticator struct {
	store SessionStore
	now   func() time.Time
}

func NewSessionAuthenticator(store SessionStore) *SessionAuthenticator {
	return &SessionAuthenticator{store: store, now: time.Now}
}

func (a *SessionAuthenticator) Authenticate(ctx context.Context, token string) (*domain.Caller, error) {
	if token == "" {
		return nil, domain.ErrUnauthenticated{}
	}

	sess, err := a.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, domain.ErrUnauthenticated{}
		}
		return nil, domain.ErrPersistence{Op: "select session", Err: err}
	}
	if sess.Expired(a.now()) {
		return nil, domain.ErrUnauthenticated{}
	}

	return callerWithWallet(ctx, a.store, sess.UserID)
}

// callerWithWallet attaches the profile wallet when one exists. A user
// without a profile is still authenticated.
func callerWithWallet(ctx context.Context, store ProfileStore, userID string) (*domain.Caller, error) {
	caller := &domain.Caller{UserID: userID}
	profile, err := store.GetProfile(ctx, userID)
	switch {
	case err == nil:
		caller.WalletAddress = profile.WalletAddress
	case errors.Is(err, domain.ErrRecordNotFound):
	default:
		return nil, domain.ErrPersistence{Op: "select profile", Err: err}
	}
	return caller, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
