// Package wallet binds a browser wallet's public key to an anonymous
// user and issues the session token the rest of the API authenticates with.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/qudata/provisioner/internal/domain"
)

// publicKeySize is the length of an ed25519 wallet public key.
const publicKeySize = 32

// Store is the persistence surface the wallet service needs.
type Store interface {
	UpsertProfile(ctx context.Context, userID, wallet string) error
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	CreateSession(ctx context.Context, sess *domain.Session) error
	GetSession(ctx context.Context, token string) (*domain.Session, error)
	DeleteSession(ctx context.Context, token string) error
}

// Connection is what a successful connect hands back to the client.
type Connection struct {
	Token         string    `json:"token"`
	UserID        string    `json:"userId"`
	WalletAddress string    `json:"walletAddress"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type Service struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	now      func() time.Time
	newUser  func() string
	newToken func() (string, error)
}

func NewService(store Store, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		newUser:  uuid.NewString,
		newToken: randomToken,
	}
}

// ValidatePublicKey checks that key is a base58 encoded 32 byte key.
func ValidatePublicKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrInvalidRequest{Field: "publicKey", Reason: "required"}
	}
	raw, err := base58.Decode(key)
	if err != nil {
		return domain.ErrInvalidRequest{Field: "publicKey", Reason: "not base58"}
	}
	if len(raw) != publicKeySize {
		return domain.ErrInvalidRequest{Field: "publicKey", Reason: fmt.Sprintf("decodes to %d bytes, want %d", len(raw), publicKeySize)}
	}
	return nil
}

// Connect signs a new anonymous user in for publicKey, records the wallet
// on its profile and opens a session.
func (s *Service) Connect(ctx context.Context, publicKey string) (*Connection, error) {
	publicKey = strings.TrimSpace(publicKey)
	if err := ValidatePublicKey(publicKey); err != nil {
		return nil, err
	}

	userID := s.newUser()
	if err := s.store.UpsertProfile(ctx, userID, publicKey); err != nil {
		return nil, domain.ErrPersistence{Op: "upsert profile", Err: err}
	}

	token, err := s.newToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	now := s.now().UTC()
	sess := &domain.Session{
		Token:     token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, domain.ErrPersistence{Op: "create session", Err: err}
	}

	s.logger.Info("wallet connected", "user_id", userID, "wallet", publicKey)
	return &Connection{
		Token:         token,
		UserID:        userID,
		WalletAddress: publicKey,
		ExpiresAt:     sess.ExpiresAt,
	}, nil
}

// Session resolves token to its caller.
func (s *Service) Session(ctx context.Context, token string) (*domain.Caller, error) {
	if token == "" {
		return nil, domain.ErrUnauthenticated{}
	}
	sess, err := s.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, domain.ErrUnauthenticated{}
		}
		return nil, domain.ErrPersistence{Op: "select session", Err: err}
	}
	if sess.Expired(s.now()) {
		return nil, domain.ErrUnauthenticated{}
	}

	caller := &domain.Caller{UserID: sess.UserID}
	profile, err := s.store.GetProfile(ctx, sess.UserID)
	switch {
	case err == nil:
		caller.WalletAddress = profile.WalletAddress
	case errors.Is(err, domain.ErrRecordNotFound):
	default:
		return nil, domain.ErrPersistence{Op: "select profile", Err: err}
	}
	return caller, nil
}

// Disconnect signs the session out. Unknown tokens are not an error.
func (s *Service) Disconnect(ctx context.Context, token string) error {
	if token == "" {
		return domain.ErrUnauthenticated{}
	}
	if err := s.store.DeleteSession(ctx, token); err != nil {
		return domain.ErrPersistence{Op: "delete session", Err: err}
	}
	s.logger.Info("wallet disconnected")
	return nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
