package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/qudata/provisioner/internal/domain"
)

// ProfileStore is the storage surface GoTrue auth needs.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
}

// GoTrue validates access tokens against a Supabase auth server.
type GoTrue struct {
	baseURL string
	anonKey string
	http    *http.Client
	store   ProfileStore
	logger  *slog.Logger
}

type gotrueUser struct {
	ID string `json:"id"`
}

func NewGoTrue(baseURL, anonKey string, timeout time.Duration, store ProfileStore, logger *slog.Logger) *GoTrue {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.HTTPClient.Timeout = timeout

	return &GoTrue{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		http:    retryClient.StandardClient(),
		store:   store,
		logger:  logger,
	}
}

func (g *GoTrue) Authenticate(ctx context.Context, token string) (*domain.Caller, error) {
	if token == "" {
		return nil, domain.ErrUnauthenticated{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", g.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.http.Do(req)
	if err != nil {
		g.logger.Warn("auth server unreachable", "err", err)
		return nil, domain.ErrUnauthenticated{}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		g.logger.Debug("token rejected by auth server", "status", resp.StatusCode)
		return nil, domain.ErrUnauthenticated{}
	}

	var user gotrueUser
	if err := json.Unmarshal(body, &user); err != nil || user.ID == "" {
		return nil, domain.ErrUnauthenticated{}
	}

	return callerWithWallet(ctx, g.store, user.ID)
}
