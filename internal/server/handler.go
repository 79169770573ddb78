package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/qudata/provisioner/internal/auth"
	"github.com/qudata/provisioner/internal/domain"
	"github.com/qudata/provisioner/internal/fleet"
	"github.com/qudata/provisioner/internal/wallet"
)

// Dispatcher runs lifecycle actions on behalf of a caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, caller *domain.Caller, req domain.Request) (any, error)
}

// Wallets manages wallet-bound sessions.
type Wallets interface {
	Connect(ctx context.Context, publicKey string) (*wallet.Connection, error)
	Session(ctx context.Context, token string) (*domain.Caller, error)
	Disconnect(ctx context.Context, token string) error
}

// Fleet serves per-owner availability history.
type Fleet interface {
	History(ctx context.Context, owner fleet.Owner) []fleet.Sample
	Watch(owner fleet.Owner) (<-chan fleet.Sample, func())
}

type Handler struct {
	dispatcher Dispatcher
	auth       auth.Authenticator
	wallets    Wallets
	fleet      Fleet
	metrics    http.Handler
	logger     *slog.Logger
}

// NewHandler wires the HTTP surface. wallets, fleet and metrics may be nil,
// in which case their routes are not registered.
func NewHandler(
	dispatcher Dispatcher,
	authenticator auth.Authenticator,
	wallets Wallets,
	fleetHub Fleet,
	metrics http.Handler,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		auth:       authenticator,
		wallets:    wallets,
		fleet:      fleetHub,
		metrics:    metrics,
		logger:     logger,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// caller resolves the bearer token. A missing or rejected token yields a
// nil caller and a domain.ErrUnauthenticated.
func (h *Handler) caller(c *gin.Context) (*domain.Caller, error) {
	token := auth.BearerToken(c.GetHeader("Authorization"))
	return h.auth.Authenticate(c.Request.Context(), token)
}

// Provision is the lifecycle dispatcher endpoint. Every failure is a 400
// carrying {error}.
func (h *Handler) Provision(c *gin.Context) {
	caller, authErr := h.caller(c)
	if authErr != nil {
		caller = nil
		if !domain.IsUnauthenticated(authErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": authErr.Error()})
			return
		}
	}

	var req domain.Request
	if err := c.ShouldBindJSON(&req); err != nil && caller != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	body, err := h.dispatcher.Dispatch(c.Request.Context(), caller, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, body)
}

type connectRequest struct {
	PublicKey string `json:"publicKey" binding:"required"`
}

func (h *Handler) ConnectWallet(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "publicKey is required"})
		return
	}

	conn, err := h.wallets.Connect(c.Request.Context(), req.PublicKey)
	if err != nil {
		h.fail(c, "wallet connect failed", err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *Handler) WalletSession(c *gin.Context) {
	token := auth.BearerToken(c.GetHeader("Authorization"))
	caller, err := h.wallets.Session(c.Request.Context(), token)
	if err != nil {
		h.fail(c, "wallet session lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":        caller.UserID,
		"walletAddress": caller.WalletAddress,
	})
}

func (h *Handler) DisconnectWallet(c *gin.Context) {
	token := auth.BearerToken(c.GetHeader("Authorization"))
	if err := h.wallets.Disconnect(c.Request.Context(), token); err != nil {
		h.fail(c, "wallet disconnect failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ownerOf authenticates the request and returns the fleet it may read:
// the caller's own records under the caller's wallet.
func (h *Handler) ownerOf(c *gin.Context) (fleet.Owner, bool) {
	caller, err := h.caller(c)
	if err != nil {
		h.fail(c, "fleet auth failed", err)
		return fleet.Owner{}, false
	}
	if caller.WalletAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Wallet not connected"})
		return fleet.Owner{}, false
	}
	return fleet.Owner{UserID: caller.UserID, Wallet: caller.WalletAddress}, true
}

func (h *Handler) FleetHistory(c *gin.Context) {
	owner, ok := h.ownerOf(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"historicalData": h.fleet.History(c.Request.Context(), owner)})
}

// FleetStream sends the current history as one "history" event and then
// a "sample" event per refresh until the client goes away.
func (h *Handler) FleetStream(c *gin.Context) {
	owner, ok := h.ownerOf(c)
	if !ok {
		return
	}

	samples, stop := h.fleet.Watch(owner)
	defer stop()

	ctx := c.Request.Context()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("history", h.fleet.History(ctx, owner))
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case s, open := <-samples:
			if !open {
				return false
			}
			c.SSEvent("sample", s)
			return true
		}
	})
}

// fail maps an error to a status for the non-dispatcher endpoints.
func (h *Handler) fail(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	var ir domain.ErrInvalidRequest
	switch {
	case domain.IsUnauthenticated(err):
		status = http.StatusUnauthorized
	case errors.As(err, &ir):
		status = http.StatusBadRequest
	default:
		h.logger.Error(msg, "err", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
