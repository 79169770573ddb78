// Package dispatcher maps a caller's lifecycle action onto one provider
// API call and reconciles the outcome into the caller's instance records.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qudata/provisioner/internal/domain"
	"github.com/qudata/provisioner/internal/notify"
	"github.com/qudata/provisioner/internal/telemetry"
	"github.com/qudata/provisioner/internal/vultr"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider is the cloud API surface the dispatcher needs.
type Provider interface {
	Configured() bool
	ListOS(ctx context.Context) (json.RawMessage, error)
	CreateInstance(ctx context.Context, req vultr.CreateInstanceRequest) (*vultr.InstanceResponse, error)
	StartInstance(ctx context.Context, id string) error
	HaltInstance(ctx context.Context, id string) error
	GetInstance(ctx context.Context, id string) (*vultr.InstanceResponse, error)
	DeleteInstance(ctx context.Context, id string) error
}

// Store is the persistence surface the dispatcher needs.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	InsertInstance(ctx context.Context, in *domain.Instance) error
	GetOwnedInstance(ctx context.Context, id, userID string) (*domain.Instance, error)
	UpdateInstanceStatus(ctx context.Context, id, userID string, status domain.InstanceStatus) error
	UpdateInstanceNetwork(ctx context.Context, id, userID string, u domain.NetworkUpdate) error
	DeleteInstance(ctx context.Context, id, userID string) error
}

// Success is the body returned by actions without a provider payload.
type Success struct {
	Success bool `json:"success"`
}

// Options carries optional collaborators. Zero values disable them.
type Options struct {
	CompensateFailedCreate bool
	Broker                 notify.Broker
	Metrics                *telemetry.Metrics
	Tracer                 trace.Tracer
}

type Dispatcher struct {
	provider Provider
	store    Store
	logger   *slog.Logger

	broker     notify.Broker
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	compensate bool

	locks *opLocks
	newID func() string
}

func New(provider Provider, store Store, logger *slog.Logger, opts Options) *Dispatcher {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("dispatcher")
	}
	return &Dispatcher{
		provider:   provider,
		store:      store,
		logger:     logger,
		broker:     opts.Broker,
		metrics:    opts.Metrics,
		tracer:     tracer,
		compensate: opts.CompensateFailedCreate,
		locks:      newOpLocks(),
		newID:      uuid.NewString,
	}
}

// Dispatch runs one action for caller. A nil caller is unauthenticated.
// The returned body is either the provider's payload verbatim or Success.
func (d *Dispatcher) Dispatch(ctx context.Context, caller *domain.Caller, req domain.Request) (any, error) {
	action, known := domain.ParseAction(req.Action)
	label := string(action)
	if !known {
		label = "unknown"
	}

	// Once issued, provider calls and the follow-up write run to completion
	// even if the client goes away.
	ctx = context.WithoutCancel(ctx)
	ctx, span := d.tracer.Start(ctx, "dispatch "+label, trace.WithAttributes(telemetry.ActionAttr(label)))
	defer span.End()

	body, err := d.dispatch(ctx, caller, action, known, req)

	if d.metrics != nil {
		d.metrics.Dispatches.WithLabelValues(label, domain.Kind(err)).Inc()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		attrs := []any{"action", req.Action, "kind", domain.Kind(err), "err", err}
		if caller != nil {
			attrs = append(attrs, "user_id", caller.UserID)
		}
		if req.ServerID != "" {
			attrs = append(attrs, "server_id", req.ServerID)
		}
		d.logger.Error("dispatch failed", attrs...)
		return nil, err
	}
	return body, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, caller *domain.Caller, action domain.Action, known bool, req domain.Request) (any, error) {
	if caller == nil || caller.UserID == "" {
		return nil, domain.ErrUnauthenticated{}
	}
	if !d.provider.Configured() {
		return nil, domain.ErrMisconfigured{Setting: "VULTR_API_KEY"}
	}
	if !known {
		return nil, domain.ErrInvalidAction{Action: req.Action}
	}

	switch action {
	case domain.ActionListOS:
		return d.provider.ListOS(ctx)
	case domain.ActionCreate:
		return d.create(ctx, caller, req.ServerConfig)
	case domain.ActionStart, domain.ActionStop:
		return d.power(ctx, caller, action, req.ServerID)
	case domain.ActionRefresh:
		return d.refresh(ctx, caller, req.ServerID)
	case domain.ActionDelete:
		return d.delete(ctx, caller, req.ServerID)
	default:
		return nil, domain.ErrInvalidAction{Action: req.Action}
	}
}

func validateServerConfig(cfg *domain.ServerConfig) error {
	if cfg == nil {
		return domain.ErrInvalidRequest{Field: "serverConfig", Reason: "required"}
	}
	switch {
	case strings.TrimSpace(cfg.Region) == "":
		return domain.ErrInvalidRequest{Field: "region", Reason: "required"}
	case strings.TrimSpace(cfg.Plan) == "":
		return domain.ErrInvalidRequest{Field: "plan", Reason: "required"}
	case cfg.OSID <= 0:
		return domain.ErrInvalidRequest{Field: "os_id", Reason: "must be positive"}
	case strings.TrimSpace(cfg.Label) == "":
		return domain.ErrInvalidRequest{Field: "label", Reason: "required"}
	}
	return nil
}

func (d *Dispatcher) create(ctx context.Context, caller *domain.Caller, cfg *domain.ServerConfig) (any, error) {
	if err := validateServerConfig(cfg); err != nil {
		return nil, err
	}

	wallet := caller.WalletAddress
	if wallet == "" {
		profile, err := d.store.GetProfile(ctx, caller.UserID)
		switch {
		case err == nil:
			wallet = profile.WalletAddress
		case errors.Is(err, domain.ErrRecordNotFound):
		default:
			return nil, domain.ErrPersistence{Op: "select profile", Err: err}
		}
	}

	resp, err := d.provider.CreateInstance(ctx, vultr.CreateInstanceRequest{
		Region:          cfg.Region,
		Plan:            cfg.Plan,
		OSID:            cfg.OSID,
		Label:           cfg.Label,
		EnableIPv6:      true,
		Backups:         "disabled",
		DDoSProtection:  false,
		ActivationEmail: false,
	})
	if err != nil {
		return nil, err
	}

	pi := resp.Instance
	record := &domain.Instance{
		ID:              d.newID(),
		UserID:          caller.UserID,
		WalletAddress:   wallet,
		Name:            cfg.Label,
		DropletID:       pi.ID,
		Status:          domain.StatusProvisioning,
		Region:          orString(pi.Region, cfg.Region),
		OperatingSystem: strconv.Itoa(cfg.OSID),
		VCPUCount:       orInt(pi.VCPUCount, domain.DefaultVCPUCount),
		RAMMB:           orInt(pi.RAM, domain.DefaultRAMMB),
		DiskGB:          orInt(pi.Disk, domain.DefaultDiskGB),
		IPAddress:       pi.MainIP,
		ActualIP:        pi.MainIP,
		IPv6Address:     pi.V6MainIP,
		RootPassword:    pi.DefaultPassword,
	}

	if err := d.store.InsertInstance(ctx, record); err != nil {
		d.logger.Error("database insert failed after provider create",
			"droplet_id", pi.ID,
			"user_id", caller.UserID,
			"err", err,
		)
		if d.compensate && pi.ID != "" {
			d.compensateCreate(ctx, pi.ID)
		}
		return nil, domain.ErrPersistence{Op: "insert instance", Err: err}
	}

	d.logger.Info("instance created",
		"id", record.ID,
		"droplet_id", record.DropletID,
		"region", record.Region,
		"user_id", caller.UserID,
	)
	d.publish(ctx, wallet)
	return resp.Raw, nil
}

func (d *Dispatcher) compensateCreate(ctx context.Context, dropletID string) {
	if err := d.provider.DeleteInstance(ctx, dropletID); err != nil {
		d.logger.Error("compensating delete failed, instance is orphaned at provider",
			"droplet_id", dropletID,
			"err", err,
		)
		return
	}
	d.logger.Warn("compensating delete issued for unrecorded instance", "droplet_id", dropletID)
}

// owned looks the record up under the caller's ownership. It must run
// before any provider call.
func (d *Dispatcher) owned(ctx context.Context, caller *domain.Caller, serverID string) (*domain.Instance, error) {
	if serverID == "" {
		return nil, domain.ErrNotFound{}
	}
	in, err := d.store.GetOwnedInstance(ctx, serverID, caller.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, domain.ErrNotFound{ID: serverID}
		}
		return nil, domain.ErrPersistence{Op: "select instance", Err: err}
	}
	if in.DropletID == "" {
		return nil, domain.ErrNotFound{ID: serverID}
	}
	return in, nil
}

func (d *Dispatcher) power(ctx context.Context, caller *domain.Caller, action domain.Action, serverID string) (any, error) {
	if serverID == "" {
		return nil, domain.ErrNotFound{}
	}
	release := d.locks.acquire(serverID)
	defer release()

	in, err := d.owned(ctx, caller, serverID)
	if err != nil {
		return nil, err
	}

	status := domain.StatusOnline
	if action == domain.ActionStart {
		err = d.provider.StartInstance(ctx, in.DropletID)
	} else {
		status = domain.StatusOffline
		err = d.provider.HaltInstance(ctx, in.DropletID)
	}
	if err != nil {
		return nil, err
	}

	if err := d.store.UpdateInstanceStatus(ctx, in.ID, caller.UserID, status); err != nil {
		return nil, d.writeError("update instance status", in.ID, err)
	}

	d.publish(ctx, in.WalletAddress)
	return Success{Success: true}, nil
}

func (d *Dispatcher) refresh(ctx context.Context, caller *domain.Caller, serverID string) (any, error) {
	if serverID == "" {
		return nil, domain.ErrNotFound{}
	}
	release := d.locks.acquire(serverID)
	defer release()

	in, err := d.owned(ctx, caller, serverID)
	if err != nil {
		return nil, err
	}

	resp, err := d.provider.GetInstance(ctx, in.DropletID)
	if err != nil {
		return nil, err
	}

	pi := resp.Instance
	update := domain.NetworkUpdate{
		Status:      domain.StatusFromProvider(pi.Status),
		IPAddress:   pi.MainIP,
		ActualIP:    pi.MainIP,
		IPv6Address: pi.V6MainIP,
	}
	if err := d.store.UpdateInstanceNetwork(ctx, in.ID, caller.UserID, update); err != nil {
		return nil, d.writeError("update instance network", in.ID, err)
	}

	d.publish(ctx, in.WalletAddress)
	return resp.Raw, nil
}

func (d *Dispatcher) delete(ctx context.Context, caller *domain.Caller, serverID string) (any, error) {
	if serverID == "" {
		return nil, domain.ErrNotFound{}
	}
	release := d.locks.acquire(serverID)
	defer release()

	in, err := d.owned(ctx, caller, serverID)
	if err != nil {
		return nil, err
	}

	if err := d.provider.DeleteInstance(ctx, in.DropletID); err != nil {
		return nil, err
	}

	if err := d.store.DeleteInstance(ctx, in.ID, caller.UserID); err != nil {
		return nil, d.writeError("delete instance", in.ID, err)
	}

	d.logger.Info("instance deleted", "id", in.ID, "droplet_id", in.DropletID, "user_id", caller.UserID)
	d.publish(ctx, in.WalletAddress)
	return Success{Success: true}, nil
}

// writeError maps a failed write. A row that vanished between lookup and
// write was deleted concurrently by its owner.
func (d *Dispatcher) writeError(op, id string, err error) error {
	if errors.Is(err, domain.ErrRecordNotFound) {
		return domain.ErrNotFound{ID: id}
	}
	return domain.ErrPersistence{Op: op, Err: err}
}

func (d *Dispatcher) publish(ctx context.Context, wallet string) {
	if d.broker == nil || wallet == "" {
		return
	}
	if err := d.broker.Publish(ctx, wallet); err != nil {
		d.logger.Warn("publish change notification failed", "wallet", wallet, "err", err)
	}
}

func orString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
