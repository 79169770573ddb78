package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "instances.changed."

// NATS is a Broker backed by a NATS connection, so every replica sees the
// changes made by the others.
type NATS struct {
	nc     *nats.Conn
	logger *slog.Logger
}

func NewNATS(url string, logger *slog.Logger) (*NATS, error) {
	opts := []nats.Option{
		nats.Name("provisioner"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATS{nc: nc, logger: logger}, nil
}

// Subject returns the NATS subject carrying changes for wallet.
func Subject(wallet string) string {
	// Wallet addresses are base58 and never contain subject separators,
	// but guard against tokens NATS would reject.
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return subjectPrefix + r.Replace(wallet)
}

func (n *NATS) Publish(_ context.Context, wallet string) error {
	if n.nc == nil || n.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return n.nc.Publish(Subject(wallet), nil)
}

func (n *NATS) Subscribe(wallet string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	var mu sync.Mutex
	closed := false

	sub, err := n.nc.Subscribe(Subject(wallet), func(*nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			signal(ch)
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", Subject(wallet), err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				n.logger.Debug("nats unsubscribe", "err", err)
			}
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel, nil
}

func (n *NATS) Close() error {
	if n.nc != nil {
		if err := n.nc.Drain(); err != nil {
			n.nc.Close()
			return err
		}
	}
	return nil
}
