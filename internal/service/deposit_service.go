package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/notify"
)

// Alerter sends operator notifications. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// DepositConfig names the Redis stream and channel deposits are written to.
type DepositConfig struct {
	Stream   string
	Channel  string
	DedupTTL time.Duration
}

// DepositService is the default credit callback of the deposit watcher. It
// hands each matched deposit to the ledger through a durable stream, fans it
// out on Pub/Sub for live consumers and alerts operators.
type DepositService struct {
	bus    domain.SignalBus
	alerts Alerter
	dedup  *Dedup
	cfg    DepositConfig
	logger *slog.Logger
}

// NewDepositService creates a DepositService. alerts may be nil.
func NewDepositService(bus domain.SignalBus, alerts Alerter, cfg DepositConfig, logger *slog.Logger) *DepositService {
	if cfg.Stream == "" {
		cfg.Stream = "deposits:credited"
	}
	if cfg.Channel == "" {
		cfg.Channel = "deposits"
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	return &DepositService{
		bus:    bus,
		alerts: alerts,
		dedup:  NewDedup(cfg.DedupTTL),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "deposit_service")),
	}
}

// Credit records d once per (tx hash, log index). The stream append is the
// commit point: if it fails the deposit is not remembered and the error is
// returned. Pub/Sub and alert failures are only logged.
func (s *DepositService) Credit(ctx context.Context, d domain.Deposit) error {
	key := d.Key()
	if s.dedup.Seen(key) {
		s.logger.DebugContext(ctx, "duplicate deposit ignored", slog.String("key", key))
		return nil
	}

	payload, err := json.Marshal(d)
	if err != nil {
		s.dedup.Forget(key)
		return fmt.Errorf("deposit_service: marshal %s: %w", key, err)
	}

	if err := s.bus.StreamAppend(ctx, s.cfg.Stream, payload); err != nil {
		s.dedup.Forget(key)
		return fmt.Errorf("deposit_service: append %s: %w", key, err)
	}

	if err := s.bus.Publish(ctx, s.cfg.Channel, payload); err != nil {
		s.logger.WarnContext(ctx, "deposit publish failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	if s.alerts != nil {
		msg := fmt.Sprintf("user %s received %s\naddress %s\ntx %s", d.UserID, d.Amount, d.Address, d.TxHash)
		if err := s.alerts.Notify(ctx, notify.EventDepositReceived, "Deposit received", msg); err != nil {
			s.logger.WarnContext(ctx, "deposit alert failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "deposit credited",
		slog.String("user_id", d.UserID),
		slog.String("amount", d.Amount),
		slog.String("tx_hash", d.TxHash),
		slog.Uint64("block", d.BlockNumber),
	)
	return nil
}

// RunCleanup expires old dedup keys every interval until ctx is cancelled.
func (s *DepositService) RunCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.dedup.Cleanup()
		}
	}
}
