package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Command ops accepted on the command channel.
const (
	OpWatch   = "watch"
	OpUnwatch = "unwatch"
)

// Command is a registry change published by the wallet service.
type Command struct {
	Op       string            `json:"op"`
	Address  string            `json:"address"`
	UserID   string            `json:"user_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Apply decodes and executes one command message.
func (w *Watcher) Apply(ctx context.Context, raw []byte) error {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return fmt.Errorf("watcher: decode command: %w", err)
	}
	switch cmd.Op {
	case OpWatch:
		if cmd.UserID == "" {
			return fmt.Errorf("watcher: watch %s: missing user_id", cmd.Address)
		}
		return w.Watch(ctx, cmd.Address, cmd.UserID, cmd.Metadata)
	case OpUnwatch:
		return w.Unwatch(ctx, cmd.Address)
	default:
		return fmt.Errorf("watcher: unknown command op %q", cmd.Op)
	}
}

// ConsumeCommands applies every message published on channel until ctx is
// cancelled. Bad messages are logged and skipped.
func (w *Watcher) ConsumeCommands(ctx context.Context, bus domain.SignalBus, channel string) error {
	msgs, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("watcher: subscribe %s: %w", channel, err)
	}
	w.logger.Info("listening for watch commands", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := w.Apply(ctx, raw); err != nil {
				w.logger.Warn("watch command rejected", slog.String("error", err.Error()))
			}
		}
	}
}
