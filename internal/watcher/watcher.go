// Package watcher credits token deposits into custodial addresses. It keeps a
// single log subscription to the token's Transfer events alive forever,
// reconnecting with exponential backoff, and hands every transfer into a
// watched address to a credit callback.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/marketsync/internal/chain"
	"github.com/alanyoungcy/marketsync/internal/domain"
)

// State is the connection state of the watcher.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Conn is a live websocket RPC connection. *ethclient.Client satisfies it.
type Conn interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a Conn to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WSDialer dials with go-ethereum's websocket transport.
func WSDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		c, err := chain.DialWS(ctx, url, handshakeTimeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// CreditFunc receives matched deposits. Errors are logged, never retried.
type CreditFunc func(ctx context.Context, d domain.Deposit) error

// Config tunes the watcher.
type Config struct {
	Token            common.Address
	TokenDecimals    int
	ChainID          int64 // 0 skips the chain id check
	BackoffFloor     time.Duration
	BackoffCeiling   time.Duration
	HandshakeTimeout time.Duration
	QueueSize        int
}

// Status is a point-in-time view for monitoring.
type Status struct {
	State      string `json:"state"`
	Running    bool   `json:"running"`
	Watched    int    `json:"watched"`
	Reconnects int64  `json:"reconnects"`
	Matched    int64  `json:"matched"`
	Credited   int64  `json:"credited"`
	Failed     int64  `json:"failed"`
}

// Watcher owns the subscription, the registry and the dispatch queue.
type Watcher struct {
	cfg      Config
	dial     Dialer
	registry *Registry
	backoff  *Backoff
	logger   *slog.Logger

	state   atomic.Int32
	running atomic.Bool

	mu     sync.Mutex
	credit CreditFunc
	cancel context.CancelFunc
	done   chan struct{}

	reconnects atomic.Int64
	matched    atomic.Int64
	credited   atomic.Int64
	failed     atomic.Int64

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Watcher. Nothing connects until Start.
func New(cfg Config, dial Dialer, registry *Registry, logger *slog.Logger) *Watcher {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if registry == nil {
		registry = NewRegistry(nil)
	}
	return &Watcher{
		cfg:      cfg,
		dial:     dial,
		registry: registry,
		backoff:  NewBackoff(cfg.BackoffFloor, cfg.BackoffCeiling),
		logger:   logger.With(slog.String("component", "deposit_watcher")),
		sleep:    sleepCtx,
	}
}

// Watch registers address for deposit monitoring. It is idempotent.
func (w *Watcher) Watch(ctx context.Context, address, userID string, metadata map[string]string) error {
	if err := w.registry.Watch(ctx, address, userID, metadata); err != nil {
		return err
	}
	w.logger.Debug("address watched", slog.String("address", strings.ToLower(address)), slog.String("user_id", userID))
	return nil
}

// Unwatch stops monitoring address.
func (w *Watcher) Unwatch(ctx context.Context, address string) error {
	return w.registry.Unwatch(ctx, address)
}

// SetCreditCallback replaces the active credit callback.
func (w *Watcher) SetCreditCallback(fn CreditFunc) {
	w.mu.Lock()
	w.credit = fn
	w.mu.Unlock()
}

func (w *Watcher) callback() CreditFunc {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.credit
}

// State returns the current connection state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Status reports counters for monitoring.
func (w *Watcher) Status() Status {
	return Status{
		State:      w.State().String(),
		Running:    w.running.Load(),
		Watched:    w.registry.Len(),
		Reconnects: w.reconnects.Load(),
		Matched:    w.matched.Load(),
		Credited:   w.credited.Load(),
		Failed:     w.failed.Load(),
	}
}

// Start launches the connection supervisor and the dispatch worker. Calling
// Start while already running is a no-op. The watcher runs until Stop is
// called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context, url string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running.Load() {
		return nil
	}

	if n, err := w.registry.Load(ctx); err != nil {
		w.logger.Warn("watch registry not restored", slog.String("error", err.Error()))
	} else if n > 0 {
		w.logger.Info("watch registry restored", slog.Int("addresses", n))
	}

	runCtx, cancel := context.WithCancel(ctx)
	queue := make(chan domain.Deposit, w.cfg.QueueSize)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.running.Store(true)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.supervise(runCtx, url, queue)
	}()
	go func() {
		defer wg.Done()
		w.dispatch(runCtx, queue)
	}()
	go func() {
		wg.Wait()
		w.state.Store(int32(StateDisconnected))
		// Cancellation of the parent ctx ends the run without Stop.
		w.mu.Lock()
		if w.done == done {
			w.running.Store(false)
		}
		w.mu.Unlock()
		close(done)
	}()

	w.logger.Info("deposit watcher started", slog.String("token", w.cfg.Token.Hex()))
	return nil
}

// Stop tears down the subscription and waits for the workers to exit. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running.Load() {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.running.Store(false)
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("deposit watcher stopped")
}

// Done is closed when the workers of the current run have exited.
func (w *Watcher) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return w.done
}

// supervise runs sessions back to back with backoff between them. It only
// returns when ctx is cancelled.
func (w *Watcher) supervise(ctx context.Context, url string, queue chan<- domain.Deposit) {
	for {
		err := w.session(ctx, url, queue)
		w.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil {
			return
		}

		delay := w.backoff.Next()
		w.reconnects.Add(1)
		w.logger.Warn("deposit watcher disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		if err := w.sleep(ctx, delay); err != nil {
			return
		}
	}
}

// session dials, confirms the chain with a bounded handshake, subscribes and
// pumps logs until the subscription fails. Panics from the transport are
// turned into errors so a bad connection can never take the process down.
func (w *Watcher) session(ctx context.Context, url string, queue chan<- domain.Deposit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("watcher: session panic: %v", r)
		}
	}()

	w.state.Store(int32(StateConnecting))

	hctx, cancel := context.WithTimeout(ctx, w.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := w.dial(hctx, url)
	if err != nil {
		return fmt.Errorf("watcher: dial: %w", err)
	}
	defer conn.Close()

	id, err := conn.ChainID(hctx)
	if err != nil {
		return fmt.Errorf("watcher: handshake: %w", err)
	}
	if w.cfg.ChainID != 0 && (!id.IsInt64() || id.Int64() != w.cfg.ChainID) {
		return fmt.Errorf("watcher: handshake: chain id %s, want %d", id, w.cfg.ChainID)
	}

	logs := make(chan types.Log, 64)
	sub, err := conn.SubscribeFilterLogs(ctx, chain.TransferFilter(w.cfg.Token), logs)
	if err != nil {
		return fmt.Errorf("watcher: subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	w.backoff.Reset()
	w.state.Store(int32(StateConnected))
	w.logger.Info("deposit watcher connected", slog.String("chain_id", id.String()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return fmt.Errorf("watcher: subscription: %w", err)
		case lg := <-logs:
			w.handleLog(ctx, lg, queue)
		}
	}
}

func (w *Watcher) handleLog(ctx context.Context, lg types.Log, queue chan<- domain.Deposit) {
	if lg.Removed {
		w.logger.Debug("reorged transfer ignored", slog.String("tx_hash", lg.TxHash.Hex()))
		return
	}
	tr, err := chain.DecodeTransfer(lg)
	if err != nil {
		w.logger.Warn("undecodable transfer log",
			slog.String("tx_hash", lg.TxHash.Hex()),
			slog.String("error", err.Error()),
		)
		return
	}

	entry, ok := w.registry.Lookup(tr.To.Hex())
	if !ok {
		return
	}
	w.matched.Add(1)

	d := domain.Deposit{
		Address:     entry.Address,
		UserID:      entry.UserID,
		Metadata:    entry.Metadata,
		Amount:      chain.FormatUnits(tr.Value, w.cfg.TokenDecimals),
		TxHash:      tr.TxHash.Hex(),
		LogIndex:    tr.LogIndex,
		BlockNumber: tr.BlockNumber,
		ObservedAt:  time.Now().UTC(),
	}

	select {
	case queue <- d:
	default:
		w.logger.Warn("deposit queue full, waiting for credit worker", slog.Int("capacity", cap(queue)))
		select {
		case queue <- d:
		case <-ctx.Done():
		}
	}
}

// dispatch invokes the credit callback for queued deposits. On shutdown it
// drains what is already queued.
func (w *Watcher) dispatch(ctx context.Context, queue <-chan domain.Deposit) {
	for {
		select {
		case d := <-queue:
			w.deliver(ctx, d)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for {
				select {
				case d := <-queue:
					w.deliver(drainCtx, d)
				default:
					return
				}
			}
		}
	}
}

func (w *Watcher) deliver(ctx context.Context, d domain.Deposit) {
	defer func() {
		if r := recover(); r != nil {
			w.failed.Add(1)
			w.logger.Error("credit callback panicked",
				slog.String("tx_hash", d.TxHash),
				slog.Any("panic", r),
			)
		}
	}()

	fn := w.callback()
	if fn == nil {
		w.failed.Add(1)
		w.logger.Warn("no credit callback set, deposit not credited",
			slog.String("tx_hash", d.TxHash),
			slog.String("user_id", d.UserID),
		)
		return
	}
	if err := fn(ctx, d); err != nil {
		w.failed.Add(1)
		w.logger.Error("credit callback failed",
			slog.String("tx_hash", d.TxHash),
			slog.String("user_id", d.UserID),
			slog.String("amount", d.Amount),
			slog.String("error", err.Error()),
		)
		return
	}
	w.credited.Add(1)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
