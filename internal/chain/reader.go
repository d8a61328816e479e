// Package chain is the thin Ethereum JSON-RPC layer: an HTTP reader for calls
// and log queries, a websocket dialer for subscriptions, Multicall3 batching,
// and statically typed bindings for the market and token contracts.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
)

// Reader exposes the read surface the indexer needs over HTTP JSON-RPC. It
// satisfies ethereum.ContractCaller so it can back a Multicall directly.
type Reader struct {
	eth    *ethclient.Client
	logger *slog.Logger
}

// Dial connects to an HTTP(S) RPC endpoint. timeout bounds every request.
func Dial(ctx context.Context, url string, timeout time.Duration, logger *slog.Logger) (*Reader, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rc, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	return &Reader{
		eth:    ethclient.NewClient(rc),
		logger: logger.With(slog.String("component", "chain_reader")),
	}, nil
}

// BlockNumber returns the current head height.
func (r *Reader) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := r.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// ChainID returns the network's chain id.
func (r *Reader) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := r.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	return id, nil
}

// CallContract executes a single eth_call. A nil block reads the latest state.
func (r *Reader) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	out, err := r.eth.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("chain: eth_call: %w", err)
	}
	return out, nil
}

// FilterLogs runs eth_getLogs for the given query.
func (r *Reader) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := r.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("chain: eth_getLogs: %w", err)
	}
	return logs, nil
}

// Close releases the underlying RPC client.
func (r *Reader) Close() {
	r.eth.Close()
}

// DialWS opens a websocket RPC connection suitable for log subscriptions.
// The websocket upgrade is bounded by handshakeTimeout; a rejected upgrade
// (for example HTTP 401 from the provider) is returned as an error.
func DialWS(ctx context.Context, url string, handshakeTimeout time.Duration) (*ethclient.Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	rc, err := rpc.DialOptions(ctx, url, rpc.WithWebsocketDialer(dialer))
	if err != nil {
		return nil, fmt.Errorf("chain: dial ws: %w", err)
	}
	return ethclient.NewClient(rc), nil
}
