package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrCallFailed marks a batch slot whose call reverted or returned nothing.
var ErrCallFailed = errors.New("chain: call failed")

// Call is one slot of an aggregate3 batch. Field names mirror the Call3
// tuple so the slice packs directly.
type Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Result is the outcome of one slot: Data on success, Err otherwise.
type Result struct {
	Data []byte
	Err  error
}

// OK reports whether the slot succeeded.
func (r Result) OK() bool { return r.Err == nil }

type aggregateResult struct {
	Success    bool
	ReturnData []byte
}

// Multicall batches independent read calls into a single eth_call against a
// Multicall3 deployment. Individual slot failures are isolated; only a failure
// of the aggregate call itself is returned as an error.
type Multicall struct {
	address common.Address
	caller  ethereum.ContractCaller
}

// NewMulticall creates a Multicall for the aggregator at address.
func NewMulticall(address common.Address, caller ethereum.ContractCaller) *Multicall {
	return &Multicall{address: address, caller: caller}
}

// Aggregate executes calls in one round trip and returns a result per call,
// in the same order.
func (m *Multicall) Aggregate(ctx context.Context, calls []Call) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	input, err := MulticallABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("chain: pack aggregate3: %w", err)
	}

	out, err := m.caller.CallContract(ctx, ethereum.CallMsg{To: &m.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: aggregate3: %w", err)
	}

	decoded, err := MulticallABI.Unpack("aggregate3", out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack aggregate3: %w", err)
	}
	if len(decoded) != 1 {
		return nil, fmt.Errorf("chain: unpack aggregate3: %d outputs", len(decoded))
	}
	raw := *abi.ConvertType(decoded[0], new([]aggregateResult)).(*[]aggregateResult)
	if len(raw) != len(calls) {
		return nil, fmt.Errorf("chain: aggregate3 returned %d results for %d calls", len(raw), len(calls))
	}

	results := make([]Result, len(raw))
	for i, r := range raw {
		switch {
		case !r.Success:
			results[i] = Result{Err: fmt.Errorf("%w: slot %d reverted", ErrCallFailed, i)}
		case len(r.ReturnData) == 0:
			results[i] = Result{Err: fmt.Errorf("%w: slot %d returned no data", ErrCallFailed, i)}
		default:
			results[i] = Result{Data: r.ReturnData}
		}
	}
	return results, nil
}
