package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SharesPurchasedTopic is the event signature hash of SharesPurchased.
var SharesPurchasedTopic = MarketABI.Events["SharesPurchased"].ID

// BasicInfo is the decoded result of getMarketBasicInfo.
type BasicInfo struct {
	Question       string
	Image          string
	Description    string
	OutcomeCount   *big.Int
	EndTime        *big.Int
	LiquidityParam *big.Int
	Resolved       bool
	WinningOutcome *big.Int
}

// EndTimeUTC converts the unix end time to a time.Time.
func (b BasicInfo) EndTimeUTC() time.Time {
	if b.EndTime == nil || !b.EndTime.IsInt64() {
		return time.Time{}
	}
	return time.Unix(b.EndTime.Int64(), 0).UTC()
}

// TradeEvent is a decoded SharesPurchased log.
type TradeEvent struct {
	MarketID     *big.Int
	User         common.Address
	OutcomeIndex *big.Int
	Shares       *big.Int
	Cost         *big.Int

	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
}

// MarketContract builds and decodes calls against the prediction market
// contract. It performs no I/O except MarketCount.
type MarketContract struct {
	address common.Address
}

// NewMarketContract binds the market contract at address.
func NewMarketContract(address common.Address) *MarketContract {
	return &MarketContract{address: address}
}

// Address returns the bound contract address.
func (c *MarketContract) Address() common.Address { return c.address }

// MarketCount reads marketCount() with a single eth_call.
func (c *MarketContract) MarketCount(ctx context.Context, caller ethereum.ContractCaller) (*big.Int, error) {
	input, err := MarketABI.Pack("marketCount")
	if err != nil {
		return nil, fmt.Errorf("chain: pack marketCount: %w", err)
	}
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: marketCount: %w", err)
	}
	vals, err := MarketABI.Unpack("marketCount", out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack marketCount: %w", err)
	}
	return bigAt(vals, 0)
}

// BasicInfoCall builds the getMarketBasicInfo(id) batch slot.
func (c *MarketContract) BasicInfoCall(id *big.Int) (Call, error) {
	return c.call("getMarketBasicInfo", id)
}

// OutcomesCall builds the getMarketOutcomes(id) batch slot.
func (c *MarketContract) OutcomesCall(id *big.Int) (Call, error) {
	return c.call("getMarketOutcomes", id)
}

// PricesCall builds the getAllPrices(id) batch slot.
func (c *MarketContract) PricesCall(id *big.Int) (Call, error) {
	return c.call("getAllPrices", id)
}

func (c *MarketContract) call(method string, args ...any) (Call, error) {
	data, err := MarketABI.Pack(method, args...)
	if err != nil {
		return Call{}, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	return Call{Target: c.address, AllowFailure: true, CallData: data}, nil
}

// DecodeBasicInfo decodes getMarketBasicInfo return data.
func DecodeBasicInfo(data []byte) (BasicInfo, error) {
	vals, err := MarketABI.Unpack("getMarketBasicInfo", data)
	if err != nil {
		return BasicInfo{}, fmt.Errorf("chain: unpack getMarketBasicInfo: %w", err)
	}
	if len(vals) != 8 {
		return BasicInfo{}, fmt.Errorf("chain: getMarketBasicInfo: %d outputs", len(vals))
	}

	var (
		info BasicInfo
		ok   [4]bool
	)
	info.Question, ok[0] = vals[0].(string)
	info.Image, ok[1] = vals[1].(string)
	info.Description, ok[2] = vals[2].(string)
	info.Resolved, ok[3] = vals[6].(bool)
	for i, v := range ok {
		if !v {
			return BasicInfo{}, fmt.Errorf("chain: getMarketBasicInfo: unexpected type at field %d", i)
		}
	}
	if info.OutcomeCount, err = bigAt(vals, 3); err != nil {
		return BasicInfo{}, err
	}
	if info.EndTime, err = bigAt(vals, 4); err != nil {
		return BasicInfo{}, err
	}
	if info.LiquidityParam, err = bigAt(vals, 5); err != nil {
		return BasicInfo{}, err
	}
	if info.WinningOutcome, err = bigAt(vals, 7); err != nil {
		return BasicInfo{}, err
	}
	return info, nil
}

// DecodeOutcomes decodes getMarketOutcomes return data.
func DecodeOutcomes(data []byte) ([]string, error) {
	vals, err := MarketABI.Unpack("getMarketOutcomes", data)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack getMarketOutcomes: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("chain: getMarketOutcomes: %d outputs", len(vals))
	}
	outcomes, ok := vals[0].([]string)
	if !ok {
		return nil, fmt.Errorf("chain: getMarketOutcomes: unexpected type %T", vals[0])
	}
	return outcomes, nil
}

// DecodePrices decodes getAllPrices return data (basis points).
func DecodePrices(data []byte) ([]*big.Int, error) {
	vals, err := MarketABI.Unpack("getAllPrices", data)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack getAllPrices: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("chain: getAllPrices: %d outputs", len(vals))
	}
	prices, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: getAllPrices: unexpected type %T", vals[0])
	}
	return prices, nil
}

// TradeFilter selects SharesPurchased logs for one market in [from, to].
func (c *MarketContract) TradeFilter(marketID *big.Int, from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{
			{SharesPurchasedTopic},
			{common.BigToHash(marketID)},
		},
	}
}

// DecodeTrade decodes a SharesPurchased log.
func DecodeTrade(lg types.Log) (TradeEvent, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != SharesPurchasedTopic {
		return TradeEvent{}, fmt.Errorf("chain: log %s:%d is not SharesPurchased", lg.TxHash.Hex(), lg.Index)
	}
	vals, err := MarketABI.Unpack("SharesPurchased", lg.Data)
	if err != nil {
		return TradeEvent{}, fmt.Errorf("chain: unpack SharesPurchased: %w", err)
	}
	ev := TradeEvent{
		MarketID:    new(big.Int).SetBytes(lg.Topics[1].Bytes()),
		User:        common.BytesToAddress(lg.Topics[2].Bytes()),
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash,
	}
	if ev.OutcomeIndex, err = bigAt(vals, 0); err != nil {
		return TradeEvent{}, err
	}
	if ev.Shares, err = bigAt(vals, 1); err != nil {
		return TradeEvent{}, err
	}
	if ev.Cost, err = bigAt(vals, 2); err != nil {
		return TradeEvent{}, err
	}
	return ev, nil
}

func bigAt(vals []any, i int) (*big.Int, error) {
	if i >= len(vals) {
		return nil, fmt.Errorf("chain: missing output %d", i)
	}
	v, ok := vals[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: output %d has type %T, want *big.Int", i, vals[i])
	}
	return v, nil
}
