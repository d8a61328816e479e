package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransferTopic is the ERC-20 Transfer event signature hash.
var TransferTopic = ERC20ABI.Events["Transfer"].ID

// Transfer is a decoded ERC-20 Transfer log.
type Transfer struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
}

// TransferFilter selects every Transfer emitted by token.
func TransferFilter(token common.Address) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{TransferTopic}},
	}
}

// DecodeTransfer decodes an ERC-20 Transfer log.
func DecodeTransfer(lg types.Log) (Transfer, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic {
		return Transfer{}, fmt.Errorf("chain: log %s:%d is not Transfer", lg.TxHash.Hex(), lg.Index)
	}
	vals, err := ERC20ABI.Unpack("Transfer", lg.Data)
	if err != nil {
		return Transfer{}, fmt.Errorf("chain: unpack Transfer: %w", err)
	}
	value, err := bigAt(vals, 0)
	if err != nil {
		return Transfer{}, err
	}
	return Transfer{
		From:        common.BytesToAddress(lg.Topics[1].Bytes()),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()),
		Value:       value,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
	}, nil
}
