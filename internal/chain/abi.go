package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const multicall3ABIJSON = `[
  {"type":"function","name":"aggregate3","stateMutability":"payable",
   "inputs":[{"name":"calls","type":"tuple[]","components":[
     {"name":"target","type":"address"},
     {"name":"allowFailure","type":"bool"},
     {"name":"callData","type":"bytes"}]}],
   "outputs":[{"name":"returnData","type":"tuple[]","components":[
     {"name":"success","type":"bool"},
     {"name":"returnData","type":"bytes"}]}]}
]`

const marketABIJSON = `[
  {"type":"function","name":"marketCount","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getMarketBasicInfo","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[
     {"name":"question","type":"string"},
     {"name":"image","type":"string"},
     {"name":"description","type":"string"},
     {"name":"outcomeCount","type":"uint256"},
     {"name":"endTime","type":"uint256"},
     {"name":"liquidityParam","type":"uint256"},
     {"name":"resolved","type":"bool"},
     {"name":"winningOutcome","type":"uint256"}]},
  {"type":"function","name":"getMarketOutcomes","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[{"name":"","type":"string[]"}]},
  {"type":"function","name":"getAllPrices","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"event","name":"SharesPurchased","anonymous":false,"inputs":[
     {"name":"marketId","type":"uint256","indexed":true},
     {"name":"user","type":"address","indexed":true},
     {"name":"outcomeIndex","type":"uint256","indexed":false},
     {"name":"shares","type":"uint256","indexed":false},
     {"name":"cost","type":"uint256","indexed":false}]}
]`

const erc20ABIJSON = `[
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
     {"name":"from","type":"address","indexed":true},
     {"name":"to","type":"address","indexed":true},
     {"name":"value","type":"uint256","indexed":false}]}
]`

// Parsed contract interfaces. They are fixed at build time, so a parse
// failure is a programming error.
var (
	MulticallABI = mustParseABI(multicall3ABIJSON)
	MarketABI    = mustParseABI(marketABIJSON)
	ERC20ABI     = mustParseABI(erc20ABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: parse abi: " + err.Error())
	}
	return parsed
}
