// Package chain encodes CLAMM contract calls, reads token and pool state over
// JSON-RPC and submits transactions through an external signer.
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20JSON = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

const poolJSON = `[
	{"type":"function","name":"slot0","stateMutability":"view","inputs":[],
	 "outputs":[
		{"name":"sqrtPriceX96","type":"uint160"},
		{"name":"tick","type":"int24"},
		{"name":"observationIndex","type":"uint16"},
		{"name":"observationCardinality","type":"uint16"},
		{"name":"observationCardinalityNext","type":"uint16"},
		{"name":"feeProtocol","type":"uint8"},
		{"name":"unlocked","type":"bool"}]}
]`

const optionMarketJSON = `[
	{"type":"function","name":"mintOption","stateMutability":"nonpayable",
	 "inputs":[{"name":"_params","type":"tuple","components":[
		{"name":"optionTicks","type":"tuple[]","components":[
			{"name":"_handler","type":"address"},
			{"name":"pool","type":"address"},
			{"name":"hook","type":"address"},
			{"name":"tickLower","type":"int24"},
			{"name":"tickUpper","type":"int24"},
			{"name":"liquidityToUse","type":"uint256"}]},
		{"name":"tickLower","type":"int24"},
		{"name":"tickUpper","type":"int24"},
		{"name":"ttl","type":"uint256"},
		{"name":"isCall","type":"bool"},
		{"name":"maxCostAllowance","type":"uint256"}]}],
	 "outputs":[]},
	{"type":"function","name":"multicall","stateMutability":"nonpayable",
	 "inputs":[{"name":"data","type":"bytes[]"}],
	 "outputs":[{"name":"results","type":"bytes[]"}]}
]`

const positionManagerJSON = `[
	{"type":"function","name":"mintPosition","stateMutability":"nonpayable",
	 "inputs":[{"name":"_handler","type":"address"},{"name":"_mintPositionData","type":"bytes"}],
	 "outputs":[{"name":"sharesMinted","type":"uint256"}]},
	{"type":"function","name":"multicall","stateMutability":"nonpayable",
	 "inputs":[{"name":"data","type":"bytes[]"}],
	 "outputs":[{"name":"results","type":"bytes[]"}]}
]`

var (
	erc20ABI           = mustParseABI(erc20JSON)
	poolABI            = mustParseABI(poolJSON)
	optionMarketABI    = mustParseABI(optionMarketJSON)
	positionManagerABI = mustParseABI(positionManagerJSON)

	mintPositionDataArgs = mustArguments("address", "address", "int24", "int24", "uint128")
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, name := range types {
		typ, err := abi.NewType(name, "", nil)
		if err != nil {
			panic(fmt.Sprintf("abi type %s: %v", name, err))
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}

// OptionTick is one strike range bought by mintOption.
type OptionTick struct {
	Handler        common.Address
	Pool           common.Address
	Hook           common.Address
	TickLower      *big.Int
	TickUpper      *big.Int
	LiquidityToUse *big.Int
}

// OptionParams mirrors the mintOption argument tuple.
type OptionParams struct {
	OptionTicks      []OptionTick
	TickLower        *big.Int
	TickUpper        *big.Int
	Ttl              *big.Int
	IsCall           bool
	MaxCostAllowance *big.Int
}

// MintOptionInput holds the values needed to buy one strike.
type MintOptionInput struct {
	Handler   common.Address
	Pool      common.Address
	Hook      common.Address
	TickLower int
	TickUpper int
	Liquidity *big.Int
	TTL       uint64
	IsCall    bool
	// MaxCost is premium plus fee; the call reverts when the option costs more.
	MaxCost *big.Int
}

// EncodeMintOption returns mintOption calldata for a single strike.
func EncodeMintOption(in MintOptionInput) ([]byte, error) {
	if in.Liquidity == nil || in.Liquidity.Sign() <= 0 {
		return nil, fmt.Errorf("mintOption: liquidity must be positive")
	}
	if in.MaxCost == nil {
		return nil, fmt.Errorf("mintOption: max cost is required")
	}
	lower, upper := big.NewInt(int64(in.TickLower)), big.NewInt(int64(in.TickUpper))
	params := OptionParams{
		OptionTicks: []OptionTick{{
			Handler:        in.Handler,
			Pool:           in.Pool,
			Hook:           in.Hook,
			TickLower:      lower,
			TickUpper:      upper,
			LiquidityToUse: in.Liquidity,
		}},
		TickLower:        lower,
		TickUpper:        upper,
		Ttl:              new(big.Int).SetUint64(in.TTL),
		IsCall:           in.IsCall,
		MaxCostAllowance: in.MaxCost,
	}
	return optionMarketABI.Pack("mintOption", params)
}

// MintPositionInput holds the values of a liquidity deposit into one strike.
type MintPositionInput struct {
	Handler   common.Address
	Pool      common.Address
	Hook      common.Address
	TickLower int
	TickUpper int
	Liquidity *big.Int
}

// EncodeMintPosition returns position manager calldata depositing liquidity into one strike.
func EncodeMintPosition(in MintPositionInput) ([]byte, error) {
	if in.Liquidity == nil || in.Liquidity.Sign() <= 0 {
		return nil, fmt.Errorf("mintPosition: liquidity must be positive")
	}
	data, err := mintPositionDataArgs.Pack(
		in.Pool,
		in.Hook,
		big.NewInt(int64(in.TickLower)),
		big.NewInt(int64(in.TickUpper)),
		in.Liquidity,
	)
	if err != nil {
		return nil, fmt.Errorf("mintPosition data: %w", err)
	}
	return positionManagerABI.Pack("mintPosition", in.Handler, data)
}

// EncodeMulticall wraps calls into one multicall(bytes[]) payload.
func EncodeMulticall(calls [][]byte) ([]byte, error) {
	return optionMarketABI.Pack("multicall", calls)
}

// EncodeApprove returns ERC-20 approve calldata.
func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// DecodeMulticall returns the calls packed by EncodeMulticall.
func DecodeMulticall(data []byte) ([][]byte, error) {
	method, ok := optionMarketABI.Methods["multicall"]
	if !ok || len(data) < 4 || string(data[:4]) != string(method.ID) {
		return nil, fmt.Errorf("not a multicall payload")
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	calls, ok := values[0].([][]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected multicall argument %T", values[0])
	}
	return calls, nil
}

// MethodName returns the name of the known method the calldata calls, or "".
func MethodName(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	for _, parsed := range []abi.ABI{optionMarketABI, positionManagerABI, erc20ABI} {
		if method, err := parsed.MethodById(data[:4]); err == nil {
			return method.Name
		}
	}
	return ""
}
