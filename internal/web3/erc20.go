package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// ERC20 是只读的代币合约访问器。
type ERC20 struct {
	address common.Address
	backend Backend
}

// NewERC20 构造绑定到指定合约地址的访问器。
func NewERC20(address common.Address, backend Backend) *ERC20 {
	return &ERC20{address: address, backend: backend}
}

// Address 返回代币合约地址。
func (t *ERC20) Address() common.Address {
	return t.address
}

// BalanceOf 查询 owner 的代币余额（最小单位）。
func (t *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("balanceOf 返回值类型异常")
	}
	return balance, nil
}

// Decimals 查询代币精度。
func (t *ERC20) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, errors.New("decimals 返回值类型异常")
	}
	return decimals, nil
}

// Symbol 查询代币符号。
func (t *ERC20) Symbol(ctx context.Context) (string, error) {
	out, err := t.call(ctx, "symbol")
	if err != nil {
		return "", err
	}
	symbol, ok := out[0].(string)
	if !ok {
		return "", errors.New("symbol 返回值类型异常")
	}
	return symbol, nil
}

func (t *ERC20) call(ctx context.Context, method string, args ...any) ([]any, error) {
	if t.backend == nil {
		return nil, errors.New("代币访问器未绑定链后端")
	}
	input, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	to := t.address
	raw, err := t.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	out, err := erc20ABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s 无返回值", method)
	}
	return out, nil
}

// TransferData 编码 transfer(to, amount) 调用数据。
func TransferData(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// ApproveData 编码 approve(spender, amount) 调用数据。
func ApproveData(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}
