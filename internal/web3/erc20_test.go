package web3

import (
	"context"
	"errors"
	"math/big"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callBackend struct {
	Backend
	calls  []gethcore.CallMsg
	result []byte
	err    error
}

func (b *callBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	b.calls = append(b.calls, call)
	return b.result, b.err
}

func TestERC20BalanceOf(t *testing.T) {
	t.Parallel()

	token := common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	owner := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	backend := &callBackend{result: common.LeftPadBytes(big.NewInt(2_500_000).Bytes(), 32)}

	balance, err := NewERC20(token, backend).BalanceOf(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2_500_000), balance)

	require.Len(t, backend.calls, 1)
	assert.Equal(t, token, *backend.calls[0].To)
	assert.Equal(t, "0x70a08231", hexutil.Encode(backend.calls[0].Data[:4]))
	assert.Equal(t, owner.Bytes(), backend.calls[0].Data[16:36])
}

func TestERC20Decimals(t *testing.T) {
	t.Parallel()

	backend := &callBackend{result: common.LeftPadBytes([]byte{6}, 32)}
	decimals, err := NewERC20(common.Address{1}, backend).Decimals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint8(6), decimals)
}

func TestERC20PropagatesCallErrors(t *testing.T) {
	t.Parallel()

	backend := &callBackend{err: errors.New("execution reverted")}
	_, err := NewERC20(common.Address{1}, backend).BalanceOf(context.Background(), common.Address{2})
	require.ErrorContains(t, err, "execution reverted")

	backend = &callBackend{result: nil}
	_, err = NewERC20(common.Address{1}, backend).BalanceOf(context.Background(), common.Address{2})
	require.Error(t, err)
}

func TestCalldataEncoding(t *testing.T) {
	t.Parallel()

	to := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	transfer, err := TransferData(to, big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "0xa9059cbb", hexutil.Encode(transfer[:4]))
	assert.Len(t, transfer, 4+64)
	assert.Equal(t, big.NewInt(1000), new(big.Int).SetBytes(transfer[36:68]))

	approve, err := ApproveData(to, math.MaxBig256)
	require.NoError(t, err)
	assert.Equal(t, "0x095ea7b3", hexutil.Encode(approve[:4]))
	assert.Equal(t, math.MaxBig256, new(big.Int).SetBytes(approve[36:68]))
}
