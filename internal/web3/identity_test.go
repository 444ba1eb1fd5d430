package web3

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIdentity(t *testing.T) (*Identity, *simulated.Backend) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	balance, _ := new(big.Int).SetString("10000000000000000000", 10)
	sim := simulated.NewBackend(types.GenesisAlloc{addr: {Balance: balance}})
	t.Cleanup(func() { _ = sim.Close() })

	id, err := NewIdentity(hexutil.Encode(crypto.FromECDSA(key)), sim.Client(), big.NewInt(1337), WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, addr, id.Address())
	return id, sim
}

func recoverSigner(t *testing.T, hash []byte, signature string) common.Address {
	t.Helper()

	sig, err := hexutil.Decode(signature)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)
	require.Contains(t, []byte{27, 28}, sig[crypto.RecoveryIDOffset])
	sig[crypto.RecoveryIDOffset] -= 27

	pub, err := crypto.SigToPub(hash, sig)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(*pub)
}

func TestIdentityTransactAndWaitMined(t *testing.T) {
	t.Parallel()

	id, sim := newTestIdentity(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx, err := id.Transact(ctx, recipient, nil, big.NewInt(12345))
	require.NoError(t, err)
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, big.NewInt(1337), tx.ChainId())

	sim.Commit()

	receipt, err := id.WaitMined(ctx, tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	balance, err := sim.Client().BalanceAt(ctx, recipient, nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(12345), balance)

	// nonce advances between sequential transactions
	second, err := id.Transact(ctx, recipient, nil, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, tx.Nonce()+1, second.Nonce())
}

func TestIdentityWaitMinedHonoursContext(t *testing.T) {
	t.Parallel()

	id, _ := newTestIdentity(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := id.WaitMined(ctx, common.HexToHash("0x1234"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// indexingBackend 在前几次回执查询时返回节点索引追赶中的错误。
type indexingBackend struct {
	Backend
	mu       sync.Mutex
	failures int
	calls    int
}

func (b *indexingBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	b.calls++
	failing := b.calls <= b.failures
	b.mu.Unlock()
	if failing {
		return nil, errors.New("transaction indexing is in progress")
	}
	return b.Backend.TransactionReceipt(ctx, hash)
}

func TestIdentityWaitMinedRetriesTemporaryErrors(t *testing.T) {
	t.Parallel()

	id, sim := newTestIdentity(t)
	backend := &indexingBackend{Backend: sim.Client(), failures: 3}
	id.backend = backend

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := id.Transact(ctx, common.HexToAddress("0x00000000000000000000000000000000000000bb"), nil, big.NewInt(7))
	require.NoError(t, err)
	sim.Commit()

	receipt, err := id.WaitMined(ctx, tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	backend.mu.Lock()
	assert.Greater(t, backend.calls, 3)
	backend.mu.Unlock()
}

func TestIdentityWaitMinedReportsLastErrorOnTimeout(t *testing.T) {
	t.Parallel()

	id, sim := newTestIdentity(t)
	id.backend = &indexingBackend{Backend: sim.Client(), failures: 1 << 30}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := id.WaitMined(ctx, common.HexToHash("0x1234"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "transaction indexing is in progress")
}

func TestIdentitySignMessageRecoversAddress(t *testing.T) {
	t.Parallel()

	id, _ := newTestIdentity(t)
	message := []byte("register-agent:" + id.Address().Hex())

	sig, err := id.SignMessage(message)
	require.NoError(t, err)
	assert.Equal(t, id.Address(), recoverSigner(t, accounts.TextHash(message), sig))
}

func TestIdentitySignHash(t *testing.T) {
	t.Parallel()

	id, _ := newTestIdentity(t)
	hash := crypto.Keccak256([]byte("payload"))

	sig, err := id.SignHash(hash)
	require.NoError(t, err)
	assert.Equal(t, id.Address(), recoverSigner(t, hash, sig))

	_, err = id.SignHash(hash[:31])
	require.ErrorIs(t, err, ErrInvalidHash)
}

func TestIdentitySignTypedData(t *testing.T) {
	t.Parallel()

	id, _ := newTestIdentity(t)
	chainID := math.HexOrDecimal256(*big.NewInt(42161))
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Mail": {
				{Name: "contents", Type: "string"},
			},
		},
		PrimaryType: "Mail",
		Domain:      apitypes.TypedDataDomain{Name: "MoltArb", ChainId: &chainID},
		Message:     apitypes.TypedDataMessage{"contents": "hello"},
	}

	sig, err := id.SignTypedData(typed)
	require.NoError(t, err)

	hash, _, err := apitypes.TypedDataAndHash(typed)
	require.NoError(t, err)
	assert.Equal(t, id.Address(), recoverSigner(t, hash, sig))
}

func TestIdentityReleaseZeroesKey(t *testing.T) {
	t.Parallel()

	id, _ := newTestIdentity(t)
	id.Release()
	id.Release()

	assert.True(t, id.Released())
	_, err := id.SignMessage([]byte("after release"))
	require.ErrorIs(t, err, ErrReleased)
	_, err = id.Transact(context.Background(), id.Address(), nil, nil)
	require.ErrorIs(t, err, ErrReleased)
}

func TestNewIdentityRejectsBadKey(t *testing.T) {
	t.Parallel()

	_, err := NewIdentity("0xnothex", nil, big.NewInt(1))
	require.Error(t, err)
	_, err = NewIdentity("0x"+common.Bytes2Hex(make([]byte, 32)), nil, nil)
	require.Error(t, err)
}
