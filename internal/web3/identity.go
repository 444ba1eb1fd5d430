package web3

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// DefaultPollInterval 为等待交易回执时的轮询间隔。
const DefaultPollInterval = time.Second

var (
	// ErrReleased 表示签名身份已被释放，私钥不可再用。
	ErrReleased = errors.New("签名身份已释放")
	// ErrInvalidHash 表示待签名的哈希不是 32 字节。
	ErrInvalidHash = errors.New("哈希必须为 32 字节")
)

// Identity 是一次请求内使用的签名身份，持有解密后的私钥并绑定到某条链。
type Identity struct {
	mu           sync.Mutex
	key          *ecdsa.PrivateKey
	address      common.Address
	backend      Backend
	chainID      *big.Int
	signer       types.Signer
	pollInterval time.Duration
}

// IdentityOption 用于调整 Identity 行为。
type IdentityOption func(*Identity)

// WithPollInterval 覆盖回执轮询间隔。
func WithPollInterval(interval time.Duration) IdentityOption {
	return func(id *Identity) {
		if interval > 0 {
			id.pollInterval = interval
		}
	}
}

// NewIdentity 根据十六进制私钥构造签名身份，私钥可带或不带 0x 前缀。
func NewIdentity(hexKey string, backend Backend, chainID *big.Int, opts ...IdentityOption) (*Identity, error) {
	if chainID == nil {
		return nil, errors.New("未配置链 ID")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	id := &Identity{
		key:          key,
		address:      crypto.PubkeyToAddress(key.PublicKey),
		backend:      backend,
		chainID:      new(big.Int).Set(chainID),
		signer:       types.LatestSignerForChainID(chainID),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(id)
		}
	}
	return id, nil
}

// Address 返回身份对应的链上地址。
func (id *Identity) Address() common.Address {
	return id.address
}

// ChainID 返回身份绑定的链 ID。
func (id *Identity) ChainID() *big.Int {
	return new(big.Int).Set(id.chainID)
}

// Backend 返回身份绑定的链访问后端。
func (id *Identity) Backend() Backend {
	return id.backend
}

// Transact 构造、签名并广播一笔 EIP-1559 交易，不等待确认。
func (id *Identity) Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Transaction, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.key == nil {
		return nil, ErrReleased
	}
	if id.backend == nil {
		return nil, errors.New("签名身份未绑定链后端")
	}
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := id.backend.PendingNonceAt(ctx, id.address)
	if err != nil {
		return nil, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	tip, err := id.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询小费失败: %w", err)
	}
	head, err := id.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("查询最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := id.backend.EstimateGas(ctx, gethcore.CallMsg{
		From:  id.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("估算 gas 失败: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   id.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, id.signer, id.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := id.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("广播交易失败: %w", err)
	}
	return signed, nil
}

// WaitMined 轮询交易回执直到上链或 ctx 结束。
// 查询错误（未打包时的 NotFound、节点索引追赶中等）都视为暂时性的，继续轮询。
func (id *Identity) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if id.backend == nil {
		return nil, errors.New("签名身份未绑定链后端")
	}
	ticker := time.NewTicker(id.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := id.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w (最近一次回执查询错误: %v)", ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SignMessage 按 EIP-191 personal_sign 规则签名任意消息。
func (id *Identity) SignMessage(message []byte) (string, error) {
	return id.sign(accounts.TextHash(message))
}

// SignHash 直接对 32 字节哈希签名，不追加消息前缀。
func (id *Identity) SignHash(hash []byte) (string, error) {
	if len(hash) != common.HashLength {
		return "", ErrInvalidHash
	}
	return id.sign(hash)
}

// SignTypedData 按 EIP-712 对结构化数据签名。
func (id *Identity) SignTypedData(data apitypes.TypedData) (string, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return "", fmt.Errorf("计算 EIP-712 哈希失败: %w", err)
	}
	return id.sign(hash)
}

func (id *Identity) sign(hash []byte) (string, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.key == nil {
		return "", ErrReleased
	}
	sig, err := crypto.Sign(hash, id.key)
	if err != nil {
		return "", fmt.Errorf("签名失败: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Release 清零私钥，之后所有签名操作都会返回 ErrReleased。
func (id *Identity) Release() {
	if id == nil {
		return
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.key == nil {
		return
	}
	words := id.key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	id.key.D.SetInt64(0)
	id.key = nil
}

// Released 报告私钥是否已清零。
func (id *Identity) Released() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.key == nil
}
