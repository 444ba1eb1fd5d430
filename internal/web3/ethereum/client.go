package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"MoltArb/internal/web3"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// DefaultDialTimeout 为建立 RPC 连接时的默认超时。
const DefaultDialTimeout = 10 * time.Second

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	RPCURL      string
	ChainID     uint64
	DialTimeout time.Duration
	Notes       string
}

// Snapshot summarises the chain head for health reporting.
type Snapshot struct {
	Chain       string `json:"chain"`
	ChainID     uint64 `json:"chainId"`
	BlockNumber uint64 `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// Client is a named chain connection. It satisfies web3.Backend.
type Client struct {
	web3.Backend

	name    string
	notes   string
	chainID *big.Int

	mu      sync.Mutex
	closeFn func()
}

// Dial connects to the configured RPC endpoint and verifies the chain ID when
// one is configured.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rpcClient, err := gethrpc.DialContext(dialCtx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(dialCtx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		eth.Close()
		return nil, fmt.Errorf("链 %s 的 ID 为 %s，与配置的 %d 不一致", cfg.Name, chainID, cfg.ChainID)
	}

	return &Client{
		Backend: eth,
		name:    cfg.Name,
		notes:   cfg.Notes,
		chainID: chainID,
		closeFn: eth.Close,
	}, nil
}

// NewSimulated starts an in-process chain seeded with alloc. The returned
// backend is used by callers to mine blocks with Commit.
func NewSimulated(alloc types.GenesisAlloc) (*Client, *simulated.Backend, error) {
	sim := simulated.NewBackend(alloc)
	chainID, err := sim.Client().ChainID(context.Background())
	if err != nil {
		_ = sim.Close()
		return nil, nil, fmt.Errorf("获取模拟链 ID 失败: %w", err)
	}
	return &Client{
		Backend: sim.Client(),
		name:    "simulated",
		notes:   "simulated backend",
		chainID: chainID,
		closeFn: func() { _ = sim.Close() },
	}, sim, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// ChainIDValue returns the chain ID resolved at dial time.
func (c *Client) ChainIDValue() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	if c == nil || c.Backend == nil {
		return Snapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.Backend.ChainID(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.Backend.BlockNumber(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return Snapshot{
		Chain:       c.name,
		ChainID:     chainID.Uint64(),
		BlockNumber: blockNumber,
		Notes:       c.notes,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeFn != nil {
		c.closeFn()
		c.closeFn = nil
	}
}
