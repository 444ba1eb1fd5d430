package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"MoltArb/internal/web3"
	"MoltArb/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]*ethereum.Client
}

// NewRegistry dials every chain in defs and returns the registry.
func NewRegistry(ctx context.Context, defs web3.ChainDefinitions, defaultChain string, dialTimeout time.Duration) (*Registry, error) {
	clients := make(map[string]*ethereum.Client)
	closeAll := func() {
		for _, client := range clients {
			client.Close()
		}
	}

	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.Dial(ctx, ethereum.Config{
				Name:        name,
				RPCURL:      chain.RPCURL,
				ChainID:     chain.ChainID,
				DialTimeout: dialTimeout,
				Notes:       chain.Description,
			})
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if defaultChain == "" {
		defaultChain = defs.Default
	}
	registry, err := NewStaticRegistry(defaultChain, clients)
	if err != nil {
		closeAll()
		return nil, err
	}
	return registry, nil
}

// NewStaticRegistry wraps already constructed clients, typically simulated
// backends in tests.
func NewStaticRegistry(defaultChain string, clients map[string]*ethereum.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	copied := make(map[string]*ethereum.Client, len(clients))
	for name, client := range clients {
		copied[name] = client
	}
	return &Registry{defaultChain: defaultChain, clients: copied}, nil
}

// Default returns the client configured as default chain.
func (r *Registry) Default() *ethereum.Client {
	if r == nil {
		return nil
	}
	return r.clients[r.defaultChain]
}

// DefaultName returns the default chain name.
func (r *Registry) DefaultName() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Get returns the chain client identified by name.
func (r *Registry) Get(name string) (*ethereum.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
