// Package moltarb is a Go client for the MoltArb custodial wallet API.
package moltarb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Relay calls wait for on-chain confirmations, so it is longer than a typical
// REST timeout.
const DefaultHTTPTimeout = 5 * time.Minute

// Client wraps the HTTP interactions with the MoltArb REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// Wallet is returned once when a custodial wallet is created.
type Wallet struct {
	APIKey  string `json:"apiKey"`
	Address string `json:"address"`
	Label   string `json:"label"`
	Chain   string `json:"chain"`
	Note    string `json:"note"`
}

// WalletInfo describes the wallet bound to the current API key.
type WalletInfo struct {
	Address        string `json:"address"`
	Label          string `json:"label"`
	Chain          string `json:"chain"`
	RoseRegistered bool   `json:"roseRegistered"`
}

// Balances holds human readable balances keyed by symbol.
type Balances struct {
	Address  string            `json:"address"`
	Chain    string            `json:"chain"`
	Balances map[string]string `json:"balances"`
}

// TransferRequest moves ETH or an ERC20 token. Token is a symbol, an address,
// or empty for ETH.
type TransferRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
	Token  string `json:"token,omitempty"`
}

// Receipt summarises a confirmed transaction.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     string `json:"gasUsed,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Token       string `json:"token,omitempty"`
}

// Signature is the result of the signing endpoints.
type Signature struct {
	Address     string `json:"address"`
	Signature   string `json:"signature"`
	Type        string `json:"type"`
	PrimaryType string `json:"primaryType,omitempty"`
}

// ContractSendRequest submits either raw calldata or an ABI method call that
// the server encodes. Value is in ETH.
type ContractSendRequest struct {
	To     string          `json:"to"`
	Data   string          `json:"data,omitempty"`
	ABI    json.RawMessage `json:"abi,omitempty"`
	Method string          `json:"method,omitempty"`
	Args   []any           `json:"args,omitempty"`
	Value  string          `json:"value,omitempty"`
}

// Step is one confirmed transaction of a relayed sequence.
type Step struct {
	Index       int    `json:"step"`
	Description string `json:"description,omitempty"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

// FailedStep describes the step that stopped a sequence.
type FailedStep struct {
	Index       int    `json:"step"`
	Description string `json:"description,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	Error       string `json:"error"`
}

// SequenceResult is returned by the Rose Token relay endpoints.
type SequenceResult struct {
	Success    bool        `json:"success"`
	TxHash     string      `json:"txHash,omitempty"`
	Results    []Step      `json:"results"`
	FailedStep *FailedStep `json:"failedStep,omitempty"`
	Error      string      `json:"error,omitempty"`

	// Fields keeps every top-level value of the response, including the ones
	// forwarded from the signer service.
	Fields map[string]json.RawMessage `json:"-"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	Body       []byte `json:"-"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("moltarb api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("moltarb api error (%d): %s", e.StatusCode, e.Message)
}

// Sequence decodes the partial result carried by a failed relay call.
func (e *APIError) Sequence() (*SequenceResult, bool) {
	if e == nil || len(e.Body) == 0 {
		return nil, false
	}
	result, err := decodeSequence(e.Body)
	if err != nil || result.FailedStep == nil {
		return nil, false
	}
	return result, true
}

// NewClient instantiates a client for the MoltArb API. When httpClient is nil,
// a default client is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// APIKey returns the key used for authenticated calls.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// SetAPIKey overrides the key used for authenticated calls.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// CreateWallet provisions a new custodial wallet and stores its API key on the
// client.
func (c *Client) CreateWallet(ctx context.Context, label string) (Wallet, error) {
	var wallet Wallet
	payload := map[string]string{}
	if label != "" {
		payload["label"] = label
	}
	if err := c.post(ctx, "/api/wallet/create", payload, &wallet, false); err != nil {
		return Wallet{}, err
	}
	c.SetAPIKey(wallet.APIKey)
	return wallet, nil
}

// Info returns the wallet bound to the API key.
func (c *Client) Info(ctx context.Context) (WalletInfo, error) {
	var info WalletInfo
	if err := c.get(ctx, "/api/wallet/info", &info, true); err != nil {
		return WalletInfo{}, err
	}
	return info, nil
}

// Balance returns the balances of the authenticated wallet.
func (c *Client) Balance(ctx context.Context) (Balances, error) {
	var out Balances
	if err := c.get(ctx, "/api/wallet/balance", &out, true); err != nil {
		return Balances{}, err
	}
	return out, nil
}

// Transfer sends ETH or tokens and waits for confirmation.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	var receipt Receipt
	if err := c.post(ctx, "/api/wallet/transfer", req, &receipt, true); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// Sign produces an EIP-191 personal signature over message.
func (c *Client) Sign(ctx context.Context, message string) (Signature, error) {
	var sig Signature
	if err := c.post(ctx, "/api/wallet/sign", map[string]string{"message": message}, &sig, true); err != nil {
		return Signature{}, err
	}
	return sig, nil
}

// ContractSend submits calldata from the wallet.
func (c *Client) ContractSend(ctx context.Context, req ContractSendRequest) (Receipt, error) {
	var receipt Receipt
	if err := c.post(ctx, "/api/contract/send", req, &receipt, true); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// Deposit relays a Rose Token treasury deposit of amount USDC.
func (c *Client) Deposit(ctx context.Context, amount string) (*SequenceResult, error) {
	return c.relay(ctx, "/api/rose/deposit", map[string]string{"amount": amount})
}

// Stake relays a vROSE stake.
func (c *Client) Stake(ctx context.Context, amount string) (*SequenceResult, error) {
	return c.relay(ctx, "/api/rose/stake", map[string]string{"amount": amount})
}

// ClaimTask relays a marketplace task claim.
func (c *Client) ClaimTask(ctx context.Context, taskID string) (*SequenceResult, error) {
	return c.relay(ctx, "/api/rose/claim-task", map[string]string{"taskId": taskID})
}

func (c *Client) relay(ctx context.Context, endpoint string, payload any) (*SequenceResult, error) {
	var raw json.RawMessage
	if err := c.post(ctx, endpoint, payload, &raw, true); err != nil {
		return nil, err
	}
	return decodeSequence(raw)
}

func decodeSequence(data []byte) (*SequenceResult, error) {
	var result SequenceResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(data, &result.Fields); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		key := c.APIKey()
		if key == "" {
			return nil, errors.New("moltarb: api key is not set")
		}
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: data}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
