package signer

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "MoltArb/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL + "/", HTTPClient: srv.Client()})
	require.NoError(t, err)
	return client
}

func TestRegisterSendsLowercasedAddress(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/agents/register", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "0xabcdef0000000000000000000000000000000001", body["walletAddress"])
		assert.Equal(t, "0xsig", body["signature"])

		_, _ = w.Write([]byte(`{"success":true,"apiKey":"rose_abc123","agentId":7}`))
	})

	reg, err := client.Register(context.Background(), "0xABCDEF0000000000000000000000000000000001", "0xsig")
	require.NoError(t, err)
	assert.Equal(t, "rose_abc123", reg.APIKey)
	assert.Contains(t, string(reg.Raw), `"agentId":7`)
}

func TestRegisterRequiresAPIKey(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	_, err := client.Register(context.Background(), "0x01", "0xsig")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeUpstreamFailure, xerrors.CodeOf(err))
}

func TestDepositReturnsMultiStepResult(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agent/vault/deposit", r.URL.Path)
		assert.Equal(t, "Bearer rose_key", r.Header.Get("Authorization"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "10", body["amount"])

		_, _ = w.Write([]byte(`{"success":true,"transactions":[
			{"to":"0xaf88d065e77c8cC2239327C5EDb3A432268e5831","calldata":"0x095ea7b3","description":"Approve USDC"},
			{"to":"0x9ca13a886F8f9a6CBa8e48c5624DD08a49214B57","calldata":"0xb6b55f25","value":"0x10","description":"Deposit"}
		],"expectedRose":"9.5"}`))
	})

	result, err := client.Deposit(context.Background(), "rose_key", "10")
	require.NoError(t, err)
	assert.Equal(t, KindMulti, result.Kind)
	require.Len(t, result.Transactions, 2)

	descs, err := result.Descriptors()
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"), descs[0].To)
	assert.Equal(t, []byte{0x09, 0x5e, 0xa7, 0xb3}, descs[0].Data)
	assert.Equal(t, big.NewInt(16), descs[1].Value)
	assert.Equal(t, "Deposit", descs[1].Description)
	assert.Equal(t, "9.5", result.Fields()["expectedRose"])
}

func TestClaimTaskReturnsSingleStepResult(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agent/marketplace/tasks/42/claim", r.URL.Path)
		_, _ = w.Write([]byte(`{"success":true,"transaction":{"to":"0x5A79FffcF7a18c5e8Fd18f38288042b7518dda25","calldata":"0x379607f5"}}`))
	})

	result, err := client.ClaimTask(context.Background(), "rose_key", "42")
	require.NoError(t, err)
	assert.Equal(t, KindSingle, result.Kind)
	descs, err := result.Descriptors()
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, 0, descs[0].Value.Sign())
}

func TestActionFailureResult(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"insufficient USDC"}`))
	})

	result, err := client.Stake(context.Background(), "rose_key", "1")
	require.NoError(t, err)
	assert.Equal(t, KindFailure, result.Kind)
	assert.Equal(t, "insufficient USDC", result.Error)

	_, err = result.Descriptors()
	require.Error(t, err)
}

func TestMissingSuccessIsFailure(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"only error":       `{"error":"task already claimed"}`,
		"transaction only": `{"transaction":{"to":"0x5A79FffcF7a18c5e8Fd18f38288042b7518dda25","calldata":"0x379607f5"}}`,
		"empty object":     `{}`,
	}
	for name, body := range cases {
		result, err := decodeResult([]byte(body))
		require.NoError(t, err, name)
		assert.Equal(t, KindFailure, result.Kind, name)
		assert.Empty(t, result.Transactions, name)
		assert.JSONEq(t, body, string(result.Raw), name)
	}

	result, err := decodeResult([]byte(`{"error":"task already claimed"}`))
	require.NoError(t, err)
	assert.Equal(t, "task already claimed", result.Error)
}

func TestActionRequiresExternalKey(t *testing.T) {
	t.Parallel()

	called := false
	client := newTestClient(t, func(http.ResponseWriter, *http.Request) { called = true })
	_, err := client.CompleteTask(context.Background(), "", "1", "https://github.com/x/y/pull/1")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	assert.False(t, called)
}

func TestNonSuccessStatusBecomesAPIError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad api key"}`))
	})

	_, err := client.Deposit(context.Background(), "rose_key", "1")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeUpstreamFailure, xerrors.CodeOf(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "bad api key", apiErr.Message)
}

func TestDecodeResultIsExhaustive(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"neither shape": `{"success":true}`,
		"null shapes":   `{"success":true,"transaction":null,"transactions":null}`,
		"empty list":    `{"success":true,"transactions":[]}`,
		"not json":      `<html>`,
	}
	for name, body := range cases {
		_, err := decodeResult([]byte(body))
		require.Error(t, err, name)
		assert.Equal(t, xerrors.CodeUpstreamFailure, xerrors.CodeOf(err), name)
	}
}

func TestDescriptorValidation(t *testing.T) {
	t.Parallel()

	_, err := TxDescriptor{To: "nope", Calldata: "0x"}.Descriptor()
	require.Error(t, err)
	_, err = TxDescriptor{To: "0x5A79FffcF7a18c5e8Fd18f38288042b7518dda25", Calldata: "0xzz"}.Descriptor()
	require.Error(t, err)
	_, err = TxDescriptor{To: "0x5A79FffcF7a18c5e8Fd18f38288042b7518dda25", Value: "-1"}.Descriptor()
	require.Error(t, err)

	desc, err := TxDescriptor{To: "0x5A79FffcF7a18c5e8Fd18f38288042b7518dda25", Value: "1000"}.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000), desc.Value)
	assert.Nil(t, desc.Data)
}

func TestTasksPassthrough(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"tasks":[{"id":1}]}`))
	})

	raw, err := client.Tasks(context.Background(), "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tasks":[{"id":1}]}`, string(raw))
}
