package moltarb

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestCreateWalletStoresAPIKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/wallet/create":
			if r.Method != http.MethodPost {
				t.Errorf("unexpected method: %s", r.Method)
			}
			if r.Header.Get("Authorization") != "" {
				t.Errorf("create must not send credentials")
			}
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Wallet{APIKey: "moltarb_abc", Address: "0x1", Label: body["label"]})
		case "/api/wallet/info":
			if got := r.Header.Get("Authorization"); got != "Bearer moltarb_abc" {
				t.Errorf("unexpected authorization: %q", got)
			}
			_ = json.NewEncoder(w).Encode(WalletInfo{Address: "0x1", Label: "bot", RoseRegistered: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	wallet, err := client.CreateWallet(context.Background(), "bot")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if wallet.Label != "bot" {
		t.Fatalf("unexpected label: %q", wallet.Label)
	}
	if client.APIKey() != "moltarb_abc" {
		t.Fatalf("api key not stored: %q", client.APIKey())
	}

	info, err := client.Info(context.Background())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !info.RoseRegistered || info.Address != "0x1" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestAuthenticatedCallRequiresKey(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	if _, err := client.Balance(context.Background()); err == nil {
		t.Fatal("expected error without api key")
	}
	if called {
		t.Fatal("request must not be sent without api key")
	}
}

func TestTransferAndSign(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/wallet/transfer":
			var req TransferRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode: %v", err)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true, "txHash": "0xabc", "blockNumber": 7,
				"to": req.To, "amount": req.Amount, "token": "ETH",
			})
		case "/api/wallet/sign":
			_ = json.NewEncoder(w).Encode(Signature{Address: "0x1", Signature: "0xsig", Type: "personal_sign"})
		}
	})
	client.SetAPIKey("moltarb_key")

	receipt, err := client.Transfer(context.Background(), TransferRequest{To: "0x2", Amount: "0.1"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if receipt.TxHash != "0xabc" || receipt.BlockNumber != 7 || receipt.Amount != "0.1" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	sig, err := client.Sign(context.Background(), "hello")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig.Type != "personal_sign" {
		t.Fatalf("unexpected signature type: %q", sig.Type)
	}
}

func TestClaimTaskKeepsForwardedFields(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rose/claim-task" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"taskId":"9","claimed":true,"txHash":"0x01","results":[{"step":0,"txHash":"0x01","blockNumber":3,"gasUsed":50000}]}`))
	})
	client.SetAPIKey("moltarb_key")

	result, err := client.ClaimTask(context.Background(), "9")
	if err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if !result.Success || len(result.Results) != 1 || result.Results[0].GasUsed != 50000 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if string(result.Fields["claimed"]) != "true" {
		t.Fatalf("forwarded field missing: %s", result.Fields["claimed"])
	}
}

func TestPartialSequenceError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"success":false,"code":"PARTIAL_SEQUENCE","error":"step 1 (deposit): reverted","results":[{"step":0,"txHash":"0x01","blockNumber":3,"gasUsed":46000}],"failedStep":{"step":1,"description":"deposit","error":"reverted"}}`))
	})
	client.SetAPIKey("moltarb_key")

	_, err := client.Deposit(context.Background(), "10")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Code != "PARTIAL_SEQUENCE" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	seq, ok := apiErr.Sequence()
	if !ok {
		t.Fatal("expected partial sequence")
	}
	if len(seq.Results) != 1 || seq.FailedStep.Index != 1 {
		t.Fatalf("unexpected sequence: %+v", seq)
	}
}

func TestUnauthorizedError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Invalid API key","code":"INVALID_CREDENTIAL"}`))
	})
	client.SetAPIKey("moltarb_bad")

	_, err := client.Stake(context.Background(), "1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Message != "Invalid API key" {
		t.Fatalf("unexpected message: %q", apiErr.Message)
	}
	if _, ok := apiErr.Sequence(); ok {
		t.Fatal("unauthorized response carries no sequence")
	}
}

func TestContractSendEncodesABIForm(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if _, ok := body["data"]; ok {
			t.Errorf("data must be omitted for the abi form")
		}
		if string(body["method"]) != `"ping"` || string(body["args"]) != `[5]` {
			t.Errorf("unexpected body: %s %s", body["method"], body["args"])
		}
		_ = json.NewEncoder(w).Encode(Receipt{TxHash: "0xabc", BlockNumber: 7, GasUsed: "21204"})
	})
	client.SetAPIKey("moltarb_abc")

	receipt, err := client.ContractSend(context.Background(), ContractSendRequest{
		To:     "0x00000000000000000000000000000000000000b2",
		ABI:    json.RawMessage(`["function ping(uint256 x)"]`),
		Method: "ping",
		Args:   []any{5},
	})
	if err != nil {
		t.Fatalf("contract send: %v", err)
	}
	if receipt.TxHash != "0xabc" || receipt.GasUsed != "21204" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}
