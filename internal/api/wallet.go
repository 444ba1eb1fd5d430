package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"MoltArb/internal/auth"
	"MoltArb/internal/credential"
	xerrors "MoltArb/internal/errors"
	"MoltArb/internal/orchestrator"
	"MoltArb/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
)

const walletNote = "Save your API key. It cannot be retrieved again. Use it as: Authorization: Bearer moltarb_..."

type namedToken struct {
	Name    string
	Address common.Address
}

func tokenTable(c Contracts) map[string]common.Address {
	table := make(map[string]common.Address, 4)
	for symbol, addr := range map[string]string{
		"USDC":  c.USDC,
		"WETH":  c.WETH,
		"ROSE":  c.ROSE,
		"VROSE": c.VROSE,
	} {
		if common.IsHexAddress(addr) {
			table[symbol] = common.HexToAddress(addr)
		}
	}
	return table
}

// balanceTokens 为余额接口展示的代币，顺序固定。
func (s *Server) balanceTokens() []namedToken {
	tokens := make([]namedToken, 0, 3)
	for _, t := range []struct{ name, symbol string }{
		{"USDC", "USDC"},
		{"ROSE", "ROSE"},
		{"vROSE", "VROSE"},
	} {
		if addr, ok := s.tokens[t.symbol]; ok {
			tokens = append(tokens, namedToken{Name: t.name, Address: addr})
		}
	}
	return tokens
}

// resolveToken 接受代币符号或合约地址。
func (s *Server) resolveToken(token string) (common.Address, error) {
	if addr, ok := s.tokens[strings.ToUpper(strings.TrimSpace(token))]; ok {
		return addr, nil
	}
	if common.IsHexAddress(token) {
		return common.HexToAddress(token), nil
	}
	return common.Address{}, invalid("Unknown token: %s", token)
}

// balances 查询 ETH 与展示代币余额。ETH 查询失败视为上游错误，单个代币失败记为 "0"。
func (s *Server) balances(ctx context.Context, backend web3.Backend, owner common.Address) (map[string]string, error) {
	wei, err := backend.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "查询 ETH 余额失败")
	}
	out := map[string]string{"ETH": web3.FormatUnits(wei, web3.EtherDecimals)}
	for _, token := range s.balanceTokens() {
		erc20 := web3.NewERC20(token.Address, backend)
		balance, err := erc20.BalanceOf(ctx, owner)
		if err != nil {
			s.log.Debug("代币余额查询失败", "token", token.Name, "err", err)
			out[token.Name] = "0"
			continue
		}
		decimals, err := erc20.Decimals(ctx)
		if err != nil {
			s.log.Debug("代币精度查询失败", "token", token.Name, "err", err)
			out[token.Name] = "0"
			continue
		}
		out[token.Name] = web3.FormatUnits(balance, decimals)
	}
	return out, nil
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	issued, err := s.deps.Issuer.Issue(r.Context(), req.Label)
	if err != nil {
		if errors.Is(err, credential.ErrConflict) {
			err = xerrors.Wrap(xerrors.CodeConflict, err, "Wallet already exists, try again")
		}
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"apiKey":  issued.APIKey,
		"address": issued.Address,
		"label":   issued.Label,
		"chain":   s.deps.Chains.DefaultName(),
		"note":    walletNote,
	})
}

func (s *Server) handleWalletInfo(w http.ResponseWriter, r *http.Request) {
	record := auth.AgentFromContext(r.Context())
	identity := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"address":        identity.Address().Hex(),
		"label":          record.Label,
		"chain":          s.deps.Chains.DefaultName(),
		"roseRegistered": record.HasExternalKey(),
	})
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	balances, err := s.balances(r.Context(), identity.Backend(), identity.Address())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":  identity.Address().Hex(),
		"chain":    s.deps.Chains.DefaultName(),
		"balances": balances,
	})
}

func (s *Server) handlePublicBalance(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		s.writeError(w, r, invalid("Invalid address"))
		return
	}
	client, err := s.chainFor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	address := common.HexToAddress(raw)
	balances, err := s.balances(r.Context(), client, address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":  address.Hex(),
		"chain":    client.Name(),
		"balances": balances,
	})
}

type transferRequest struct {
	To     string     `json:"to"`
	Token  string     `json:"token"`
	Amount flexString `json:"amount"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.To == "" || req.Amount == "" {
		s.writeError(w, r, invalid("Missing: to, amount"))
		return
	}
	if !common.IsHexAddress(req.To) {
		s.writeError(w, r, invalid("Invalid recipient address"))
		return
	}

	identity := auth.IdentityFromContext(r.Context())
	to := common.HexToAddress(req.To)
	symbol := strings.ToUpper(strings.TrimSpace(req.Token))

	var step orchestrator.Descriptor
	if symbol == "" || symbol == "ETH" {
		symbol = "ETH"
		value, err := parseAmount(req.Amount.String(), web3.EtherDecimals)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		step = orchestrator.Descriptor{To: to, Value: value, Description: "transfer ETH"}
	} else {
		tokenAddr, err := s.resolveToken(req.Token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		decimals, err := web3.NewERC20(tokenAddr, identity.Backend()).Decimals(r.Context())
		if err != nil {
			s.writeError(w, r, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "查询代币精度失败"))
			return
		}
		amount, err := parseAmount(req.Amount.String(), decimals)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		data, err := web3.TransferData(to, amount)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		step = orchestrator.Descriptor{To: tokenAddr, Data: data, Description: "transfer " + symbol}
	}

	ctx := orchestrator.WithOperation(r.Context(), "wallet.transfer")
	result, err := s.deps.Executor.ExecuteTx(ctx, identity, step)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"txHash":      result.TxHash.Hex(),
		"blockNumber": result.BlockNumber,
		"from":        identity.Address().Hex(),
		"to":          to.Hex(),
		"amount":      req.Amount.String(),
		"token":       symbol,
	})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Message == "" {
		s.writeError(w, r, invalid("Missing: message"))
		return
	}
	identity := auth.IdentityFromContext(r.Context())
	signature, err := identity.SignMessage([]byte(req.Message))
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInternal, err, "签名失败"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"address":   identity.Address().Hex(),
		"message":   req.Message,
		"signature": signature,
		"type":      "personal_sign",
	})
}

func (s *Server) handleSignHash(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hash string `json:"hash"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Hash == "" {
		s.writeError(w, r, invalid("Missing: hash (0x-prefixed bytes32)"))
		return
	}
	hash, err := hexutil.Decode(req.Hash)
	if err != nil || len(hash) != common.HashLength {
		s.writeError(w, r, invalid("hash must be 0x-prefixed bytes32"))
		return
	}
	identity := auth.IdentityFromContext(r.Context())
	signature, err := identity.SignHash(hash)
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInternal, err, "签名失败"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"address":   identity.Address().Hex(),
		"hash":      req.Hash,
		"signature": signature,
		"type":      "raw_sign",
	})
}

func (s *Server) handleSignTyped(w http.ResponseWriter, r *http.Request) {
	var req typedDataRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := req.typedData()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	identity := auth.IdentityFromContext(r.Context())
	signature, err := identity.SignTypedData(data)
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("Invalid typed data: %v", err)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"address":     identity.Address().Hex(),
		"primaryType": data.PrimaryType,
		"signature":   signature,
		"type":        "eip712",
	})
}

// parseAmount 解析非负十进制金额。
func parseAmount(amount string, decimals uint8) (*big.Int, error) {
	value, err := web3.ParseUnits(amount, decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("Invalid amount: %s", amount))
	}
	if value.Sign() < 0 {
		return nil, invalid("Invalid amount: %s", amount)
	}
	return value, nil
}
