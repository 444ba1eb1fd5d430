package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"MoltArb/internal/auth"
	xerrors "MoltArb/internal/errors"
	"MoltArb/internal/orchestrator"
	"MoltArb/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

const unlimitedAllowance = "unlimited"

func decodeCalldata(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0x" {
		return nil, nil
	}
	data, err := hexutil.Decode(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "data must be 0x-prefixed hex")
	}
	return data, nil
}

// contractRequest 支持两种写法：原始 {data}，或 {abi, method, args} 由服务端编码。
type contractRequest struct {
	To     string            `json:"to"`
	Data   string            `json:"data"`
	ABI    json.RawMessage   `json:"abi"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
	Value  flexString        `json:"value"`
}

func (c contractRequest) usesABI() bool {
	return len(c.ABI) > 0 && string(c.ABI) != "null" && strings.TrimSpace(c.Method) != ""
}

// calldata 返回编码后的调用数据，ok 为 false 表示两种写法都没有提供。
func (c contractRequest) calldata() (data []byte, contract *web3.ContractABI, ok bool, err error) {
	switch {
	case strings.TrimSpace(c.Data) != "":
		data, err = decodeCalldata(c.Data)
		return data, nil, true, err
	case c.usesABI():
		contract, err = web3.ParseContractABI(c.ABI)
		if err != nil {
			return nil, nil, true, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "Invalid abi: "+err.Error())
		}
		data, err = contract.Pack(strings.TrimSpace(c.Method), c.Args)
		if err != nil {
			return nil, nil, true, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "Cannot encode "+c.Method+": "+err.Error())
		}
		return data, contract, true, nil
	default:
		return nil, nil, false, nil
	}
}

func (s *Server) handleContractCall(w http.ResponseWriter, r *http.Request) {
	var req contractRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !common.IsHexAddress(req.To) {
		s.writeError(w, r, invalid("Missing or invalid: to"))
		return
	}
	data, contract, ok, err := req.calldata()
	if !ok {
		s.writeError(w, r, invalid("Provide either {data} for raw call or {abi, method, args}"))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	client, err := s.chainFor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	to := common.HexToAddress(req.To)
	out, err := client.CallContract(r.Context(), gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "eth_call 失败: "+err.Error()))
		return
	}
	result := hexutil.Encode(out)
	if contract != nil {
		if result, err = contract.FormatResult(strings.TrimSpace(req.Method), out); err != nil {
			s.writeError(w, r, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, err.Error()))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result,
	})
}

func (s *Server) handleContractSend(w http.ResponseWriter, r *http.Request) {
	var req contractRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !common.IsHexAddress(req.To) {
		s.writeError(w, r, invalid("Missing or invalid: to"))
		return
	}
	data, _, ok, err := req.calldata()
	if !ok {
		s.writeError(w, r, invalid("Provide {data} or {abi, method, args}"))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	value := new(big.Int)
	if req.Value != "" {
		value, err = parseAmount(req.Value.String(), web3.EtherDecimals)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	description := "contract call"
	if req.usesABI() && strings.TrimSpace(req.Data) == "" {
		description = "contract call " + strings.TrimSpace(req.Method)
	}
	identity := auth.IdentityFromContext(r.Context())
	ctx := orchestrator.WithOperation(r.Context(), "contract.send")
	result, err := s.deps.Executor.ExecuteTx(ctx, identity, orchestrator.Descriptor{
		To:          common.HexToAddress(req.To),
		Data:        data,
		Value:       value,
		Description: description,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"txHash":      result.TxHash.Hex(),
		"blockNumber": result.BlockNumber,
		"gasUsed":     strconv.FormatUint(result.GasUsed, 10),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token   string     `json:"token"`
		Spender string     `json:"spender"`
		Amount  flexString `json:"amount"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Token == "" || req.Spender == "" || req.Amount == "" {
		s.writeError(w, r, invalid("Missing: token, spender, amount"))
		return
	}
	if !common.IsHexAddress(req.Spender) {
		s.writeError(w, r, invalid("Invalid spender address"))
		return
	}
	tokenAddr, err := s.resolveToken(req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	identity := auth.IdentityFromContext(r.Context())
	var amount *big.Int
	if strings.EqualFold(req.Amount.String(), unlimitedAllowance) {
		amount = new(big.Int).Set(math.MaxBig256)
	} else {
		decimals, err := web3.NewERC20(tokenAddr, identity.Backend()).Decimals(r.Context())
		if err != nil {
			s.writeError(w, r, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "查询代币精度失败"))
			return
		}
		amount, err = parseAmount(req.Amount.String(), decimals)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	spender := common.HexToAddress(req.Spender)
	data, err := web3.ApproveData(spender, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := orchestrator.WithOperation(r.Context(), "contract.approve")
	result, err := s.deps.Executor.ExecuteTx(ctx, identity, orchestrator.Descriptor{
		To:          tokenAddr,
		Data:        data,
		Description: "approve " + spender.Hex(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"txHash":  result.TxHash.Hex(),
		"token":   tokenAddr.Hex(),
		"spender": spender.Hex(),
		"amount":  req.Amount.String(),
	})
}
