package api

import (
	"encoding/json"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const domainType = "EIP712Domain"

// typedDataRequest 对应 ethers 风格的 {domain, types, value}，
// types 中可以省略 EIP712Domain，primaryType 可以省略。
type typedDataRequest struct {
	Domain      *typedDomain               `json:"domain"`
	Types       map[string][]apitypes.Type `json:"types"`
	Value       map[string]any             `json:"value"`
	Message     map[string]any             `json:"message"`
	PrimaryType string                     `json:"primaryType"`
}

type typedDomain struct {
	Name              string          `json:"name"`
	Version           string          `json:"version"`
	ChainID           json.RawMessage `json:"chainId"`
	VerifyingContract string          `json:"verifyingContract"`
	Salt              string          `json:"salt"`
}

func (d *typedDomain) chainID() (*big.Int, bool, error) {
	raw := strings.TrimSpace(string(d.ChainID))
	if raw == "" || raw == "null" {
		return nil, false, nil
	}
	var text string
	if strings.HasPrefix(raw, `"`) {
		if err := json.Unmarshal(d.ChainID, &text); err != nil {
			return nil, false, err
		}
	} else {
		text = raw
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(text), 0)
	if !ok || value.Sign() < 0 {
		return nil, false, invalid("Invalid domain chainId: %s", raw)
	}
	return value, true, nil
}

func (req typedDataRequest) typedData() (apitypes.TypedData, error) {
	message := req.Value
	if message == nil {
		message = req.Message
	}
	if req.Domain == nil || len(req.Types) == 0 || message == nil {
		return apitypes.TypedData{}, invalid("Missing: domain, types, value (EIP-712 typed data)")
	}

	chainID, hasChainID, err := req.Domain.chainID()
	if err != nil {
		return apitypes.TypedData{}, err
	}
	domain := apitypes.TypedDataDomain{
		Name:              req.Domain.Name,
		Version:           req.Domain.Version,
		VerifyingContract: req.Domain.VerifyingContract,
		Salt:              req.Domain.Salt,
	}
	if hasChainID {
		domain.ChainId = (*math.HexOrDecimal256)(chainID)
	}

	types := make(apitypes.Types, len(req.Types)+1)
	for name, fields := range req.Types {
		types[name] = fields
	}
	if _, ok := types[domainType]; !ok {
		types[domainType] = domainFields(req.Domain, hasChainID)
	}

	primary := req.PrimaryType
	if primary == "" {
		primary, err = inferPrimaryType(types)
		if err != nil {
			return apitypes.TypedData{}, err
		}
	}
	if _, ok := types[primary]; !ok {
		return apitypes.TypedData{}, invalid("Unknown primaryType: %s", primary)
	}

	return apitypes.TypedData{
		Types:       types,
		PrimaryType: primary,
		Domain:      domain,
		Message:     apitypes.TypedDataMessage(message),
	}, nil
}

// domainFields 按 EIP-712 规定的顺序列出实际出现的域字段。
func domainFields(d *typedDomain, hasChainID bool) []apitypes.Type {
	fields := make([]apitypes.Type, 0, 5)
	if d.Name != "" {
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if d.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if hasChainID {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if d.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if d.Salt != "" {
		fields = append(fields, apitypes.Type{Name: "salt", Type: "bytes32"})
	}
	return fields
}

// inferPrimaryType 选出唯一一个未被其他类型引用的结构体。
func inferPrimaryType(types apitypes.Types) (string, error) {
	referenced := make(map[string]struct{})
	for name, fields := range types {
		if name == domainType {
			continue
		}
		for _, field := range fields {
			base, _, _ := strings.Cut(field.Type, "[")
			referenced[base] = struct{}{}
		}
	}
	var roots []string
	for name := range types {
		if name == domainType {
			continue
		}
		if _, ok := referenced[name]; !ok {
			roots = append(roots, name)
		}
	}
	sort.Strings(roots)
	if len(roots) != 1 {
		return "", invalid("Ambiguous primaryType, candidates: %s", strings.Join(roots, ", "))
	}
	return roots[0], nil
}
