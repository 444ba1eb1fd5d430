package signer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	xerrors "MoltArb/internal/errors"
	"MoltArb/internal/orchestrator"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind 区分签名服务返回的三种结果。
type Kind int

const (
	// KindFailure 表示签名服务返回 success:false 或没有给出 success。
	KindFailure Kind = iota
	// KindSingle 表示返回单笔交易描述。
	KindSingle
	// KindMulti 表示返回有序的多笔交易描述。
	KindMulti
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindMulti:
		return "multi"
	default:
		return "failure"
	}
}

// TxDescriptor 是签名服务返回的一笔交易，calldata 不做语义校验。
type TxDescriptor struct {
	To          string `json:"to"`
	Calldata    string `json:"calldata"`
	Value       string `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

// Descriptor 转换为编排器使用的交易描述。
func (d TxDescriptor) Descriptor() (orchestrator.Descriptor, error) {
	if !common.IsHexAddress(d.To) {
		return orchestrator.Descriptor{}, fmt.Errorf("无效的目标地址: %q", d.To)
	}
	var data []byte
	if calldata := strings.TrimSpace(d.Calldata); calldata != "" && calldata != "0x" {
		decoded, err := hexutil.Decode(calldata)
		if err != nil {
			return orchestrator.Descriptor{}, fmt.Errorf("无效的 calldata: %w", err)
		}
		data = decoded
	}
	value := new(big.Int)
	if raw := strings.TrimSpace(d.Value); raw != "" {
		parsed, ok := new(big.Int).SetString(raw, 0)
		if !ok || parsed.Sign() < 0 {
			return orchestrator.Descriptor{}, fmt.Errorf("无效的 value: %q", d.Value)
		}
		value = parsed
	}
	return orchestrator.Descriptor{
		To:          common.HexToAddress(d.To),
		Data:        data,
		Value:       value,
		Description: d.Description,
	}, nil
}

// Result 是签名服务动作接口的标签化结果。
type Result struct {
	Kind         Kind
	Transactions []TxDescriptor
	Error        string
	// Raw 保留原始响应体用于透传。
	Raw json.RawMessage
}

// Descriptors 返回可交给编排器执行的交易序列，KindFailure 时报错。
func (r Result) Descriptors() ([]orchestrator.Descriptor, error) {
	if r.Kind == KindFailure {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, r.Error)
	}
	out := make([]orchestrator.Descriptor, 0, len(r.Transactions))
	for i, tx := range r.Transactions {
		desc, err := tx.Descriptor()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, fmt.Sprintf("签名服务返回的第 %d 笔交易无效", i))
		}
		out = append(out, desc)
	}
	return out, nil
}

// Fields 把原始响应解析为对象，用于与执行结果合并返回。
func (r Result) Fields() map[string]any {
	fields := map[string]any{}
	if len(r.Raw) > 0 {
		_ = json.Unmarshal(r.Raw, &fields)
	}
	return fields
}

type envelope struct {
	Success      *bool           `json:"success"`
	Error        string          `json:"error"`
	Message      string          `json:"message"`
	Transaction  json.RawMessage `json:"transaction"`
	Transactions json.RawMessage `json:"transactions"`
}

// decodeResult 穷举地解析签名服务响应，成功响应既无 transaction 也无 transactions 时视为上游错误。
func decodeResult(body []byte) (Result, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析签名服务响应失败")
	}
	result := Result{Raw: json.RawMessage(body)}

	// 缺少 success 字段与 success=false 同样按拒绝处理，响应原样返回给调用方。
	if env.Success == nil || !*env.Success {
		result.Kind = KindFailure
		result.Error = firstNonEmpty(env.Error, env.Message, "签名服务拒绝了请求")
		return result, nil
	}

	switch {
	case present(env.Transaction):
		var tx TxDescriptor
		if err := json.Unmarshal(env.Transaction, &tx); err != nil {
			return Result{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析 transaction 失败")
		}
		result.Kind = KindSingle
		result.Transactions = []TxDescriptor{tx}
	case present(env.Transactions):
		var txs []TxDescriptor
		if err := json.Unmarshal(env.Transactions, &txs); err != nil {
			return Result{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析 transactions 失败")
		}
		if len(txs) == 0 {
			return Result{}, xerrors.New(xerrors.CodeUpstreamFailure, "签名服务返回了空的交易列表")
		}
		result.Kind = KindMulti
		result.Transactions = txs
	default:
		return Result{}, xerrors.New(xerrors.CodeUpstreamFailure, "签名服务响应缺少交易描述")
	}
	return result, nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
