package web3

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ContractABI 是调用方提供的合约 ABI。支持 JSON ABI（数组或字符串形式）
// 以及 "function balanceOf(address owner) view returns (uint256)" 这类可读签名列表。
type ContractABI struct {
	abi abi.ABI
}

// ParseContractABI 解析请求中的 abi 字段。
func ParseContractABI(raw json.RawMessage) (*ContractABI, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("abi 为空")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("解析 abi 失败: %w", err)
		}
		return ParseContractABI(json.RawMessage(inner))
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("abi 必须是数组: %w", err)
	}
	source := raw
	if len(entries) > 0 && bytes.HasPrefix(bytes.TrimSpace(entries[0]), []byte(`"`)) {
		converted, err := humanReadableToJSON(entries)
		if err != nil {
			return nil, err
		}
		source = converted
	}
	parsed, err := abi.JSON(bytes.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("解析 abi 失败: %w", err)
	}
	return &ContractABI{abi: parsed}, nil
}

// Pack 按方法签名编码调用数据，args 为 JSON 值，数值可以是数字或十进制/0x 字符串。
func (c *ContractABI) Pack(method string, args []json.RawMessage) ([]byte, error) {
	m, ok := c.abi.Methods[method]
	if !ok {
		return nil, fmt.Errorf("abi 中没有方法 %s", method)
	}
	if len(args) != len(m.Inputs) {
		return nil, fmt.Errorf("方法 %s 需要 %d 个参数，实际 %d 个", method, len(m.Inputs), len(args))
	}
	values := make([]any, len(args))
	for i, input := range m.Inputs {
		v, err := convertArg(input.Type, args[i])
		if err != nil {
			return nil, fmt.Errorf("参数 %d (%s): %w", i, input.Type.String(), err)
		}
		values[i] = v
	}
	return c.abi.Pack(method, values...)
}

// FormatResult 解码 eth_call 的返回值。方法未声明返回值时原样返回十六进制。
// 多个返回值以逗号连接。
func (c *ContractABI) FormatResult(method string, out []byte) (string, error) {
	m, ok := c.abi.Methods[method]
	if !ok {
		return "", fmt.Errorf("abi 中没有方法 %s", method)
	}
	if len(m.Outputs) == 0 {
		return hexutil.Encode(out), nil
	}
	values, err := m.Outputs.Unpack(out)
	if err != nil {
		return "", fmt.Errorf("解码返回值失败: %w", err)
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatValue(reflect.ValueOf(v))
	}
	return strings.Join(parts, ","), nil
}

func humanReadableToJSON(entries []json.RawMessage) ([]byte, error) {
	type param struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	type fragment struct {
		Type            string  `json:"type"`
		Name            string  `json:"name"`
		Inputs          []param `json:"inputs"`
		Outputs         []param `json:"outputs"`
		StateMutability string  `json:"stateMutability"`
	}

	toParams := func(list string) ([]param, error) {
		list = strings.TrimSpace(list)
		if list == "" {
			return []param{}, nil
		}
		if strings.ContainsAny(list, "()") {
			return nil, fmt.Errorf("可读签名不支持 tuple 参数: %s", list)
		}
		var params []param
		for _, item := range strings.Split(list, ",") {
			fields := strings.Fields(item)
			if len(fields) == 0 {
				return nil, fmt.Errorf("参数列表不合法: %s", list)
			}
			p := param{Type: fields[0]}
			if len(fields) > 1 {
				p.Name = fields[len(fields)-1]
			}
			params = append(params, p)
		}
		return params, nil
	}

	fragments := make([]fragment, 0, len(entries))
	for _, entry := range entries {
		var sig string
		if err := json.Unmarshal(entry, &sig); err != nil {
			return nil, fmt.Errorf("abi 条目必须是字符串: %w", err)
		}
		sig = strings.TrimSpace(sig)
		if !strings.HasPrefix(sig, "function ") {
			// 事件、错误等条目与调用无关。
			continue
		}
		sig = strings.TrimSpace(strings.TrimPrefix(sig, "function "))
		open := strings.IndexByte(sig, '(')
		closing := strings.IndexByte(sig, ')')
		if open <= 0 || closing < open {
			return nil, fmt.Errorf("无法解析签名: %s", sig)
		}
		inputs, err := toParams(sig[open+1 : closing])
		if err != nil {
			return nil, err
		}
		f := fragment{
			Type:            "function",
			Name:            strings.TrimSpace(sig[:open]),
			Inputs:          inputs,
			Outputs:         []param{},
			StateMutability: "nonpayable",
		}
		rest := sig[closing+1:]
		modifiers, returns, hasReturns := strings.Cut(rest, "returns")
		for _, mod := range strings.Fields(modifiers) {
			switch mod {
			case "view", "pure", "payable":
				f.StateMutability = mod
			}
		}
		if hasReturns {
			returns = strings.TrimSpace(returns)
			if !strings.HasPrefix(returns, "(") || !strings.HasSuffix(returns, ")") {
				return nil, fmt.Errorf("无法解析返回值: %s", returns)
			}
			outputs, err := toParams(returns[1 : len(returns)-1])
			if err != nil {
				return nil, err
			}
			f.Outputs = outputs
		}
		fragments = append(fragments, f)
	}
	return json.Marshal(fragments)
}

func convertArg(t abi.Type, raw json.RawMessage) (any, error) {
	switch t.T {
	case abi.AddressTy:
		s, err := rawString(raw)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("地址不合法: %s", s)
		}
		return common.HexToAddress(s), nil
	case abi.UintTy, abi.IntTy:
		s, err := rawScalar(raw)
		if err != nil {
			return nil, err
		}
		n, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, fmt.Errorf("数值不合法: %s", s)
		}
		if t.T == abi.UintTy && n.Sign() < 0 {
			return nil, fmt.Errorf("无符号整数不能为负: %s", s)
		}
		goType := t.GetType()
		if goType == reflect.TypeOf(&big.Int{}) {
			return n, nil
		}
		v := reflect.New(goType).Elem()
		if t.T == abi.UintTy {
			if !n.IsUint64() || v.OverflowUint(n.Uint64()) {
				return nil, fmt.Errorf("数值超出 %s 范围: %s", t.String(), s)
			}
			v.SetUint(n.Uint64())
		} else {
			if !n.IsInt64() || v.OverflowInt(n.Int64()) {
				return nil, fmt.Errorf("数值超出 %s 范围: %s", t.String(), s)
			}
			v.SetInt(n.Int64())
		}
		return v.Interface(), nil
	case abi.BoolTy:
		s, err := rawScalar(raw)
		if err != nil {
			return nil, err
		}
		return strconv.ParseBool(s)
	case abi.StringTy:
		return rawString(raw)
	case abi.BytesTy:
		s, err := rawString(raw)
		if err != nil {
			return nil, err
		}
		return hexutil.Decode(s)
	case abi.FixedBytesTy:
		s, err := rawString(raw)
		if err != nil {
			return nil, err
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) != t.Size {
			return nil, fmt.Errorf("需要 %d 字节，实际 %d 字节", t.Size, len(b))
		}
		v := reflect.New(t.GetType()).Elem()
		reflect.Copy(v, reflect.ValueOf(b))
		return v.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("需要数组: %w", err)
		}
		var v reflect.Value
		if t.T == abi.SliceTy {
			v = reflect.MakeSlice(t.GetType(), len(items), len(items))
		} else {
			if len(items) != t.Size {
				return nil, fmt.Errorf("需要 %d 个元素，实际 %d 个", t.Size, len(items))
			}
			v = reflect.New(t.GetType()).Elem()
		}
		for i, item := range items {
			elem, err := convertArg(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("元素 %d: %w", i, err)
			}
			v.Index(i).Set(reflect.ValueOf(elem))
		}
		return v.Interface(), nil
	default:
		return nil, fmt.Errorf("不支持的参数类型 %s", t.String())
	}
}

func rawString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("需要字符串: %w", err)
	}
	return strings.TrimSpace(s), nil
}

// rawScalar 接受 JSON 字符串、数字或布尔值。
func rawScalar(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return rawString(trimmed)
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("参数不合法: %w", err)
	}
	switch x := v.(type) {
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("需要标量参数，实际为 %s", string(trimmed))
	}
}

func formatValue(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	switch x := v.Interface().(type) {
	case *big.Int:
		return x.String()
	case common.Address:
		return x.Hex()
	case []byte:
		return hexutil.Encode(x)
	case string:
		return x
	}
	switch v.Kind() {
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return hexutil.Encode(b)
		}
		fallthrough
	case reflect.Slice:
		parts := make([]string, v.Len())
		for i := range parts {
			parts[i] = formatValue(v.Index(i))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v.Interface())
	}
}
