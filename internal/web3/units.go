package web3

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// EtherDecimals 为原生 ETH 的精度。
const EtherDecimals = 18

// FormatUnits 把最小单位的整数格式化为十进制字符串，整数值保留一位小数，例如 "1.0"。
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		value = new(big.Int)
	}
	sign := ""
	digits := value.String()
	if value.Sign() < 0 {
		sign = "-"
		digits = digits[1:]
	}
	width := int(decimals) + 1
	if len(digits) < width {
		digits = strings.Repeat("0", width-len(digits)) + digits
	}
	whole := digits[:len(digits)-int(decimals)]
	frac := strings.TrimRight(digits[len(digits)-int(decimals):], "0")
	if frac == "" {
		frac = "0"
	}
	return sign + whole + "." + frac
}

// ParseUnits 把十进制字符串转换为最小单位整数，小数位超过精度时报错。
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, errors.New("金额不能为空")
	}
	negative := false
	if strings.HasPrefix(amount, "-") {
		negative = true
		amount = amount[1:]
	}

	whole, frac, hasDot := strings.Cut(amount, ".")
	if whole == "" && (!hasDot || frac == "") {
		return nil, fmt.Errorf("无效的金额: %q", amount)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, fmt.Errorf("无效的金额: %q", amount)
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("金额 %q 的小数位超过精度 %d", amount, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	combined := strings.TrimLeft(whole+frac, "0")
	if combined == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("无效的金额: %q", amount)
	}
	if negative {
		value.Neg(value)
	}
	return value, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
