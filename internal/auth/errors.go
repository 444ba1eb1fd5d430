// Package auth 实现托管 API Key 的鉴权：解析 Bearer Token、查找凭证、解密私钥，
// 并构造仅在单个请求内有效的签名身份。
package auth

import "errors"

// 鉴权失败的哨兵错误。Authenticate 返回的错误会同时携带统一错误码。
var (
	ErrMissingToken      = errors.New("missing bearer token")
	ErrInvalidFormat     = errors.New("invalid api key format")
	ErrInvalidCredential = errors.New("invalid api key")
	ErrKeyUnavailable    = errors.New("signing key unavailable")
	ErrStoreUnavailable  = errors.New("credential store unavailable")
)

// 面向调用方的固定提示，不包含内部细节。
const (
	msgMissingToken  = "Missing API key. Use Authorization: Bearer moltarb_..."
	msgInvalidFormat = "Invalid API key format"
	msgInvalidKey    = "Invalid API key"
	msgAuthFailed    = "Authentication failed"
	msgUnavailable   = "Service temporarily unavailable"
)
