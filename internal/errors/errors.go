package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown            Code = "UNKNOWN"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeInvalidCredential  Code = "INVALID_CREDENTIAL"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeIntegrityFailure   Code = "INTEGRITY_FAILURE"
	CodeDecodeFailure      Code = "DECODE_FAILURE"
	CodeConfigurationFault Code = "CONFIGURATION_FAULT"
	CodeStorageFailure     Code = "STORAGE_FAILURE"
	CodeUpstreamFailure    Code = "UPSTREAM_FAILURE"
	CodePartialSequence    Code = "PARTIAL_SEQUENCE"
	CodeTimeout            Code = "TIMEOUT"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	// HTTPStatus 为对外接口返回的状态码，零值视为 500。
	HTTPStatus int
}

type flag uint8

const (
	retryable flag = 1 << iota
	alert
)

func attrs(status int, sev Severity, message string, flags flag) Attributes {
	return Attributes{
		Message:    message,
		Severity:   sev,
		Retryable:  flags&retryable != 0,
		Alert:      flags&alert != 0,
		HTTPStatus: status,
	}
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		// 客户端错误，信息可以原样返回。
		CodeInvalidArgument:   attrs(http.StatusBadRequest, SeverityInfo, "invalid argument", 0),
		CodeNotFound:          attrs(http.StatusNotFound, SeverityInfo, "resource not found", 0),
		CodeConflict:          attrs(http.StatusConflict, SeverityWarning, "resource conflict", 0),
		CodeUnauthenticated:   attrs(http.StatusUnauthorized, SeverityInfo, "missing or malformed credential", 0),
		CodeInvalidCredential: attrs(http.StatusUnauthorized, SeverityWarning, "invalid credential", 0),
		CodeRateLimited:       attrs(http.StatusTooManyRequests, SeverityInfo, "rate limit exceeded", retryable),

		// 密钥材料与配置问题。
		CodeIntegrityFailure:   attrs(http.StatusInternalServerError, SeverityCritical, "ciphertext integrity check failed", alert),
		CodeDecodeFailure:      attrs(http.StatusInternalServerError, SeverityCritical, "malformed sealed payload", alert),
		CodeConfigurationFault: attrs(http.StatusInternalServerError, SeverityCritical, "configuration fault", alert),

		// 依赖方故障。
		CodeStorageFailure:  attrs(http.StatusServiceUnavailable, SeverityCritical, "storage failure", retryable|alert),
		CodeUpstreamFailure: attrs(http.StatusBadGateway, SeverityWarning, "upstream service failure", retryable),
		CodePartialSequence: attrs(http.StatusBadGateway, SeverityCritical, "transaction sequence aborted", alert),
		CodeTimeout:         attrs(http.StatusGatewayTimeout, SeverityWarning, "operation timed out", retryable|alert),

		CodeUnknown:  attrs(http.StatusInternalServerError, SeverityCritical, "unknown error", alert),
		CodeInternal: attrs(http.StatusInternalServerError, SeverityCritical, "internal error", alert),
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，告警时原样带出。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New 创建一个新的错误实例，message 为空时使用错误码的默认信息。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，errors.Is(err, ErrX) 对同码的任意实例成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含 cause 的错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Attributes 返回错误码注册的属性。
func (e *Error) Attributes() Attributes {
	return AttributesOf(e.Code())
}

// From 尝试从 error 链中取出统一错误类型。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码，非统一错误为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	return AttributesOf(CodeOf(err)).Severity
}

// HTTPStatus 返回错误码对应的 HTTP 状态码。
func HTTPStatus(code Code) int {
	if status := AttributesOf(code).HTTPStatus; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// StatusOf 返回任意 error 对应的 HTTP 状态码，非统一错误视为 500。
func StatusOf(err error) int {
	return HTTPStatus(CodeOf(err))
}

// Exposed 判断错误信息是否可以原样返回给调用方。
func Exposed(err error) bool {
	return StatusOf(err) < http.StatusInternalServerError
}
