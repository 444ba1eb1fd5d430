package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	xerrors "MoltArb/internal/errors"
	"MoltArb/internal/orchestrator"
	"MoltArb/internal/signer"
)

const maxRequestBytes = 1 << 20

// CodeSignerNotRegistered 表示代理尚未在外部签名服务注册。
const CodeSignerNotRegistered xerrors.Code = "SIGNER_NOT_REGISTERED"

func init() {
	xerrors.Register(CodeSignerNotRegistered, xerrors.Attributes{
		Message:    "Not registered with Rose Token. Call /api/rose/register first",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusPreconditionFailed,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError 按错误码输出 {"error","code"}。服务端错误只返回通用描述，
// 链上步骤失败与签名服务的响应信息会原样返回。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.StatusOf(err)
	code := xerrors.CodeOf(err)
	message := publicMessage(err)

	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败",
			"path", r.URL.Path,
			"status", status,
			"code", string(code),
			"err", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": message, "code": string(code)})
}

func publicMessage(err error) string {
	var failure *orchestrator.StepFailure
	if errors.As(err, &failure) {
		return failure.Error()
	}
	var apiErr *signer.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	e, ok := xerrors.From(err)
	if !ok {
		return xerrors.AttributesOf(xerrors.CodeInternal).Message
	}
	if xerrors.Exposed(err) || e.Code() == xerrors.CodeUpstreamFailure {
		return e.Message()
	}
	return xerrors.AttributesOf(e.Code()).Message
}

func invalid(format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf(format, args...))
}

// decodeJSON 读取请求体，空请求体在 allowEmpty 时视为 {}。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "Request body too large")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "Invalid JSON body")
	}
	return nil
}

// flexString 接受 JSON 字符串或数字，用于金额与任务 ID。
type flexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("需要字符串或数字: %s", trimmed)
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string {
	return string(f)
}
