package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"MoltArb/internal/credential"
	xerrors "MoltArb/internal/errors"
	"MoltArb/internal/observability/alerting"
	"MoltArb/internal/vault"
	"MoltArb/internal/web3"
	"MoltArb/pkg/logger"
)

// Keyring 解密存储中的私钥密文，*vault.Vault 满足该接口。
type Keyring interface {
	Decrypt(sealed vault.Sealed) (string, error)
}

// Gate 把 Authorization 头转换为签名身份。
type Gate struct {
	store    credential.Store
	keys     Keyring
	backend  web3.Backend
	chainID  *big.Int
	alerts   alerting.Dispatcher
	identity []web3.IdentityOption
	log      *slog.Logger
}

// GateOption 配置 Gate。
type GateOption func(*Gate)

// WithAlerts 设置解密失败时使用的告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) GateOption {
	return func(g *Gate) { g.alerts = dispatcher }
}

// WithIdentityOptions 透传给 web3.NewIdentity。
func WithIdentityOptions(opts ...web3.IdentityOption) GateOption {
	return func(g *Gate) { g.identity = append(g.identity, opts...) }
}

// NewGate 构造鉴权网关，签名身份绑定到 backend 所在的链。
func NewGate(store credential.Store, keys Keyring, backend web3.Backend, chainID *big.Int, opts ...GateOption) *Gate {
	g := &Gate{
		store:   store,
		keys:    keys,
		backend: backend,
		chainID: chainID,
		log:     logger.Named("auth"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

const bearerPrefix = "Bearer "

// ParseBearer 从 Authorization 头中提取原生 API Key，不访问存储。
func ParseBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", xerrors.Wrap(xerrors.CodeUnauthenticated, ErrMissingToken, msgMissingToken)
	}
	// 只接受大小写完全一致的 "Bearer " 前缀。
	token, ok := strings.CutPrefix(header, bearerPrefix)
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", xerrors.Wrap(xerrors.CodeUnauthenticated, ErrMissingToken, msgMissingToken)
	}
	if !vault.HasAPIKeyPrefix(token) {
		return "", xerrors.Wrap(xerrors.CodeUnauthenticated, ErrInvalidFormat, msgInvalidFormat)
	}
	return token, nil
}

// Agent 校验 Token 并查找凭证记录，不解密私钥。
func (g *Gate) Agent(ctx context.Context, header string) (*credential.Record, error) {
	token, err := ParseBearer(header)
	if err != nil {
		return nil, err
	}
	record, err := g.store.FindByAPIKey(ctx, token)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil, xerrors.Wrap(xerrors.CodeInvalidCredential, ErrInvalidCredential, msgInvalidKey)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, fmt.Errorf("%w: %w", ErrStoreUnavailable, err), msgUnavailable)
	}
	return record, nil
}

// Authenticate 完成完整的鉴权流程并返回签名身份。调用方负责在请求结束时调用 Release。
func (g *Gate) Authenticate(ctx context.Context, header string) (*web3.Identity, *credential.Record, error) {
	record, err := g.Agent(ctx, header)
	if err != nil {
		return nil, nil, err
	}

	privateKey, err := g.keys.Decrypt(record.Sealed())
	if err != nil {
		code := xerrors.CodeInternal
		if xerrors.CodeOf(err) == xerrors.CodeIntegrityFailure {
			code = xerrors.CodeIntegrityFailure
		}
		wrapped := xerrors.Wrap(code, fmt.Errorf("%w: %w", ErrKeyUnavailable, err), msgAuthFailed)
		g.log.Error("解密私钥失败",
			slog.Int64("agent_id", record.ID),
			slog.String("address", record.Address),
			slog.String("code", string(code)),
		)
		g.alert(ctx, wrapped, record.Address)
		return nil, nil, wrapped
	}

	identity, err := web3.NewIdentity(privateKey, g.backend, g.chainID, g.identity...)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeInternal, fmt.Errorf("%w: %w", ErrKeyUnavailable, err), msgAuthFailed)
		g.alert(ctx, wrapped, record.Address)
		return nil, nil, wrapped
	}
	if !strings.EqualFold(identity.Address().Hex(), record.Address) {
		identity.Release()
		wrapped := xerrors.New(xerrors.CodeIntegrityFailure, msgAuthFailed,
			xerrors.WithMetadata("agent_id", fmt.Sprint(record.ID)))
		g.log.Error("私钥与登记地址不一致", slog.Int64("agent_id", record.ID), slog.String("address", record.Address))
		g.alert(ctx, wrapped, record.Address)
		return nil, nil, wrapped
	}
	return identity, record, nil
}

func (g *Gate) alert(ctx context.Context, err error, address string) {
	if g.alerts == nil {
		return
	}
	if notifyErr := g.alerts.Notify(context.WithoutCancel(ctx), alerting.FromError(err, "auth.authenticate", address)); notifyErr != nil {
		g.log.Error("发送告警失败", slog.Any("error", notifyErr))
	}
}
