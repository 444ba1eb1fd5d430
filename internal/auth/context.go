package auth

import (
	"context"

	"MoltArb/internal/credential"
	"MoltArb/internal/web3"
)

type identityKey struct{}

type agentKey struct{}

// WithIdentity 将签名身份存入上下文。
func WithIdentity(ctx context.Context, identity *web3.Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext 从上下文中提取签名身份。
func IdentityFromContext(ctx context.Context) *web3.Identity {
	if ctx == nil {
		return nil
	}
	identity, _ := ctx.Value(identityKey{}).(*web3.Identity)
	return identity
}

// WithAgent 将凭证记录存入上下文。
func WithAgent(ctx context.Context, record *credential.Record) context.Context {
	if record == nil {
		return ctx
	}
	return context.WithValue(ctx, agentKey{}, record)
}

// AgentFromContext 从上下文中提取凭证记录。
func AgentFromContext(ctx context.Context) *credential.Record {
	if ctx == nil {
		return nil
	}
	record, _ := ctx.Value(agentKey{}).(*credential.Record)
	return record
}
