package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "MoltArb/internal/errors"
	"MoltArb/internal/vault"
	"MoltArb/pkg/logger"
)

// Issued 为新签发的凭证，APIKey 仅在此刻以明文返回。
type Issued struct {
	APIKey  string
	Address string
	Label   *string
	Record  *Record
}

// Issuer 负责生成托管钱包并落库。
type Issuer struct {
	store  Store
	vault  *vault.Vault
	logger *slog.Logger
}

// NewIssuer 构造签发器。
func NewIssuer(store Store, v *vault.Vault) *Issuer {
	return &Issuer{store: store, vault: v, logger: logger.Named("credential")}
}

// Issue 生成新的 secp256k1 私钥与 API Key，加密私钥后写入存储。
func (i *Issuer) Issue(ctx context.Context, label string) (*Issued, error) {
	if i == nil || i.store == nil || i.vault == nil {
		return nil, xerrors.New(xerrors.CodeConfigurationFault, "凭证签发器未初始化")
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInternal, err, "生成私钥失败")
	}
	privateHex := hexutil.Encode(crypto.FromECDSA(key))
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	sealed, err := i.vault.Encrypt(privateHex)
	if err != nil {
		return nil, err
	}
	apiKey, err := vault.GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	record := &Record{
		APIKey:       apiKey,
		Address:      NormalizeAddress(address),
		EncryptedKey: sealed.Ciphertext,
		IV:           sealed.IV,
		AuthTag:      sealed.AuthTag,
	}
	if trimmed := strings.TrimSpace(label); trimmed != "" {
		record.Label = &trimmed
	}

	if err := i.store.Create(ctx, record); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("保存凭证失败: %w", err)
	}
	i.logger.Info("credential issued", "agent_id", record.ID, "address", record.Address, "api_key", apiKey)

	return &Issued{
		APIKey:  apiKey,
		Address: address,
		Label:   record.Label,
		Record:  record,
	}, nil
}
