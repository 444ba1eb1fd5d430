package vault

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	xerrors "MoltArb/internal/errors"
)

// APIKeyPrefix 标识由本服务签发、背后绑定托管私钥的令牌。
const APIKeyPrefix = "moltarb_"

const apiKeyEntropy = 32

// GenerateAPIKey 生成 256 位随机令牌并加上命名空间前缀。
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInternal, err, "生成 API Key 失败")
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// HasAPIKeyPrefix 在不查询存储的前提下完成格式检查。
func HasAPIKeyPrefix(token string) bool {
	return strings.HasPrefix(token, APIKeyPrefix) && len(token) > len(APIKeyPrefix)
}
