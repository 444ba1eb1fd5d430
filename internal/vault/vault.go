// Package vault 负责托管私钥的静态加密与 API Key 的生成。
//
// 私钥使用 AES-256-GCM 加密，每次加密生成新的 16 字节随机 IV，认证标签单独保存。
// 密文、IV、标签均以十六进制字符串落库。
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	xerrors "MoltArb/internal/errors"
)

const (
	// MinSecretLength 为加密密钥配置的最小长度。
	MinSecretLength = 32
	keySize         = 32
	ivSize          = 16
	tagSize         = 16
)

var (
	// ErrSecretMissing 表示未配置加密密钥。
	ErrSecretMissing = xerrors.New(xerrors.CodeConfigurationFault, "ENCRYPTION_KEY 未配置")
	// ErrSecretTooShort 表示加密密钥长度不足。
	ErrSecretTooShort = xerrors.New(xerrors.CodeConfigurationFault, fmt.Sprintf("ENCRYPTION_KEY 长度不足 %d 个字符", MinSecretLength))
	// ErrIntegrity 表示认证标签校验失败，密文被篡改或密钥错误。
	ErrIntegrity = xerrors.New(xerrors.CodeIntegrityFailure, "")
	// ErrDecode 表示密文字段格式错误。
	ErrDecode = xerrors.New(xerrors.CodeDecodeFailure, "")
)

// Sealed 是一次加密的完整产物。
type Sealed struct {
	Ciphertext string
	IV         string
	AuthTag    string
}

// Vault 持有派生后的对称密钥。
type Vault struct {
	aead   cipher.AEAD
	random io.Reader
}

// New 根据配置的密钥构造 Vault，取密钥前 32 字节作为 AES-256 原始密钥。
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrSecretMissing
	}
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	block, err := aes.NewCipher([]byte(secret[:keySize]))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigurationFault, err, "初始化 AES 失败")
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigurationFault, err, "初始化 GCM 失败")
	}
	return &Vault{aead: aead, random: rand.Reader}, nil
}

// Encrypt 加密明文，每次调用生成新的随机 IV。
func (v *Vault) Encrypt(plaintext string) (Sealed, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(v.random, iv); err != nil {
		return Sealed{}, xerrors.Wrap(xerrors.CodeInternal, err, "生成 IV 失败")
	}
	out := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	split := len(out) - tagSize
	return Sealed{
		Ciphertext: hex.EncodeToString(out[:split]),
		IV:         hex.EncodeToString(iv),
		AuthTag:    hex.EncodeToString(out[split:]),
	}, nil
}

// Decrypt 校验认证标签并返回明文。
// 标签校验失败返回 ErrIntegrity，字段格式错误返回 ErrDecode，两者不可混用。
func (v *Vault) Decrypt(sealed Sealed) (string, error) {
	ciphertext, err := hex.DecodeString(sealed.Ciphertext)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeDecodeFailure, err, "密文不是合法的十六进制")
	}
	iv, err := hex.DecodeString(sealed.IV)
	if err != nil || len(iv) != ivSize {
		return "", xerrors.Wrap(xerrors.CodeDecodeFailure, err, "IV 格式错误")
	}
	tag, err := hex.DecodeString(sealed.AuthTag)
	if err != nil || len(tag) != tagSize {
		return "", xerrors.Wrap(xerrors.CodeDecodeFailure, err, "认证标签格式错误")
	}

	buf := make([]byte, 0, len(ciphertext)+tagSize)
	buf = append(buf, ciphertext...)
	buf = append(buf, tag...)
	plaintext, err := v.aead.Open(nil, iv, buf, nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeIntegrityFailure, err, "认证标签校验失败")
	}
	return string(plaintext), nil
}
