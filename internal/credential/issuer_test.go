package credential

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "MoltArb/internal/errors"
	"MoltArb/internal/vault"
)

type failingStore struct {
	*MemoryStore
	err error
}

func (s failingStore) Create(context.Context, *Record) error { return s.err }

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(strings.Repeat("k", 32))
	require.NoError(t, err)
	return v
}

func TestIssuerIssue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	v := testVault(t)
	issuer := NewIssuer(store, v)

	issued, err := issuer.Issue(ctx, "  trading bot ")
	require.NoError(t, err)
	require.True(t, vault.HasAPIKeyPrefix(issued.APIKey))
	require.NotNil(t, issued.Label)
	assert.Equal(t, "trading bot", *issued.Label)

	record, err := store.FindByAPIKey(ctx, issued.APIKey)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(issued.Address), record.Address)

	plaintext, err := v.Decrypt(record.Sealed())
	require.NoError(t, err)
	key, err := crypto.HexToECDSA(strings.TrimPrefix(plaintext, "0x"))
	require.NoError(t, err)
	assert.Equal(t, issued.Address, crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestIssuerEmptyLabel(t *testing.T) {
	t.Parallel()

	issued, err := NewIssuer(NewMemoryStore(), testVault(t)).Issue(context.Background(), "   ")
	require.NoError(t, err)
	assert.Nil(t, issued.Label)
}

func TestIssuerPropagatesConflict(t *testing.T) {
	t.Parallel()

	issuer := NewIssuer(failingStore{MemoryStore: NewMemoryStore(), err: ErrConflict}, testVault(t))
	_, err := issuer.Issue(context.Background(), "")
	require.ErrorIs(t, err, ErrConflict)

	storageErr := xerrors.Wrap(xerrors.CodeStorageFailure, errors.New("connection refused"), "")
	issuer = NewIssuer(failingStore{MemoryStore: NewMemoryStore(), err: storageErr}, testVault(t))
	_, err = issuer.Issue(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
}

func TestIssuerRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := (&Issuer{}).Issue(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfigurationFault, xerrors.CodeOf(err))
}
