package auth

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"MoltArb/internal/credential"
	xerrors "MoltArb/internal/errors"
	"MoltArb/internal/observability/alerting"
	"MoltArb/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef-extra"

// countingStore records every lookup so tests can assert the store was never reached.
type countingStore struct {
	credential.Store
	lookups atomic.Int32
	err     error
}

func (s *countingStore) FindByAPIKey(ctx context.Context, apiKey string) (*credential.Record, error) {
	s.lookups.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.Store.FindByAPIKey(ctx, apiKey)
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func newTestGate(t *testing.T, opts ...GateOption) (*Gate, *countingStore, *credential.Issued) {
	t.Helper()

	v, err := vault.New(testSecret)
	require.NoError(t, err)
	store := &countingStore{Store: credential.NewMemoryStore()}
	issued, err := credential.NewIssuer(store, v).Issue(context.Background(), "tester")
	require.NoError(t, err)

	return NewGate(store, v, nil, big.NewInt(42161), opts...), store, issued
}

func TestAuthenticateValidKey(t *testing.T) {
	t.Parallel()

	gate, store, issued := newTestGate(t)

	identity, record, err := gate.Authenticate(context.Background(), "Bearer "+issued.APIKey)
	require.NoError(t, err)
	defer identity.Release()

	assert.Equal(t, int32(1), store.lookups.Load())
	assert.True(t, strings.EqualFold(issued.Address, identity.Address().Hex()))
	assert.Equal(t, issued.Record.ID, record.ID)
	assert.Equal(t, big.NewInt(42161), identity.ChainID())
}

func TestAuthenticateRejectsMalformedWithoutStoreLookup(t *testing.T) {
	t.Parallel()

	gate, store, issued := newTestGate(t)

	cases := []struct {
		header string
		want   error
	}{
		{"", ErrMissingToken},
		{"   ", ErrMissingToken},
		{"Bearer", ErrMissingToken},
		{"Bearer ", ErrMissingToken},
		{"Basic " + issued.APIKey, ErrMissingToken},
		{"bearer " + issued.APIKey, ErrMissingToken},
		{"BEARER " + issued.APIKey, ErrMissingToken},
		{"Bearer\t" + issued.APIKey, ErrMissingToken},
		{issued.APIKey, ErrMissingToken},
		{"Bearer rose_" + strings.Repeat("a", 64), ErrInvalidFormat},
		{"Bearer moltarb_", ErrInvalidFormat},
		{"Bearer sk-" + strings.Repeat("b", 40), ErrInvalidFormat},
	}
	for _, tc := range cases {
		_, _, err := gate.Authenticate(context.Background(), tc.header)
		require.Error(t, err, tc.header)
		assert.ErrorIs(t, err, tc.want, tc.header)
		assert.Equal(t, xerrors.CodeUnauthenticated, xerrors.CodeOf(err), tc.header)
	}
	assert.Zero(t, store.lookups.Load(), "malformed tokens must never reach the store")
}

func TestAuthenticateUnknownKey(t *testing.T) {
	t.Parallel()

	gate, store, _ := newTestGate(t)
	unknown, err := vault.GenerateAPIKey()
	require.NoError(t, err)

	_, _, err = gate.Authenticate(context.Background(), "Bearer "+unknown)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.Equal(t, xerrors.CodeInvalidCredential, xerrors.CodeOf(err))
	assert.Equal(t, int32(1), store.lookups.Load())
}

func TestAuthenticateStoreOutage(t *testing.T) {
	t.Parallel()

	gate, store, issued := newTestGate(t)
	store.err = errors.New("dial tcp: connection refused")

	_, _, err := gate.Authenticate(context.Background(), "Bearer "+issued.APIKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
}

func TestAuthenticateTamperedCiphertext(t *testing.T) {
	t.Parallel()

	alerts := &recordingAlerts{}
	gate, _, issued := newTestGate(t, WithAlerts(alerts))

	// flip the first hex nibble of the auth tag in place
	tag := []byte(issued.Record.AuthTag)
	if tag[0] == '0' {
		tag[0] = '1'
	} else {
		tag[0] = '0'
	}
	issued.Record.AuthTag = string(tag)
	store := credential.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), issued.Record.Clone()))
	gate.store = store

	_, _, err := gate.Authenticate(context.Background(), "Bearer "+issued.APIKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.Equal(t, xerrors.CodeIntegrityFailure, xerrors.CodeOf(err))
	assert.NotContains(t, err.Error(), issued.Record.EncryptedKey)

	require.Len(t, alerts.events, 1)
	assert.Equal(t, xerrors.CodeIntegrityFailure, alerts.events[0].Code)
}

func TestAuthenticateWrongSecretIsIntegrityFailure(t *testing.T) {
	t.Parallel()

	gate, _, issued := newTestGate(t)
	other, err := vault.New(strings.Repeat("z", 32))
	require.NoError(t, err)
	gate.keys = other

	_, _, err = gate.Authenticate(context.Background(), "Bearer "+issued.APIKey)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeIntegrityFailure, xerrors.CodeOf(err))
}

func TestAuthenticateMalformedStoredFields(t *testing.T) {
	t.Parallel()

	gate, _, issued := newTestGate(t)
	record := issued.Record.Clone()
	record.IV = "not-hex"
	store := credential.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), record))
	gate.store = store

	_, _, err := gate.Authenticate(context.Background(), "Bearer "+issued.APIKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.Equal(t, xerrors.CodeInternal, xerrors.CodeOf(err))
}

func TestAgentSkipsDecryption(t *testing.T) {
	t.Parallel()

	gate, _, issued := newTestGate(t)
	gate.keys = nil

	record, err := gate.Agent(context.Background(), "Bearer "+issued.APIKey)
	require.NoError(t, err)
	assert.Equal(t, issued.Record.ID, record.ID)
}

type failingKeyring struct{}

func (failingKeyring) Decrypt(vault.Sealed) (string, error) {
	return "", errors.New("cipher: message authentication failed")
}
