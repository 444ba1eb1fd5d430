package orchestrator

import (
	"context"
	"math/big"
	"testing"
	"time"

	"MoltArb/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSequenceOnSimulatedChain(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	balance, _ := new(big.Int).SetString("10000000000000000000", 10)
	sim := simulated.NewBackend(types.GenesisAlloc{from: {Balance: balance}})
	t.Cleanup(func() { _ = sim.Close() })

	identity, err := web3.NewIdentity(hexutil.Encode(crypto.FromECDSA(key)), sim.Client(), big.NewInt(1337), web3.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(identity.Release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// mine blocks in the background so WaitMined can observe receipts
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sim.Commit()
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		<-stopped
	})

	alice := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	outcome, err := NewExecutor(WithConfirmTimeout(10*time.Second)).ExecuteSequence(ctx, identity, []Descriptor{
		{To: alice, Value: big.NewInt(1000), Description: "pay alice"},
		{To: bob, Value: big.NewInt(2000), Description: "pay bob"},
	})
	require.NoError(t, err)
	require.Len(t, outcome.Steps, 2)
	assert.LessOrEqual(t, outcome.Steps[0].BlockNumber, outcome.Steps[1].BlockNumber)

	got, err := sim.Client().BalanceAt(ctx, bob, nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2000), got)
}
