package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	xerrors "MoltArb/internal/errors"
	"MoltArb/internal/observability/alerting"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransactor struct {
	mu        sync.Mutex
	addr      common.Address
	submitted []Descriptor
	rejectAt  map[int]error
	revertAt  map[int]bool
	hangAt    map[int]bool
	delayAt   map[int]time.Duration
	receipts  map[common.Hash]*types.Receipt
	hanging   map[common.Hash]bool
	delayed   map[common.Hash]time.Duration
}

func newFakeTransactor() *fakeTransactor {
	return &fakeTransactor{
		addr:     common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		rejectAt: map[int]error{},
		revertAt: map[int]bool{},
		hangAt:   map[int]bool{},
		delayAt:  map[int]time.Duration{},
		receipts: map[common.Hash]*types.Receipt{},
		hanging:  map[common.Hash]bool{},
		delayed:  map[common.Hash]time.Duration{},
	}
}

func (f *fakeTransactor) Address() common.Address { return f.addr }

func (f *fakeTransactor) Transact(_ context.Context, to common.Address, data []byte, value *big.Int) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := len(f.submitted)
	f.submitted = append(f.submitted, Descriptor{To: to, Data: data, Value: value})
	if err := f.rejectAt[idx]; err != nil {
		return nil, err
	}
	tx := types.NewTx(&types.LegacyTx{Nonce: uint64(idx), To: &to, Value: value, Data: data, Gas: 21000, GasPrice: big.NewInt(1)})
	status := types.ReceiptStatusSuccessful
	if f.revertAt[idx] {
		status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, BlockNumber: big.NewInt(int64(idx + 10)), GasUsed: 21000, TxHash: tx.Hash()}
	if f.hangAt[idx] {
		f.hanging[tx.Hash()] = true
	}
	if d := f.delayAt[idx]; d > 0 {
		f.delayed[tx.Hash()] = d
	}
	return tx, nil
}

func (f *fakeTransactor) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	hang := f.hanging[hash]
	delay := f.delayed[hash]
	receipt := f.receipts[hash]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return receipt, nil
}

func (f *fakeTransactor) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
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

func threeSteps() []Descriptor {
	return []Descriptor{
		{To: common.HexToAddress("0x0a"), Data: []byte{0x01}, Description: "approve USDC"},
		{To: common.HexToAddress("0x0b"), Data: []byte{0x02}, Description: "deposit"},
		{To: common.HexToAddress("0x0c"), Data: []byte{0x03}, Description: "stake"},
	}
}

func TestExecuteSequenceAllStepsConfirmed(t *testing.T) {
	t.Parallel()

	signer := newFakeTransactor()
	publisher := &recordingPublisher{}
	executor := NewExecutor(WithPublisher(publisher))

	ctx := WithOperation(context.Background(), "rose.deposit")
	outcome, err := executor.ExecuteSequence(ctx, signer, threeSteps())
	require.NoError(t, err)
	require.True(t, outcome.Completed())
	require.Len(t, outcome.Steps, 3)

	for i, step := range outcome.Steps {
		assert.Equal(t, i, step.Index)
		assert.Equal(t, uint64(i+10), step.BlockNumber)
		assert.Equal(t, uint64(21000), step.GasUsed)
	}
	assert.Equal(t, "deposit", outcome.Steps[1].Description)
	assert.Equal(t, 0, outcome.Steps[0].Index)

	require.Len(t, publisher.events, 1)
	event := publisher.events[0]
	assert.True(t, event.Completed)
	assert.Equal(t, "rose.deposit", event.Operation)
	assert.Equal(t, signer.addr.Hex(), event.Address)
	assert.Len(t, event.Steps, 3)
}

func TestExecuteSequenceStopsAtRejectedStep(t *testing.T) {
	t.Parallel()

	signer := newFakeTransactor()
	signer.rejectAt[1] = errors.New("insufficient funds for gas")
	alerts := &recordingAlerts{}
	publisher := &recordingPublisher{}
	executor := NewExecutor(WithAlerts(alerts), WithPublisher(publisher))

	outcome, err := executor.ExecuteSequence(context.Background(), signer, threeSteps())
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePartialSequence, xerrors.CodeOf(err))

	require.Len(t, outcome.Steps, 1)
	require.NotNil(t, outcome.Failure)
	assert.False(t, outcome.Completed())
	assert.Equal(t, 1, outcome.Failure.Index)
	assert.Equal(t, "deposit", outcome.Failure.Description)
	assert.Nil(t, outcome.Failure.TxHash)
	assert.ErrorContains(t, outcome.Failure, "insufficient funds")

	// the third step is never submitted
	assert.Equal(t, 2, signer.submittedCount())

	var failure *StepFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.Index)

	require.Len(t, alerts.events, 1)
	assert.Equal(t, xerrors.CodePartialSequence, alerts.events[0].Code)
	assert.Equal(t, "1", alerts.events[0].Metadata["failed_step"])
	assert.Equal(t, "1", alerts.events[0].Metadata["completed_steps"])

	require.Len(t, publisher.events, 1)
	assert.False(t, publisher.events[0].Completed)
	assert.NotNil(t, publisher.events[0].Failure)
}

func TestExecuteSequenceRevertedReceipt(t *testing.T) {
	t.Parallel()

	signer := newFakeTransactor()
	signer.revertAt[1] = true
	executor := NewExecutor()

	outcome, err := executor.ExecuteSequence(context.Background(), signer, threeSteps())
	require.Error(t, err)
	require.Len(t, outcome.Steps, 1)
	require.NotNil(t, outcome.Failure)
	require.NotNil(t, outcome.Failure.TxHash, "reverted steps keep their hash")
	assert.Equal(t, 2, signer.submittedCount())
	assert.Equal(t, xerrors.CodeUpstreamFailure, xerrors.CodeOf(outcome.Failure.Err))
}

func TestExecuteSequenceConfirmationTimeout(t *testing.T) {
	t.Parallel()

	signer := newFakeTransactor()
	signer.hangAt[0] = true
	executor := NewExecutor(WithConfirmTimeout(20 * time.Millisecond))

	started := time.Now()
	outcome, err := executor.ExecuteSequence(context.Background(), signer, threeSteps())
	require.Error(t, err)
	assert.Less(t, time.Since(started), 2*time.Second)

	assert.Empty(t, outcome.Steps)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, 0, outcome.Failure.Index)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(outcome.Failure.Err))
	assert.Equal(t, 1, signer.submittedCount())
}

func TestExecuteSequenceRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	signer := newFakeTransactor()
	publisher := &recordingPublisher{}
	executor := NewExecutor(WithPublisher(publisher))

	_, err := executor.ExecuteSequence(context.Background(), signer, nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	steps := threeSteps()
	steps[2].To = common.Address{}
	_, err = executor.ExecuteSequence(context.Background(), signer, steps)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	assert.Zero(t, signer.submittedCount(), "validation happens before any submission")
	assert.Empty(t, publisher.events)
}

func TestExecuteTxMatchesSingleStepSequence(t *testing.T) {
	t.Parallel()

	step := Descriptor{To: common.HexToAddress("0x0d"), Value: big.NewInt(5), Description: "transfer"}

	result, err := NewExecutor().ExecuteTx(context.Background(), newFakeTransactor(), step)
	require.NoError(t, err)

	outcome, err := NewExecutor().ExecuteSequence(context.Background(), newFakeTransactor(), []Descriptor{step})
	require.NoError(t, err)
	require.Len(t, outcome.Steps, 1)
	assert.Equal(t, outcome.Steps[0], result)
}

func TestExecuteTxReturnsStepError(t *testing.T) {
	t.Parallel()

	signer := newFakeTransactor()
	signer.revertAt[0] = true

	_, err := NewExecutor().ExecuteTx(context.Background(), signer, Descriptor{To: common.HexToAddress("0x0e")})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeUpstreamFailure, xerrors.CodeOf(err))

	var failure *StepFailure
	require.ErrorAs(t, err, &failure)
	assert.NotNil(t, failure.TxHash)
}

func TestPublisherFailureDoesNotFailSequence(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{err: errors.New("broker down")}
	outcome, err := NewExecutor(WithPublisher(publisher)).ExecuteSequence(context.Background(), newFakeTransactor(), threeSteps())
	require.NoError(t, err)
	assert.True(t, outcome.Completed())
}

func TestStepFailureJSON(t *testing.T) {
	t.Parallel()

	hash := common.HexToHash("0x01")
	failure := &StepFailure{Index: 2, Description: "stake", TxHash: &hash, Err: errors.New("reverted")}
	raw, err := failure.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":2,"description":"stake","txHash":"`+hash.Hex()+`","error":"reverted"}`, string(raw))
}

func TestExecuteSequenceSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()

	signer := newFakeTransactor()
	signer.delayAt[0] = 200 * time.Millisecond
	publisher := &recordingPublisher{}
	executor := NewExecutor(WithConfirmTimeout(5*time.Second), WithPublisher(publisher))

	ctx, cancel := context.WithCancel(WithOperation(context.Background(), "rose.deposit"))
	time.AfterFunc(20*time.Millisecond, cancel)
	defer cancel()

	outcome, err := executor.ExecuteSequence(ctx, signer, threeSteps())
	require.NoError(t, err)
	require.True(t, outcome.Completed())
	assert.Len(t, outcome.Steps, 3)
	assert.Equal(t, 3, signer.submittedCount())
	require.Error(t, ctx.Err())

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.Len(t, publisher.events, 1)
	assert.Equal(t, "rose.deposit", publisher.events[0].Operation)
}
