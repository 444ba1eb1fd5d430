package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	xerrors "MoltArb/internal/errors"
	"MoltArb/internal/observability/alerting"
	"MoltArb/internal/observability/metrics"
	"MoltArb/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DefaultConfirmTimeout 为单步等待确认的默认上限。
const DefaultConfirmTimeout = 2 * time.Minute

// 步骤结果标签
const (
	outcomeConfirmed = "confirmed"
	outcomeRejected  = "rejected"
	outcomeReverted  = "reverted"
	outcomeTimeout   = "timeout"
	outcomeFailed    = "failed"
)

// Executor 按顺序执行交易序列：逐步提交并等待回执，遇到失败立即停止。
// 已确认的步骤不会回滚，调用方通过 Outcome 获知部分完成的状态。
type Executor struct {
	confirmTimeout time.Duration
	publisher      Publisher
	alerts         alerting.Dispatcher
	log            *slog.Logger
	now            func() time.Time
}

// Option 用于定制 Executor。
type Option func(*Executor)

// WithConfirmTimeout 覆盖单步确认超时。
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.confirmTimeout = timeout
		}
	}
}

// WithPublisher 设置结果事件发布器。
func WithPublisher(publisher Publisher) Option {
	return func(e *Executor) {
		e.publisher = publisher
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(e *Executor) {
		e.alerts = dispatcher
	}
}

// WithLogger 覆盖默认日志。
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

// NewExecutor 构造交易编排器。
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		confirmTimeout: DefaultConfirmTimeout,
		log:            logger.Named("orchestrator"),
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ExecuteTx 执行单笔交易，等价于长度为 1 的序列。失败时返回该步骤自身的错误。
func (e *Executor) ExecuteTx(ctx context.Context, signer Transactor, step Descriptor) (StepResult, error) {
	outcome, err := e.execute(ctx, signer, []Descriptor{step})
	if err != nil {
		if outcome.Failure != nil {
			return StepResult{}, outcome.Failure
		}
		return StepResult{}, err
	}
	return outcome.Steps[0], nil
}

// ExecuteSequence 依次执行 steps。任一步失败时后续步骤不会提交，
// 返回已确认的前缀与失败步骤，错误码为 PARTIAL_SEQUENCE。
func (e *Executor) ExecuteSequence(ctx context.Context, signer Transactor, steps []Descriptor) (Outcome, error) {
	outcome, err := e.execute(ctx, signer, steps)
	if err != nil && outcome.Failure != nil {
		return outcome, xerrors.Wrap(xerrors.CodePartialSequence, outcome.Failure,
			fmt.Sprintf("交易序列在第 %d 步中止，已完成 %d 步", outcome.Failure.Index, len(outcome.Steps)),
			xerrors.WithMetadata("failed_step", strconv.Itoa(outcome.Failure.Index)),
			xerrors.WithMetadata("completed_steps", strconv.Itoa(len(outcome.Steps))),
		)
	}
	return outcome, err
}

func (e *Executor) execute(ctx context.Context, signer Transactor, steps []Descriptor) (Outcome, error) {
	if signer == nil {
		return Outcome{}, xerrors.New(xerrors.CodeInternal, "未提供签名身份")
	}
	if len(steps) == 0 {
		return Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, "交易序列为空")
	}
	for i, step := range steps {
		if step.To == (common.Address{}) {
			return Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 步缺少目标地址", i))
		}
	}

	// 交易一旦广播就不可撤回，调用方断开后仍需等到确认并继续后续步骤；
	// 每步的等待由 confirmTimeout 约束。
	ctx = context.WithoutCancel(ctx)

	operation := OperationFrom(ctx)
	address := signer.Address().Hex()
	log := e.log.With(slog.String("operation", operation), slog.String("address", address))

	outcome := Outcome{Steps: make([]StepResult, 0, len(steps))}
	for i, step := range steps {
		result, failure := e.runStep(ctx, signer, i, step)
		if failure != nil {
			outcome.Failure = failure
			log.Warn("交易步骤失败",
				slog.Int("step", i),
				slog.String("description", step.Description),
				slog.Any("error", failure.Err),
			)
			break
		}
		log.Info("交易步骤已确认",
			slog.Int("step", i),
			slog.String("description", step.Description),
			slog.String("tx_hash", result.TxHash.Hex()),
			slog.Uint64("block", result.BlockNumber),
			slog.Uint64("gas_used", result.GasUsed),
		)
		outcome.Steps = append(outcome.Steps, result)
	}

	e.publish(ctx, Event{
		Operation:  operation,
		Address:    address,
		Steps:      outcome.Steps,
		Failure:    outcome.Failure,
		Completed:  outcome.Completed(),
		OccurredAt: e.now().UTC(),
	})

	if outcome.Failure == nil {
		return outcome, nil
	}
	e.alert(ctx, outcome, operation, address)
	return outcome, outcome.Failure
}

func (e *Executor) runStep(ctx context.Context, signer Transactor, index int, step Descriptor) (StepResult, *StepFailure) {
	value := step.Value
	if value == nil {
		value = new(big.Int)
	}
	failure := &StepFailure{Index: index, Description: step.Description}

	tx, err := signer.Transact(ctx, step.To, step.Data, value)
	if err != nil {
		metrics.ObserveOrchestratorStep(outcomeRejected, 0)
		failure.Err = xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "交易提交被拒绝")
		return StepResult{}, failure
	}
	hash := tx.Hash()
	failure.TxHash = &hash
	submitted := e.now()

	waitCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	receipt, err := signer.WaitMined(waitCtx, hash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.ObserveOrchestratorStep(outcomeTimeout, 0)
			failure.Err = xerrors.Wrap(xerrors.CodeTimeout, err,
				fmt.Sprintf("等待交易 %s 确认超时", hash.Hex()),
				xerrors.WithMetadata("tx_hash", hash.Hex()))
			return StepResult{}, failure
		}
		metrics.ObserveOrchestratorStep(outcomeFailed, 0)
		failure.Err = xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "等待交易回执失败",
			xerrors.WithMetadata("tx_hash", hash.Hex()))
		return StepResult{}, failure
	}

	latency := e.now().Sub(submitted)
	if receipt.Status != types.ReceiptStatusSuccessful {
		metrics.ObserveOrchestratorStep(outcomeReverted, latency)
		failure.Err = xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("交易 %s 已回滚", hash.Hex()),
			xerrors.WithMetadata("tx_hash", hash.Hex()))
		return StepResult{}, failure
	}

	metrics.ObserveOrchestratorStep(outcomeConfirmed, latency)
	result := StepResult{
		Index:       index,
		Description: step.Description,
		TxHash:      hash,
		GasUsed:     receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return result, nil
}

func (e *Executor) publish(ctx context.Context, event Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.log.Error("发布编排事件失败", slog.String("operation", event.Operation), slog.Any("error", err))
	}
}

func (e *Executor) alert(ctx context.Context, outcome Outcome, operation, address string) {
	if e.alerts == nil {
		return
	}
	code := xerrors.CodeOf(outcome.Failure.Err)
	if len(outcome.Steps) > 0 {
		code = xerrors.CodePartialSequence
	}
	event := alerting.FromError(outcome.Failure.Err, operation, address)
	event.Code = code
	event.Severity = xerrors.AttributesOf(code).Severity
	event.Message = outcome.Failure.Error()
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["failed_step"] = strconv.Itoa(outcome.Failure.Index)
	event.Metadata["completed_steps"] = strconv.Itoa(len(outcome.Steps))
	if err := e.alerts.Notify(context.WithoutCancel(ctx), event); err != nil {
		e.log.Error("发送告警失败", slog.Any("error", err))
	}
}
