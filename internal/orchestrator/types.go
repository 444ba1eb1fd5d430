package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Transactor 为执行交易所需的签名身份能力，web3.Identity 满足该接口。
type Transactor interface {
	Address() common.Address
	Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Transaction, error)
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Descriptor 描述一笔待执行的交易。
type Descriptor struct {
	To          common.Address
	Data        []byte
	Value       *big.Int
	Description string
}

// StepResult 是已确认步骤的结果。
type StepResult struct {
	Index       int         `json:"step"`
	Description string      `json:"description,omitempty"`
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	GasUsed     uint64      `json:"gasUsed"`
}

// StepFailure 记录序列中第一个失败的步骤。交易已广播但未成功确认时 TxHash 非空。
type StepFailure struct {
	Index       int
	Description string
	TxHash      *common.Hash
	Err         error
}

// Error implements error.
func (f *StepFailure) Error() string {
	if f.Description != "" {
		return fmt.Sprintf("step %d (%s): %v", f.Index, f.Description, f.Err)
	}
	return fmt.Sprintf("step %d: %v", f.Index, f.Err)
}

// Unwrap 返回底层错误。
func (f *StepFailure) Unwrap() error {
	return f.Err
}

// MarshalJSON 输出面向调用方的失败描述。
func (f *StepFailure) MarshalJSON() ([]byte, error) {
	payload := struct {
		Index       int          `json:"step"`
		Description string       `json:"description,omitempty"`
		TxHash      *common.Hash `json:"txHash,omitempty"`
		Error       string       `json:"error"`
	}{
		Index:       f.Index,
		Description: f.Description,
		TxHash:      f.TxHash,
	}
	if f.Err != nil {
		payload.Error = f.Err.Error()
	}
	return json.Marshal(payload)
}

// Outcome 包含成功步骤的前缀以及可能的失败步骤。
type Outcome struct {
	Steps   []StepResult
	Failure *StepFailure
}

// Completed 报告序列是否全部成功。
func (o Outcome) Completed() bool {
	return o.Failure == nil
}

// Event 是每次编排结束后对外发布的结果事件。
type Event struct {
	ID         string       `json:"id"`
	Operation  string       `json:"operation"`
	Address    string       `json:"address"`
	Steps      []StepResult `json:"steps"`
	Failure    *StepFailure `json:"failure,omitempty"`
	Completed  bool         `json:"completed"`
	OccurredAt time.Time    `json:"occurredAt"`
}

// Publisher 负责投递编排结果事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type operationKey struct{}

// WithOperation 在 ctx 中标注业务操作名，用于日志与事件。
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, operationKey{}, operation)
}

// OperationFrom 读取 ctx 中的业务操作名。
func OperationFrom(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey{}).(string); ok {
		return op
	}
	return ""
}
