package events

import (
	"context"
	"log/slog"

	"MoltArb/internal/orchestrator"
	"MoltArb/pkg/logger"

	"github.com/google/uuid"
)

// LogPublisher 将事件写入审计日志，用于未配置 RabbitMQ 的部署。
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish 写入一条事件日志。
func (p *LogPublisher) Publish(_ context.Context, event orchestrator.Event) error {
	log := logger.Audit()
	if p != nil && p.Logger != nil {
		log = p.Logger
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	attrs := []any{
		slog.String("event_id", event.ID),
		slog.String("operation", event.Operation),
		slog.String("address", event.Address),
		slog.Bool("completed", event.Completed),
		slog.Int("steps", len(event.Steps)),
	}
	if event.Failure != nil {
		attrs = append(attrs, slog.Int("failed_step", event.Failure.Index), slog.Any("error", event.Failure.Err))
	}
	log.Info("编排结果", attrs...)
	return nil
}
