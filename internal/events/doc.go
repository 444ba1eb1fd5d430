// Package events delivers orchestration outcome events to RabbitMQ, falling
// back to structured logs when no broker is configured.
package events
