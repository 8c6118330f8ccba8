// Package engine is the operator-facing facade over the running Brain.
// The API layer only talks to the Brain through Service.
package engine

import (
	"context"

	"execution-core/internal/events"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
)

// Service defines the operator operations.
type Service interface {
	// Queries
	GetSystemStatus(ctx context.Context) *SystemStatus
	GetRiskSnapshot(ctx context.Context) risk.Snapshot
	ListEvents(ctx context.Context, q EventQuery) ([]events.Event, error)
	ListExecutions(ctx context.Context, symbol string, limit int) ([]db.Execution, error)

	// Commands. operator identifies who acted and is written to the log
	// and the event history.
	ClearHalt(ctx context.Context, operator string) error
	ResetDrawdown(ctx context.Context, operator string) error
	ResetBreaker(ctx context.Context, symbol, operator string) error
	ForceShadow(ctx context.Context, operator, reason string) error
	RebaseDrift(ctx context.Context, operator string) error
}
