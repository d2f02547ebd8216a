package store

import (
	"context"

	"github.com/seantiz/funclite/internal/model"
	"github.com/seantiz/funclite/internal/provisioner"
)

// InvocationStats holds aggregate invocation statistics.
type InvocationStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByTag    map[string]int `json:"count_by_tag"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations of the control plane.
type Store interface {
	provisioner.MarkStore

	RecordInvocation(ctx context.Context, inv *model.Invocation) error
	ListInvocations(ctx context.Context, function string, limit, offset int) ([]*model.Invocation, int, error)
	GetInvocationStats(ctx context.Context) (*InvocationStats, error)
	Close() error
}
