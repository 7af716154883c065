package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Store defines the interface for persistent storage
type Store interface {
	SaveRecommendation(ctx context.Context, rec *models.Recommendation) error
	GetRecommendation(ctx context.Context, id string) (*models.Recommendation, error)
	// ListRecommendations returns the newest recommendations first.
	// An empty instanceType matches all types.
	ListRecommendations(ctx context.Context, instanceType string, limit int) ([]*models.Recommendation, error)

	SaveReport(ctx context.Context, report *models.ConvergenceReport) error
	ListReports(ctx context.Context, limit int) ([]*models.ConvergenceReport, error)

	// SaveAllocation records the last observed allocation of a pool so a
	// restarted optimizer resumes from it
	SaveAllocation(ctx context.Context, pool string, state models.AllocationState) error
	LoadAllocation(ctx context.Context, pool string) (models.AllocationState, error)

	LogAction(ctx context.Context, entry *models.AuditEntry) error
	GetAuditLog(ctx context.Context, recommendationID string) ([]*models.AuditEntry, error)

	GetCycleStats(ctx context.Context, days int) (*models.CycleStats, error)

	Ping(ctx context.Context) error
	Close() error
}

type Config struct {
	Type string
	URL  string
}

// New opens the store selected by config.Type. Type "none" or empty yields a
// nil Store and no error; callers then run without history.
func New(config *Config) (Store, error) {
	switch config.Type {
	case "", "none":
		return nil, nil
	case "postgres":
		if config.URL == "" {
			return nil, &models.ValidationError{Field: "storage.url", Reason: "required for postgres"}
		}
		store, err := NewPostgresStore(config.URL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}
