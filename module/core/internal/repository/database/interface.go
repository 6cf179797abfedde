package database

import (
	"context"

	"github.com/fleetlink/relay/module/core/domain"
)

// HistoryRepository is the external persistence sink. The engine writes to
// it asynchronously and never depends on it for correctness.
type HistoryRepository interface {
	InsertLocation(ctx context.Context, loc *domain.VehicleLocation) error
	InsertAlert(ctx context.Context, alert *domain.EmergencyAlert) error
	GetLatest(ctx context.Context, vehicleID string) (*domain.VehicleLocation, error)
	GetHistory(ctx context.Context, query *domain.HistoryQuery) ([]domain.VehicleLocation, error)
}
