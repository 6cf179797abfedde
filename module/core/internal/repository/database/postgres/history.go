package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/fleetlink/relay/module/core/domain"
	"github.com/fleetlink/relay/module/core/internal/repository/database"
)

var _ database.HistoryRepository = (*HistoryRepo)(nil)

type HistoryRepo struct {
	db *sql.DB
}

func NewHistoryRepo(db *sql.DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

func (r *HistoryRepo) InsertLocation(ctx context.Context, loc *domain.VehicleLocation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO vehicle_locations (vehicle_id, latitude, longitude, timestamp) VALUES ($1, $2, $3, $4)`,
		loc.VehicleID, loc.Location.Lat, loc.Location.Lon, loc.Location.Timestamp,
	)
	return err
}

func (r *HistoryRepo) InsertAlert(ctx context.Context, alert *domain.EmergencyAlert) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO emergency_alerts (id, sender_id, type, severity, message, latitude, longitude, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		alert.ID, alert.SenderID, alert.Type, alert.Severity, alert.Message,
		alert.Latitude, alert.Longitude, time.UnixMilli(alert.CreatedAt),
	)
	return err
}

func (r *HistoryRepo) GetLatest(ctx context.Context, vehicleID string) (*domain.VehicleLocation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT vehicle_id, latitude, longitude, timestamp FROM vehicle_locations WHERE vehicle_id = $1 ORDER BY timestamp DESC LIMIT 1`,
		vehicleID,
	)

	var vl domain.VehicleLocation
	if err := row.Scan(&vl.VehicleID, &vl.Location.Lat, &vl.Location.Lon, &vl.Location.Timestamp); err != nil {
		return nil, err
	}
	return &vl, nil
}

func (r *HistoryRepo) GetHistory(ctx context.Context, query *domain.HistoryQuery) ([]domain.VehicleLocation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT vehicle_id, latitude, longitude, timestamp FROM vehicle_locations WHERE vehicle_id = $1 AND timestamp >= $2 AND timestamp <= $3 ORDER BY timestamp ASC`,
		query.VehicleID, query.Start, query.End,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []domain.VehicleLocation
	for rows.Next() {
		var vl domain.VehicleLocation
		if err := rows.Scan(&vl.VehicleID, &vl.Location.Lat, &vl.Location.Lon, &vl.Location.Timestamp); err != nil {
			return nil, err
		}
		results = append(results, vl)
	}
	return results, rows.Err()
}
