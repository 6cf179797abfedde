package service

import (
	"context"
	"log"
	"time"

	"github.com/fleetlink/relay/module/core/domain"
	"github.com/fleetlink/relay/module/core/internal/repository/database"
)

// HistoryService writes locations and alerts through to the external sink
// and serves the read API. The async variants are used on hot paths so a
// slow sink never backs up the relay.
type HistoryService struct {
	repo database.HistoryRepository
}

func NewHistoryService(repo database.HistoryRepository) *HistoryService {
	return &HistoryService{repo: repo}
}

func (s *HistoryService) SaveLocation(ctx context.Context, vl *domain.VehicleLocation) error {
	return s.repo.InsertLocation(ctx, vl)
}

func (s *HistoryService) SaveLocationAsync(vl *domain.VehicleLocation) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.InsertLocation(ctx, vl); err != nil {
			log.Printf("history: save location %s: %v", vl.VehicleID, err)
		}
	}()
}

func (s *HistoryService) SaveAlert(ctx context.Context, alert *domain.EmergencyAlert) error {
	return s.repo.InsertAlert(ctx, alert)
}

func (s *HistoryService) SaveAlertAsync(alert *domain.EmergencyAlert) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.InsertAlert(ctx, alert); err != nil {
			log.Printf("history: save alert %s: %v", alert.ID, err)
		}
	}()
}

func (s *HistoryService) GetLatest(ctx context.Context, vehicleID string) (*domain.VehicleLocation, error) {
	return s.repo.GetLatest(ctx, vehicleID)
}

func (s *HistoryService) GetHistory(ctx context.Context, query *domain.HistoryQuery) ([]domain.VehicleLocation, error) {
	return s.repo.GetHistory(ctx, query)
}
