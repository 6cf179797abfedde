package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetlink/relay/module/core/domain"
)

type presenceDirectory interface {
	Sessions() []domain.VehicleSession
	Lookup(vehicleID string) (domain.VehicleSession, bool)
	Count() int
}

type historyService interface {
	GetHistory(ctx context.Context, query *domain.HistoryQuery) ([]domain.VehicleLocation, error)
}

type metricsSource interface {
	Snapshot() map[string]any
}

type vehicleResponse struct {
	VehicleID  string   `json:"vehicleId"`
	DriverName string   `json:"driverName,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	LastSeenAt int64    `json:"lastSeenAt"`
}

type locationResponse struct {
	VehicleID string  `json:"vehicleId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
}

// VehicleHandler is the REST read surface: live vehicles from the presence
// registry, history from the external sink, counters from the metrics
// snapshot.
type VehicleHandler struct {
	presence presenceDirectory
	history  historyService // nil when persistence is disabled
	metrics  metricsSource
}

func NewVehicleHandler(presence presenceDirectory, history historyService, metrics metricsSource) *VehicleHandler {
	return &VehicleHandler{presence: presence, history: history, metrics: metrics}
}

func (h *VehicleHandler) Register(r *gin.RouterGroup) {
	r.GET("/vehicles", h.GetVehicles)
	r.GET("/vehicles/:vehicle_id/location", h.GetLocation)
	r.GET("/vehicles/:vehicle_id/history", h.GetHistory)
	r.GET("/metrics", h.GetMetrics)
}

func (h *VehicleHandler) GetVehicles(c *gin.Context) {
	sessions := h.presence.Sessions()
	results := make([]vehicleResponse, 0, len(sessions))
	for _, sess := range sessions {
		results = append(results, vehicleResponse{
			VehicleID:  sess.VehicleID,
			DriverName: sess.DriverName,
			Latitude:   sess.LastLat,
			Longitude:  sess.LastLon,
			LastSeenAt: sess.LastSeenAt.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, results)
}

func (h *VehicleHandler) GetLocation(c *gin.Context) {
	vehicleID := c.Param("vehicle_id")

	sess, ok := h.presence.Lookup(vehicleID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "vehicle not online"})
		return
	}
	if sess.LastLat == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no location fix yet"})
		return
	}

	c.JSON(http.StatusOK, locationResponse{
		VehicleID: sess.VehicleID,
		Latitude:  *sess.LastLat,
		Longitude: *sess.LastLon,
		Timestamp: sess.LastSeenAt.Unix(),
	})
}

func (h *VehicleHandler) GetHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}

	vehicleID := c.Param("vehicle_id")

	start, err := strconv.ParseInt(c.Query("start"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start parameter"})
		return
	}

	end, err := strconv.ParseInt(c.Query("end"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end parameter"})
		return
	}

	query := &domain.HistoryQuery{
		VehicleID: vehicleID,
		Start:     time.Unix(start, 0),
		End:       time.Unix(end, 0),
	}

	locations, err := h.history.GetHistory(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch history"})
		return
	}

	results := make([]locationResponse, len(locations))
	for i, vl := range locations {
		results[i] = locationResponse{
			VehicleID: vl.VehicleID,
			Latitude:  vl.Location.Lat,
			Longitude: vl.Location.Lon,
			Timestamp: vl.Location.Timestamp.Unix(),
		}
	}
	c.JSON(http.StatusOK, results)
}

func (h *VehicleHandler) GetMetrics(c *gin.Context) {
	snapshot := h.metrics.Snapshot()
	snapshot["active_vehicles"] = h.presence.Count()
	c.JSON(http.StatusOK, snapshot)
}
