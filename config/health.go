package config

import (
	"database/sql"
	"net/http"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
)

// VehicleCounter reports how many vehicles are currently connected;
// implemented by the presence registry.
type VehicleCounter interface {
	Count() int
}

// HealthChecker reports overall status plus per-dependency state. Any
// dependency may be nil, meaning it was disabled at startup; disabled
// dependencies never degrade the overall status.
type HealthChecker struct {
	db       *sql.DB
	amqpConn *amqp.Connection
	mqtt     mqtt.Client
	vehicles VehicleCounter
}

func NewHealthChecker(db *sql.DB, amqpConn *amqp.Connection, mqttClient mqtt.Client, vehicles VehicleCounter) *HealthChecker {
	return &HealthChecker{db: db, amqpConn: amqpConn, mqtt: mqttClient, vehicles: vehicles}
}

func (h *HealthChecker) Register(r *gin.Engine) {
	r.GET("/healthz", h.Handle)
}

func (h *HealthChecker) Handle(c *gin.Context) {
	status := http.StatusOK
	deps := gin.H{}

	switch {
	case h.db == nil:
		deps["postgres"] = gin.H{"status": "disabled"}
	case h.db.PingContext(c.Request.Context()) != nil:
		deps["postgres"] = gin.H{"status": "down"}
		status = http.StatusServiceUnavailable
	default:
		deps["postgres"] = gin.H{"status": "up"}
	}

	switch {
	case h.amqpConn == nil:
		deps["rabbitmq"] = gin.H{"status": "disabled"}
	case h.amqpConn.IsClosed():
		deps["rabbitmq"] = gin.H{"status": "down"}
		status = http.StatusServiceUnavailable
	default:
		deps["rabbitmq"] = gin.H{"status": "up"}
	}

	switch {
	case h.mqtt == nil:
		deps["mqtt"] = gin.H{"status": "disabled"}
	case !h.mqtt.IsConnected():
		deps["mqtt"] = gin.H{"status": "down"}
		status = http.StatusServiceUnavailable
	default:
		deps["mqtt"] = gin.H{"status": "up"}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":             overall,
		"connected_vehicles": h.vehicles.Count(),
		"dependencies":       deps,
	})
}
