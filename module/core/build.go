package core

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"

	handler "github.com/fleetlink/relay/module/core/internal/handler/http"
	"github.com/fleetlink/relay/module/core/internal/handler/subscriber"
	"github.com/fleetlink/relay/module/core/internal/handler/ws"
	"github.com/fleetlink/relay/module/core/internal/repository/database/postgres"
	"github.com/fleetlink/relay/module/core/internal/repository/publisher"
	"github.com/fleetlink/relay/module/core/internal/repository/publisher/rabbitmq"
	"github.com/fleetlink/relay/module/core/service"
)

type Options struct {
	ProcessID        string
	RequireAuth      bool
	AuthToken        string
	ProximityRadiusM float64
	HeartbeatTTL     time.Duration
	SweepInterval    time.Duration
}

type Module struct {
	Presence *service.PresenceService
	Metrics  *service.Metrics

	fanout     *service.FanoutService
	gateway    *ws.Gateway
	handler    *handler.VehicleHandler
	subscriber *subscriber.LocationSubscriber
	opts       Options
}

// Build wires the engine. db, amqpConn and mqttClient are each optional:
// a nil db disables persistence, a nil amqpConn degrades fanout to
// local-only delivery, a nil mqttClient disables the telemetry bridge.
func Build(db *sql.DB, amqpConn *amqp.Connection, mqttClient mqtt.Client, opts Options) (*Module, error) {
	metrics := service.NewMetrics()
	presence := service.NewPresenceService()
	proximity := service.NewProximityService(opts.ProximityRadiusM)
	limiter := service.NewRateLimiter(nil)

	var historySvc *service.HistoryService
	if db != nil {
		historySvc = service.NewHistoryService(postgres.NewHistoryRepo(db))
	}

	var pub publisher.EventPublisher
	if amqpConn != nil {
		p, err := rabbitmq.NewEventPublisher(amqpConn, opts.ProcessID)
		if err != nil {
			return nil, fmt.Errorf("event publisher: %w", err)
		}
		pub = p
	}
	fanout := service.NewFanoutService(opts.ProcessID, presence, pub, metrics)
	presence.SetBroadcaster(fanout)

	calls := service.NewCallService(presence)
	alerts := service.NewAlertService(presence, fanout, historySvc)
	tracking := service.NewTrackingService(presence, proximity, historySvc)

	presence.OnEvict(func(vehicleID, reason string) {
		proximity.Remove(vehicleID)
		calls.EndAllFor(vehicleID, "peer_disconnected")
		limiter.Forget(vehicleID)
	})

	gateway := ws.NewGateway(ws.Config{
		Presence:    presence,
		Tracking:    tracking,
		Calls:       calls,
		Alerts:      alerts,
		Fanout:      fanout,
		Limiter:     limiter,
		Metrics:     metrics,
		RequireAuth: opts.RequireAuth,
		AuthToken:   opts.AuthToken,
	})

	var h *handler.VehicleHandler
	if historySvc != nil {
		h = handler.NewVehicleHandler(presence, historySvc, metrics)
	} else {
		h = handler.NewVehicleHandler(presence, nil, metrics)
	}

	m := &Module{
		Presence: presence,
		Metrics:  metrics,
		fanout:   fanout,
		gateway:  gateway,
		handler:  h,
		opts:     opts,
	}
	if mqttClient != nil {
		m.subscriber = subscriber.NewLocationSubscriber(mqttClient, tracking)
	}
	return m, nil
}

func (m *Module) RegisterRoutes(r *gin.RouterGroup) {
	m.gateway.Register(r)
	m.handler.Register(r)
}

// Start brings up the background pieces: cross-process replay, telemetry
// bridge, staleness sweeper.
func (m *Module) Start(ctx context.Context) error {
	if err := m.fanout.Start(); err != nil {
		return fmt.Errorf("fanout subscribe: %w", err)
	}
	if m.subscriber != nil {
		if err := m.subscriber.Start(); err != nil {
			return fmt.Errorf("telemetry subscribe: %w", err)
		}
	}
	m.Presence.StartSweeper(ctx, m.opts.SweepInterval, m.opts.HeartbeatTTL)
	return nil
}
