package main

import (
	"context"
	"database/sql"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fleetlink/relay/config"
	"github.com/fleetlink/relay/module/core"
)

func main() {
	cfg := config.Load()

	// Every infrastructure dependency is optional: the relay keeps
	// serving its own connections when a sink or broker is away.
	var db *sql.DB
	if d, err := config.NewPostgres(cfg); err != nil {
		log.Printf("postgres unavailable, persistence disabled: %v", err)
	} else {
		db = d
		defer func() { _ = db.Close() }()
	}

	var amqpConn *amqp.Connection
	if conn, err := config.NewRabbitMQ(cfg); err != nil {
		log.Printf("rabbitmq unavailable, fanout is local-only: %v", err)
	} else {
		amqpConn = conn
		defer func() { _ = amqpConn.Close() }()
	}

	var mqttClient mqtt.Client
	if client, err := config.NewMQTT(cfg); err != nil {
		log.Printf("mqtt unavailable, telemetry bridge disabled: %v", err)
	} else {
		mqttClient = client
		defer mqttClient.Disconnect(250)
	}

	processID := uuid.NewString()
	coreModule, err := core.Build(db, amqpConn, mqttClient, core.Options{
		ProcessID:        processID,
		RequireAuth:      cfg.RequireAuth,
		AuthToken:        cfg.AuthToken,
		ProximityRadiusM: cfg.ProximityRadiusM,
		HeartbeatTTL:     cfg.HeartbeatTTL,
		SweepInterval:    cfg.SweepInterval,
	})
	if err != nil {
		log.Fatalf("core module: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := coreModule.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}

	r := gin.Default()

	health := config.NewHealthChecker(db, amqpConn, mqttClient, coreModule.Presence)
	health.Register(r)

	coreModule.RegisterRoutes(&r.RouterGroup)

	log.Printf("relay %s listening on :%s", processID, cfg.HTTPPort)
	if err := r.Run(":" + cfg.HTTPPort); err != nil {
		log.Fatalf("server: %v", err)
	}
}
