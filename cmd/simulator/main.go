package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// Drives a handful of fake vehicles against a running relay: each one
// registers over websocket and streams drifting coordinates around a
// center point, printing every event the relay pushes back.

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomVehicleID() string {
	letter := string(charset[rand.Intn(26)])
	digits := fmt.Sprintf("%04d", rand.Intn(10000))
	suffix := string([]byte{charset[rand.Intn(26)], charset[rand.Intn(26)], charset[rand.Intn(26)]})
	return letter + digits + suffix
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <interval_ms> [vehicle_count]\n", os.Args[0])
		os.Exit(1)
	}

	intervalMs, err := strconv.Atoi(os.Args[1])
	if err != nil || intervalMs <= 0 {
		fmt.Fprintf(os.Stderr, "error: interval must be a positive integer\n")
		os.Exit(1)
	}

	count := 5
	if len(os.Args) > 2 {
		if n, err := strconv.Atoi(os.Args[2]); err == nil && n > 0 {
			count = n
		}
	}

	server := "localhost:8080"
	if v := os.Getenv("RELAY_ADDR"); v != "" {
		server = v
	}
	token := os.Getenv("AUTH_TOKEN")

	// center of the simulated fleet: downtown San Francisco
	const centerLat, centerLon = 37.7749, -122.4194

	for i := 0; i < count; i++ {
		go drive(server, token, randomVehicleID(), centerLat, centerLon, time.Duration(intervalMs)*time.Millisecond)
	}

	select {}
}

func drive(server, token, vehicleID string, lat, lon float64, interval time.Duration) {
	u := url.URL{Scheme: "ws", Host: server, Path: "/ws"}
	if token != "" {
		u.RawQuery = "token=" + url.QueryEscape(token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("%s: dial: %v", vehicleID, err)
	}
	defer conn.Close()

	send := func(event string, data any) {
		raw, _ := json.Marshal(data)
		if err := conn.WriteJSON(envelope{Event: event, Data: raw}); err != nil {
			log.Fatalf("%s: write: %v", vehicleID, err)
		}
	}

	send("register", map[string]any{
		"vehicleId":  vehicleID,
		"driverName": "sim-" + vehicleID,
		"authToken":  token,
	})

	go func() {
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				log.Printf("%s: read: %v", vehicleID, err)
				return
			}
			log.Printf("%s <- [%s] %s", vehicleID, env.Event, env.Data)
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		// random walk, roughly 100m steps
		lat += (rand.Float64() - 0.5) * 0.002
		lon += (rand.Float64() - 0.5) * 0.002
		send("location_update", map[string]any{
			"latitude":  lat,
			"longitude": lon,
		})
	}
}
