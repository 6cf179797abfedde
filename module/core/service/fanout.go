package service

import (
	"context"
	"log"
	"time"

	"github.com/fleetlink/relay/module/core/domain"
	"github.com/fleetlink/relay/module/core/internal/repository/publisher"
)

// FanoutService delivers an event to every local session and publishes it
// on the shared transport so sibling processes replay it to theirs. The
// origin tag prevents double delivery in the publishing process.
//
// A nil publisher degrades the service to local-only delivery; each
// process still behaves correctly for its own connections.
type FanoutService struct {
	processID string
	sessions  *PresenceService
	pub       publisher.EventPublisher
	metrics   *Metrics
}

func NewFanoutService(processID string, sessions *PresenceService, pub publisher.EventPublisher, metrics *Metrics) *FanoutService {
	return &FanoutService{
		processID: processID,
		sessions:  sessions,
		pub:       pub,
		metrics:   metrics,
	}
}

// Start subscribes the replay handler on the shared transport.
func (f *FanoutService) Start() error {
	if f.pub == nil {
		return nil
	}
	return f.pub.Subscribe(f.handleRemote)
}

// Broadcast delivers env to every local session except the listed ids,
// then publishes it for sibling processes. The publish runs off the
// calling goroutine so no registry caller ever blocks on the broker.
func (f *FanoutService) Broadcast(env domain.Envelope, except ...string) {
	f.deliverLocal(env, except)

	if f.pub == nil {
		return
	}
	msg := &domain.FanoutMessage{Origin: f.processID, Except: except, Envelope: env}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.pub.Publish(ctx, msg); err != nil {
			log.Printf("fanout: publish %s: %v (local delivery unaffected)", env.Event, err)
		}
	}()
}

func (f *FanoutService) handleRemote(msg *domain.FanoutMessage) {
	if msg.Origin == f.processID {
		return
	}
	f.deliverLocal(msg.Envelope, msg.Except)
}

// deliverLocal is fire-and-forget per recipient: one failed send never
// aborts the rest of the fanout.
func (f *FanoutService) deliverLocal(env domain.Envelope, except []string) {
	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}

	f.sessions.Each(func(vehicleID string, conn domain.Sender) {
		if _, ok := skip[vehicleID]; ok {
			return
		}
		start := time.Now()
		if err := conn.Send(env); err != nil {
			log.Printf("fanout: deliver %s to %s: %v", env.Event, vehicleID, err)
			return
		}
		if f.metrics != nil {
			f.metrics.MessagesOut.Add(1)
			f.metrics.ObserveDelivery(time.Since(start))
		}
	})
}
