package publisher

import (
	"context"

	"github.com/fleetlink/relay/module/core/domain"
)

// EventPublisher is the cross-process fanout transport. Subscribe installs
// the replay handler for messages published by sibling processes (the
// caller filters its own origin).
type EventPublisher interface {
	Publish(ctx context.Context, msg *domain.FanoutMessage) error
	Subscribe(handler func(msg *domain.FanoutMessage)) error
}
