package bus

import (
	"fmt"

	"github.com/opensource-finance/pacifier/internal/domain"
)

// New creates the event bus named by cfg.Type. An empty type selects the
// in-process ChannelBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %q", cfg.Type)
	}
}
