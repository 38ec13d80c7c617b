package domain

import (
	"context"
	"encoding/json"
)

// EventHandler receives one gateway event. Handlers registered under
// WildcardEvent see every event; event.Name carries the actual name.
type EventHandler func(event Event)

// EventBus fans gateway events out to subscribers.
type EventBus interface {
	Publish(event Event)
	Subscribe(name string, handler EventHandler) func()
}

// GatewayClient is everything a consumer needs from the gateway connection:
// correlated requests and named event subscriptions.
type GatewayClient interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Subscribe(name string, handler EventHandler) func()
}
