// Package dashboard is the Bubble Tea operator dashboard: connection
// status, the live event stream and poll results.
package dashboard

import (
	"time"

	"opsdeck/internal/adapter/gateway"
	"opsdeck/internal/domain"
	"opsdeck/internal/usecase/poller"
)

// StatusMsg carries a connection status change.
type StatusMsg struct {
	Status gateway.Status
	At     time.Time
}

// EventMsg carries one gateway event.
type EventMsg struct {
	Event domain.Event
	At    time.Time
}

// PollMsg carries one poll result.
type PollMsg struct {
	Result poller.Result
}

type tickMsg time.Time
