package engine

import (
	"time"

	"github.com/trador/engine/internal/model"
)

// Level classifies an operator notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	// LevelUnconfirmed marks a submitted transaction whose outcome is
	// unknown and needs manual reconciliation.
	LevelUnconfirmed Level = "unconfirmed"
)

// EventType names an engine event pushed to subscribers.
type EventType string

const (
	EventNotice           EventType = "notice"
	EventTradeRecorded    EventType = "trade_recorded"
	EventAssetUpdated     EventType = "asset_updated"
	EventMonitoredAdded   EventType = "monitored_added"
	EventMonitoredRemoved EventType = "monitored_removed"
	EventModeChanged      EventType = "mode_changed"
	EventReset            EventType = "reset"
)

// Notice is a human-readable message for the operator.
type Notice struct {
	Level     Level  `json:"level"`
	Message   string `json:"message"`
	Asset     string `json:"asset,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// Event is one engine occurrence. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type   EventType             `json:"type"`
	Time   time.Time             `json:"time"`
	Notice *Notice               `json:"notice,omitempty"`
	Trade  *model.Trade          `json:"trade,omitempty"`
	Asset  *model.MonitoredAsset `json:"asset,omitempty"`
	Modes  *Modes                `json:"modes,omitempty"`
}

// Publisher receives engine events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

type discard struct{}

func (discard) Publish(Event) {}
