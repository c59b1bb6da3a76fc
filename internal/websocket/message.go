package websocket

import (
	"encoding/json"

	"github.com/calkiosk/kiosk-sentinel/internal/filter"
	"github.com/calkiosk/kiosk-sentinel/internal/models"
)

// Message defines the structure for websocket messages.
type Message struct {
	Action  string      `json:"action"`
	Payload interface{} `json:"payload"`
}

// decisionPayload is the live-feed body for one pipeline decision.
type decisionPayload struct {
	Decision filter.Decision `json:"decision"`
	Event    models.Event    `json:"event"`
}

// Record implements filter.Recorder: each decision is broadcast to connected
// dashboard clients, best-effort.
func (h *Hub) Record(ev models.Event, decision filter.Decision) {
	data, err := json.Marshal(Message{
		Action:  "pipeline_decision",
		Payload: decisionPayload{Decision: decision, Event: ev},
	})
	if err != nil {
		return
	}
	h.Publish(data)
}

// PublishEvent broadcasts an event record that has no pipeline decision yet,
// such as a recovery action the watchdog just emitted.
func (h *Hub) PublishEvent(ev models.Event) {
	data, err := json.Marshal(Message{Action: "watchdog_event", Payload: ev})
	if err != nil {
		return
	}
	h.Publish(data)
}
