package relay

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nerrad567/plugsync-core/internal/device"
)

// topicKind classifies a relay topic.
type topicKind int

const (
	topicUnknown topicKind = iota
	topicKeepalive
	topicDeviceEvent
)

// eventMessage is the wire shape of a device event published by the relay.
// Every field except the session-scoped routing (carried in the topic) is
// optional: plugs report partial updates.
type eventMessage struct {
	DeviceID     string   `json:"device_id"`
	Switch       *string  `json:"switch,omitempty"`
	Online       *bool    `json:"online,omitempty"`
	PowerW       *float64 `json:"power_w,omitempty"`
	VoltageV     *float64 `json:"voltage_v,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	TimestampMS  int64    `json:"ts,omitempty"`
}

// parseTopic splits a relay topic into its kind and, for device events, the
// session ID it is scoped to.
//
// Topic shapes under "{root}/{accountID}/":
//   - keepalive                      → liveness ping
//   - device/{sessionID}/state      → device event
func (c *connection) parseTopic(topic string) (topicKind, string, bool) {
	prefix := c.cfg.TopicRoot + "/" + c.acct.ID + "/"
	rest, ok := strings.CutPrefix(topic, prefix)
	if !ok {
		return topicUnknown, "", false
	}

	if rest == "keepalive" {
		return topicKeepalive, "", true
	}

	parts := strings.Split(rest, "/")
	if len(parts) == 3 && parts[0] == "device" && parts[2] == "state" && parts[1] != "" {
		return topicDeviceEvent, parts[1], true
	}

	return topicUnknown, "", false
}

// handleEvent decodes and applies one device event.
//
// The session→device mapping is learned here as a side effect of traffic, so
// a device becomes commandable the moment it first reports. Events for
// devices no clinic assignment has declared are dropped without touching the
// store.
func (c *connection) handleEvent(sessionID string, payload []byte) {
	var msg eventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("malformed relay event",
			"account", c.acct.ID,
			"session_id", sessionID,
			"error", err,
		)
		return
	}
	if msg.DeviceID == "" {
		c.logger.Warn("relay event without device id", "account", c.acct.ID, "session_id", sessionID)
		return
	}

	c.mapper.Observe(sessionID, msg.DeviceID)

	if !c.assignments.Known(msg.DeviceID) {
		c.logger.Debug("event for unassigned device dropped",
			"account", c.acct.ID,
			"device_id", msg.DeviceID,
		)
		return
	}

	patch := eventPatch(msg, time.Now())
	if _, err := c.store.Apply(msg.DeviceID, patch, device.SourceEvent); err != nil {
		c.logger.Warn("applying relay event failed",
			"account", c.acct.ID,
			"device_id", msg.DeviceID,
			"error", err,
		)
	}
}

// eventPatch converts a wire event into a store patch.
//
// Any event is proof of life, so online defaults to true unless the event
// explicitly says otherwise. The event's own timestamp is used when present
// so delayed deliveries lose conflict resolution against fresher writes;
// events without one are stamped at receive time.
func eventPatch(msg eventMessage, received time.Time) device.Patch {
	patch := device.Patch{
		Online:       msg.Online,
		PowerW:       msg.PowerW,
		VoltageV:     msg.VoltageV,
		TemperatureC: msg.TemperatureC,
	}

	if patch.Online == nil {
		online := true
		patch.Online = &online
	}

	if msg.Switch != nil {
		on := *msg.Switch == "on"
		patch.RelayOn = &on
	}

	if msg.TimestampMS > 0 {
		patch.Timestamp = time.UnixMilli(msg.TimestampMS).UTC()
	} else {
		patch.Timestamp = received
	}

	return patch
}
