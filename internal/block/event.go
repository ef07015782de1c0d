// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

// EventType tags an Event.
type EventType string

const (
	EventAstrometryOK         EventType = "astrometry-ok"
	EventAstrometryFailed     EventType = "astrometry-failed"
	EventAllImagesProcessed   EventType = "all-images-processed"
	EventObservationProcessed EventType = "observation-processed"
	EventSafetyLockout        EventType = "safety-lockout"
	EventDeviceFault          EventType = "device-fault"
	EventConnectionClosed     EventType = "connection-closed"
	EventPhaseChanged         EventType = "phase-changed"

	// EventAny subscribes to every type.
	EventAny EventType = "*"
)

// Event is an immutable broadcast with an opaque payload and no reply.
type Event struct {
	Type    EventType
	Source  string
	Payload any
}

// Summarizer lets payloads describe themselves when an event is forwarded
// over a connection or to an external sink.
type Summarizer interface {
	Summary() string
}

// EventHandler consumes a broadcast event synchronously.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	typ     EventType
	handler EventHandler
}

// ConnectionClosed is the payload of EventConnectionClosed.
type ConnectionClosed struct {
	Name   string
	Addr   string
	Role   Role
	Reason error
}

// Summary implements Summarizer.
func (c ConnectionClosed) Summary() string {
	reason := "unknown"
	if c.Reason != nil {
		reason = closeReasonLabel(c.Reason)
	}
	return c.Name + " " + string(c.Role) + " " + reason
}
