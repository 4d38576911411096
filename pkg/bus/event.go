// Package bus provides the in-process publish/subscribe event bus that all
// Atelier components coordinate through. Channels are plain string
// identifiers; payloads are channel-specific structured records defined by
// the publishing component.
//
// Dispatch is synchronous and single-threaded from the publisher's point of
// view: subscribers for a channel run in subscription order, and a publish
// issued from inside a handler is queued behind the in-progress dispatch
// rather than processed reentrantly. A panicking subscriber is logged and
// never propagates to the publisher or to sibling subscribers.
package bus

import (
	"fmt"
	"time"
)

// Event is a single message on the bus.
type Event struct {
	Channel   string            `json:"channel"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Payload   any               `json:"payload,omitempty"`
}

// Core channel names. Phase channels are derived per workflow definition via
// PhaseStartChannel and PhaseCompleteChannel.
const (
	// ChannelSystemInit carries the event published once the session has
	// reseeded the project store from durable records.
	ChannelSystemInit = "system:init"

	// ChannelSystemShutdown carries the event published before the session
	// clears the agent registry and bus subscriptions.
	ChannelSystemShutdown = "system:shutdown"

	// ChannelPurposeSelected signals that the user picked a purpose.
	// Payload: session.PurposeSelectedPayload.
	ChannelPurposeSelected = "project:purpose_selected"

	// ChannelProjectPivot signals a re-align: the current agent set is
	// discarded while the persisted project record is kept.
	ChannelProjectPivot = "project:pivot"

	// ChannelAgentStarted, ChannelAgentCompleted and ChannelAgentFailed carry
	// agent lifecycle events published by the registry around each worker
	// execution. Payload: registry.LifecyclePayload.
	ChannelAgentStarted   = "agent:started"
	ChannelAgentCompleted = "agent:completed"
	ChannelAgentFailed    = "agent:failed"
)

// PhaseStartChannel returns the channel name that starts a phase.
// Pattern: phase:{phase_name}:start
func PhaseStartChannel(phase string) string {
	return fmt.Sprintf("phase:%s:start", phase)
}

// PhaseCompleteChannel returns the channel name that completes a phase.
// Pattern: phase:{phase_name}:complete
func PhaseCompleteChannel(phase string) string {
	return fmt.Sprintf("phase:%s:complete", phase)
}
