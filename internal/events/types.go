// Package events provides event subjects and the publisher used by the engine.
package events

// Subjects
const (
	AgentStatus   = "agent.status"
	AgentResult   = "agent.result"
	SecurityEvent = "security.event"
)

// Source stamped on every event produced by this service.
const Source = "nexus"
