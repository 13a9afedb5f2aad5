package model

import (
	"math"
	"time"
)

// ThreatCategory classifies a detection.
type ThreatCategory uint8

const (
	CategoryNone ThreatCategory = iota
	CategoryPhishing
	CategoryMalware
	CategoryBehavioral
	CategoryFileAnomaly
	CategoryProcessAnomaly
	CategoryNetworkAnomaly
)

func (c ThreatCategory) String() string {
	switch c {
	case CategoryNone:
		return "None"
	case CategoryPhishing:
		return "Phishing"
	case CategoryMalware:
		return "Malware"
	case CategoryBehavioral:
		return "Behavioral"
	case CategoryFileAnomaly:
		return "FileAnomaly"
	case CategoryProcessAnomaly:
		return "ProcessAnomaly"
	case CategoryNetworkAnomaly:
		return "NetworkAnomaly"
	default:
		return "Unknown"
	}
}

// MaxDescriptionLen bounds SecurityEvent descriptions. Events are produced on
// hot paths; an unbounded string would let a hostile filename grow the log
// sink without limit.
const MaxDescriptionLen = 256

// SecurityEvent is the ephemeral record produced at detection time. It is
// handed to the event sink and never persisted.
type SecurityEvent struct {
	PID         uint32
	UID         uint32
	Category    ThreatCategory
	Confidence  float64
	Timestamp   time.Time
	Description string
}

// NewSecurityEvent builds an event with the description truncated to
// MaxDescriptionLen bytes.
func NewSecurityEvent(pid, uid uint32, category ThreatCategory, confidence float64, description string) SecurityEvent {
	if len(description) > MaxDescriptionLen {
		description = description[:MaxDescriptionLen]
	}
	return SecurityEvent{
		PID:         pid,
		UID:         uid,
		Category:    category,
		Confidence:  confidence,
		Timestamp:   time.Now(),
		Description: description,
	}
}

// Actionable reports whether the event's confidence clears the configured
// threshold (0-100 scale). Rounded so that a confidence of 0.70 meets a
// threshold of 70 regardless of float representation.
func (e SecurityEvent) Actionable(threshold int) bool {
	return int(math.Round(e.Confidence*100)) >= threshold
}

// Sink receives security events. Implementations must not block: events are
// emitted synchronously from whatever goroutine triggered the detection.
type Sink interface {
	HandleSecurityEvent(event SecurityEvent)
}
