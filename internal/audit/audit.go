// Package audit provides the fire-and-forget audit trail consumed by the
// safety controller and the order gateway. Sink failures are logged and
// swallowed; they must never block or delay a trading decision.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event kinds emitted by the core.
const (
	KindOrderAccepted  = "order_accepted"
	KindOrderRejected  = "order_rejected"
	KindOrderFailed    = "order_failed"
	KindPositionClosed = "position_closed"
	KindKillSwitch     = "kill_switch"
	KindEmergencyStop  = "emergency_stop"
	KindCircuitBreaker = "circuit_breaker"
	KindStateRelease   = "state_release"
)

// Event is one audit record.
type Event struct {
	ID       string                 `json:"id"`
	Time     time.Time              `json:"time"`
	Kind     string                 `json:"kind"`
	Severity string                 `json:"severity"` // "info", "warning", "critical"
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// NewEvent stamps an event with an id and timestamp.
func NewEvent(kind, severity, message string, fields map[string]interface{}) Event {
	return Event{
		ID:       uuid.NewString(),
		Time:     time.Now().UTC(),
		Kind:     kind,
		Severity: severity,
		Message:  message,
		Fields:   fields,
	}
}

// Sink receives audit events. Implementations must not block.
type Sink interface {
	Log(event Event)
}

// LogSink writes audit events to the process log.
type LogSink struct{}

// NewLogSink returns a sink backed by the global zerolog logger.
func NewLogSink() *LogSink { return &LogSink{} }

func (s *LogSink) Log(event Event) {
	var e *zerolog.Event
	switch event.Severity {
	case "critical":
		e = log.Error()
	case "warning":
		e = log.Warn()
	default:
		e = log.Info()
	}
	e.Str("audit_id", event.ID).Str("kind", event.Kind)
	for k, v := range event.Fields {
		e.Interface(k, v)
	}
	e.Msg(event.Message)
}

// MultiSink fans an event out to several sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink builds a fan-out sink. Nil members are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	out := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			out.sinks = append(out.sinks, s)
		}
	}
	return out
}

func (m *MultiSink) Log(event Event) {
	for _, s := range m.sinks {
		s.Log(event)
	}
}
