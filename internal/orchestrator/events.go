package orchestrator

import (
	"sync"

	"github.com/saveenergy/linkpulse/internal/logging"
)

// Severity grades an advisory condition.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Advisory conditions raised by the orchestrator. Raising an already
// active condition refreshes it; clearing an inactive one is a no-op.
const (
	ConditionCustomServerUnreachable = "custom_server_unreachable"
	ConditionRepeatedTestFailures    = "repeated_test_failures"
	ConditionCircuitBreakerOpen      = "circuit_breaker_open"
)

// AdvisoryEvents receives health conditions that an operator should see
// somewhere more visible than the log stream. Implementations fan the
// conditions out to whatever alerting surface the host application has.
type AdvisoryEvents interface {
	Raise(condition string, severity Severity, params map[string]interface{})
	Clear(condition string)
}

// LogEvents is the default AdvisoryEvents sink: conditions become
// structured log lines and transitions are deduplicated so a persistent
// condition does not spam the log on every cycle.
type LogEvents struct {
	logger *logging.Logger
	mu     sync.Mutex
	active map[string]bool
}

func NewLogEvents() *LogEvents {
	return &LogEvents{
		logger: logging.NewLogger("advisory"),
		active: make(map[string]bool),
	}
}

func (e *LogEvents) Raise(condition string, severity Severity, params map[string]interface{}) {
	e.mu.Lock()
	refresh := e.active[condition]
	e.active[condition] = true
	e.mu.Unlock()

	fields := []logging.Field{
		{Key: "condition", Value: condition},
		{Key: "refresh", Value: refresh},
	}
	for k, v := range params {
		fields = append(fields, logging.Field{Key: k, Value: v})
	}
	if severity == SeverityError {
		e.logger.Error("advisory raised", fields...)
		return
	}
	e.logger.Warn("advisory raised", fields...)
}

func (e *LogEvents) Clear(condition string) {
	e.mu.Lock()
	active := e.active[condition]
	delete(e.active, condition)
	e.mu.Unlock()
	if !active {
		return
	}
	e.logger.Info("advisory cleared",
		logging.Field{Key: "condition", Value: condition})
}
