package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType int

const (
	EventOrderSubmit EventType = iota
	EventOrderReject
	EventOrderTrigger
	EventOrderFill
	EventOrderCancel
	EventBracketActivate
	EventBracketFlatten
	EventFillRetry
)

func (t EventType) String() string {
	switch t {
	case EventOrderSubmit:
		return "submit"
	case EventOrderReject:
		return "reject"
	case EventOrderTrigger:
		return "trigger"
	case EventOrderFill:
		return "fill"
	case EventOrderCancel:
		return "cancel"
	case EventBracketActivate:
		return "bracket_activate"
	case EventBracketFlatten:
		return "bracket_flatten"
	case EventFillRetry:
		return "fill_retry"
	}
	return "unknown"
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for t := EventOrderSubmit; t <= EventFillRetry; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

type Event struct {
	Ts         time.Time
	Type       EventType
	StrategyID string
	OrderID    string
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Fee        decimal.Decimal
	Details    map[string]string
}

type EventLog struct {
	Events []Event
}

func (l *EventLog) Append(e Event) { l.Events = append(l.Events, e) }

// Fills returns the fill events in order.
func (l *EventLog) Fills() []Event {
	var out []Event
	for _, e := range l.Events {
		if e.Type == EventOrderFill {
			out = append(out, e)
		}
	}
	return out
}
