package pipeline

import (
	"time"

	"replybot/pkg/dispatch"
	"replybot/pkg/normalize"
	"replybot/pkg/reply"
	"replybot/pkg/retrieval"
)

// State is a step of the per-event state machine.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateNormalized     State = "NORMALIZED"
	StateContextFetched State = "CONTEXT_FETCHED"
	StateReplied        State = "REPLIED"
	StateDispatched     State = "DISPATCHED"
	StateDone           State = "DONE"
	StateAborted        State = "ABORTED"
)

// Status summarizes how a run ended.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusAborted  Status = "aborted"
	StatusTimedOut Status = "timed_out"
)

// Annotations attached to a run without changing its state.
const (
	AnnotationRetrievalDegraded = "retrieval_degraded"
	AnnotationFallbackUsed      = "fallback_used"
	AnnotationDeliveryFailed    = "delivery_failed"
	AnnotationDuplicate         = "duplicate"
)

type Transition struct {
	State State
	At    time.Time
}

// Outcome is the record of one pipeline run.
type Outcome struct {
	RunID       string
	Channel     string
	State       State
	Status      Status
	Transitions []Transition
	Annotations []string

	Message           normalize.Message
	Passages          retrieval.Context
	RetrievalDegraded bool
	Reply             reply.Reply
	Receipt           dispatch.Receipt
	DeliveryFailed    bool
	TimedOut          bool

	Err      error
	Duration time.Duration
}

func (o *Outcome) enter(state State, at time.Time) {
	o.State = state
	o.Transitions = append(o.Transitions, Transition{State: state, At: at})
}

func (o *Outcome) annotate(annotation string) {
	o.Annotations = append(o.Annotations, annotation)
}

// Visited reports whether the run passed through state.
func (o Outcome) Visited(state State) bool {
	for _, t := range o.Transitions {
		if t.State == state {
			return true
		}
	}
	return false
}

// HasAnnotation reports whether annotation was recorded.
func (o Outcome) HasAnnotation(annotation string) bool {
	for _, a := range o.Annotations {
		if a == annotation {
			return true
		}
	}
	return false
}

func (o *Outcome) settle() {
	switch {
	case o.State == StateAborted:
		o.Status = StatusAborted
	case o.TimedOut:
		o.Status = StatusTimedOut
	case o.DeliveryFailed:
		o.Status = StatusFailed
	case o.RetrievalDegraded || o.Reply.UsedFallback:
		o.Status = StatusDegraded
	default:
		o.Status = StatusSuccess
	}
}
