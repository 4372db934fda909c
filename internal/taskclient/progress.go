package taskclient

import "time"

// StepState is the lifecycle of one progress entry.
type StepState string

const (
	StepActive    StepState = "active"
	StepCompleted StepState = "completed"
	StepError     StepState = "error"
)

// Outcome summarizes a followed task.
type Outcome string

const (
	OutcomeRunning    Outcome = "running"
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeIncomplete Outcome = "incomplete"
)

// Step is one entry of the progress log.
type Step struct {
	Seq       int                    `json:"seq"`
	Type      EventType              `json:"type"`
	State     StepState              `json:"state"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Transition describes what one applied event changed.
type Transition struct {
	// Settled is the previously active step after it moved to completed or error.
	Settled *Step
	Added   Step
	Done    bool
}

// Progress is an append-only log of task steps. Only the active step ever changes state.
type Progress struct {
	Steps   []Step                 `json:"steps"`
	Outcome Outcome                `json:"outcome"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`

	// active is the index of the active step plus one; zero means none.
	active int
}

// NewProgress returns an empty running log.
func NewProgress() *Progress {
	return &Progress{Outcome: OutcomeRunning}
}

// Done reports whether a final or error event was applied.
func (p *Progress) Done() bool {
	return p.Outcome == OutcomeCompleted || p.Outcome == OutcomeFailed
}

// Active returns the current active step, if any.
func (p *Progress) Active() (Step, bool) {
	if p.active == 0 {
		return Step{}, false
	}
	return p.Steps[p.active-1], true
}

// Apply folds evt into the log. It reports false when the event was ignored,
// either because the log is already terminal or the type is unknown.
func (p *Progress) Apply(evt Event) (Transition, bool) {
	if p.Done() {
		return Transition{Done: true}, false
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if p.Outcome == "" || p.Outcome == OutcomeIncomplete {
		p.Outcome = OutcomeRunning
	}

	var tr Transition
	switch evt.Type {
	case EventStatus, EventToolCall, EventPartial:
		tr.Settled = p.settle(StepCompleted)
		tr.Added = p.append(evt, StepActive, ts)
		p.active = len(p.Steps)
	case EventFinal:
		tr.Settled = p.settle(StepCompleted)
		tr.Added = p.append(evt, StepCompleted, ts)
		p.Outcome = OutcomeCompleted
		p.Result = evt.Data
		tr.Done = true
	case EventError:
		tr.Settled = p.settle(StepError)
		tr.Added = p.append(evt, StepError, ts)
		p.Outcome = OutcomeFailed
		p.Error = evt.Message()
		if p.Error == "" {
			p.Error = "task failed"
		}
		tr.Done = true
	default:
		return Transition{}, false
	}
	return tr, true
}

// MarkIncomplete records that the stream ended without a final or error event.
func (p *Progress) MarkIncomplete() {
	if !p.Done() {
		p.Outcome = OutcomeIncomplete
	}
}

func (p *Progress) settle(state StepState) *Step {
	if p.active == 0 {
		return nil
	}
	p.Steps[p.active-1].State = state
	settled := p.Steps[p.active-1]
	p.active = 0
	return &settled
}

func (p *Progress) append(evt Event, state StepState, ts time.Time) Step {
	step := Step{
		Seq:       len(p.Steps),
		Type:      evt.Type,
		State:     state,
		Message:   evt.Message(),
		Data:      evt.Data,
		Timestamp: ts,
	}
	p.Steps = append(p.Steps, step)
	return step
}
