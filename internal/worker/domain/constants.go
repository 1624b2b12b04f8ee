package domain

// State is the lifecycle state of a job row
type State string

// Job state constants
const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) String() string {
	return string(s)
}

// AllStates lists every state a job row can hold
var AllStates = []State{
	StateQueued,
	StateRunning,
	StateCompleted,
	StateFailed,
}

// IsTerminal reports whether no further transition is expected from s
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ParseState validates a raw state string
func ParseState(raw string) (State, error) {
	for _, s := range AllStates {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", ErrInvalidState
}

// Transition is one edge of the job state graph
type Transition struct {
	From State
	To   State
}

// ValidTransitions is the job state graph. running -> queued is the
// "resource unavailable" requeue.
var ValidTransitions = []Transition{
	{From: StateQueued, To: StateRunning},
	{From: StateRunning, To: StateCompleted},
	{From: StateRunning, To: StateFailed},
	{From: StateRunning, To: StateQueued},
}

// IsValidTransition reports whether from -> to is an edge of the state graph
func IsValidTransition(from, to State) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Event subject namespace and requeue reasons
const (
	SubjectPrefix = "jobs"
	SubjectFilter = "jobs.>"

	ReasonNoResourceAvailable = "no_resource_available"
)
