package session

// State is a step of the import wizard
type State string

const (
	StateIdle      State = "idle"
	StateUploaded  State = "uploaded"
	StatePreviewed State = "previewed"
	StateReviewing State = "reviewing"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var transitions = map[State][]State{
	StateIdle:      {StateUploaded},
	StateUploaded:  {StatePreviewed, StateFailed},
	StatePreviewed: {StateReviewing},
	StateReviewing: {StateExecuting, StatePreviewed},
	StateExecuting: {StateCompleted, StateFailed},
}

// CanTransition reports whether the wizard may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
