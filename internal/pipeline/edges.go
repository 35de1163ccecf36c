package pipeline

// edges is the static legal-transition table. Transition legality is checked
// against this set at write time. Resuming from paused is narrowed further by
// the state machine to the recorded origin state.
var edges = map[State][]State{
	StateIdle:         {StatePlanning},
	StatePlanning:     {StateImplementing, StatePaused, StateFailed},
	StateImplementing: {StateQA, StatePaused, StateFailed},
	StateQA:           {StateImplementing, StateDeploying, StatePaused, StateFailed},
	StateDeploying:    {StateComplete, StatePaused, StateFailed},
	StatePaused:       {StatePlanning, StateImplementing, StateQA, StateDeploying},
	StateFailed:       {StatePlanning}, // restart after failure is a fresh transition
	StateComplete:     {},
}

// CanTransition reports whether from→to is a legal edge. For paused origins
// the caller must additionally check the recorded origin state.
func CanTransition(from, to State) bool {
	for _, t := range edges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// LegalTargets returns the legal target states from the given state.
func LegalTargets(from State) []State {
	return edges[from]
}
