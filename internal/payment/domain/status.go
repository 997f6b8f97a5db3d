package domain

var transitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusProcessing: {},
		StatusCompleted:  {},
		StatusFailed:     {},
		StatusCancelled:  {},
	},
	StatusProcessing: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusCompleted: {
		StatusRefunded: {},
	},
}

// CanTransition reports whether from -> to is an edge of the payment state
// machine. Self transitions are not edges.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

// Open reports whether the provider has not yet resolved the payment.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusProcessing
}
