package qrlogin

import (
	"time"

	"github.com/tiermate/tiermate-auth/internal/idp"
)

// State is the client-side view of a QR login
type State string

const (
	StateInit        State = "INIT"
	StatePending     State = "PENDING"
	StateScanned     State = "SCANNED"
	StateAuthorizing State = "AUTHORIZING"
	StateCompleting  State = "COMPLETING"
	StateSuccess     State = "SUCCESS"
	StateFailed      State = "FAILED"
	StateExpired     State = "EXPIRED"
)

// Terminal reports whether no further event can change the state
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateExpired
}

// InProgress reports whether a login is waiting for the provider
func (s State) InProgress() bool {
	switch s {
	case StatePending, StateScanned, StateAuthorizing, StateCompleting:
		return true
	}
	return false
}

func (s State) rank() int {
	switch s {
	case StateInit:
		return 0
	case StatePending:
		return 1
	case StateScanned:
		return 2
	case StateAuthorizing:
		return 3
	case StateCompleting:
		return 4
	default:
		return 5
	}
}

// canTransition applies the no-regression rule. Forward jumps are allowed,
// FAILED and EXPIRED can be reached from any non-terminal state, and nothing
// leaves a terminal state.
func canTransition(from, to State) bool {
	if from.Terminal() || from == to {
		return false
	}
	if to == StateFailed || to == StateExpired {
		return true
	}
	return to.rank() > from.rank()
}

// stateForStatus maps a wire status onto the state it drives
func stateForStatus(status idp.Status) (State, bool) {
	switch status {
	case idp.StatusPending:
		return StatePending, true
	case idp.StatusScanned:
		return StateScanned, true
	case idp.StatusAuthorized, idp.StatusApproved:
		return StateAuthorizing, true
	case idp.StatusCompleted, idp.StatusSuccess:
		return StateCompleting, true
	case idp.StatusFailed:
		return StateFailed, true
	case idp.StatusExpired:
		return StateExpired, true
	}
	return "", false
}

// LoginSession is what the provider handed out for one attempt
type LoginSession struct {
	LoginID   string
	QRURL     string
	ExpiresIn time.Duration
}

// Snapshot is an immutable copy of the manager state
type Snapshot struct {
	State     State
	LoginID   string
	QRURL     string
	ExpiresAt time.Time
	// Err explains FAILED and EXPIRED
	Err error
}
