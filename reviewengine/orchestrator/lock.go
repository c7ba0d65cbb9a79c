package orchestrator

import (
	"fmt"
	"time"

	"github.com/algowizzzz/docasst/reviewengine/runstate"
)

// LockConflictError reports that a run is held by another session.
type LockConflictError struct {
	Owner string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("run locked by %s", e.Owner)
}

// AcquireRunLock claims the run for sessionID. Re-acquiring an already held
// lock is a no-op; a lock held by anyone else is a LockConflictError.
func AcquireRunLock(state *runstate.RunState, sessionID string) error {
	owner := state.LockedBy
	if owner != "" && owner != sessionID {
		return &LockConflictError{Owner: owner}
	}
	if owner == sessionID {
		return nil
	}
	state.LockedBy = sessionID
	state.LockTime = time.Now().UTC().Format(time.RFC3339)
	return nil
}

// ReleaseRunLock releases the run lock if sessionID holds it. Releasing
// someone else's lock does nothing.
func ReleaseRunLock(state *runstate.RunState, sessionID string) {
	if state.LockedBy == sessionID {
		state.LockedBy = ""
		state.LockTime = ""
	}
}
