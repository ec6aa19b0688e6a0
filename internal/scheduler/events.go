package scheduler

import (
	"fmt"
	"time"

	"go-archive-download/internal/models"
)

// Event is one task state transition, published on the state-change
// stream. Events for a given task are delivered in the order the
// transitions happened.
type Event struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
	Error  string // set when To == StatusError
	Time   time.Time
}

// InvalidTransitionError rejects an illegal state transition. The task
// is left untouched.
type InvalidTransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

// transitions is the authoritative per-task state machine. A status
// maps to the set of statuses it may move to; anything else is
// rejected. Completed and cancelled are terminal.
var transitions = map[models.TaskStatus][]models.TaskStatus{
	models.StatusQueued:      {models.StatusDownloading, models.StatusCancelled},
	models.StatusDownloading: {models.StatusCompleted, models.StatusError, models.StatusPaused, models.StatusCancelled, models.StatusQueued},
	models.StatusPaused:      {models.StatusQueued, models.StatusDownloading, models.StatusCancelled},
	models.StatusError:       {models.StatusQueued, models.StatusCancelled},
	models.StatusCompleted:   {},
	models.StatusCancelled:   {},
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to models.TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
