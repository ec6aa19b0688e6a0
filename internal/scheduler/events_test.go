package scheduler

import (
	"testing"

	"go-archive-download/internal/models"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to models.TaskStatus
		want     bool
	}{
		{models.StatusQueued, models.StatusDownloading, true},
		{models.StatusQueued, models.StatusCancelled, true},
		{models.StatusQueued, models.StatusPaused, false},
		{models.StatusQueued, models.StatusCompleted, false},
		{models.StatusDownloading, models.StatusPaused, true},
		{models.StatusDownloading, models.StatusCompleted, true},
		{models.StatusDownloading, models.StatusError, true},
		{models.StatusDownloading, models.StatusQueued, true},
		{models.StatusPaused, models.StatusQueued, true},
		{models.StatusPaused, models.StatusCompleted, false},
		{models.StatusError, models.StatusQueued, true},
		{models.StatusError, models.StatusDownloading, false},
		{models.StatusCompleted, models.StatusQueued, false},
		{models.StatusCompleted, models.StatusDownloading, false},
		{models.StatusCancelled, models.StatusQueued, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestInvalidTransitionErrorMessage(t *testing.T) {
	err := &InvalidTransitionError{TaskID: "abc", From: models.StatusCompleted, To: models.StatusPaused}
	want := "task abc: illegal transition completed -> paused"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
