// Package store persists download task records. It is the single
// source of truth for task state; the scheduler only holds a working
// view of these records and resynchronizes from here on startup.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go-archive-download/internal/database"
	"go-archive-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// ErrTaskNotFound is returned when a task id has no record.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore reads and writes download task records in the database.
type TaskStore struct {
	db *database.DB
}

// New creates a TaskStore over an open database.
func New(db *database.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Get retrieves a single task by id.
func (s *TaskStore) Get(id string) (models.DownloadTask, error) {
	raw, err := s.db.Get(database.TaskKey(id))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return models.DownloadTask{}, ErrTaskNotFound
		}
		return models.DownloadTask{}, fmt.Errorf("reading task %s: %w", id, err)
	}

	var task models.DownloadTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return models.DownloadTask{}, fmt.Errorf("unmarshalling task %s: %w", id, err)
	}
	return task, nil
}

// Put upserts a task record.
func (s *TaskStore) Put(task models.DownloadTask) error {
	if task.ID == "" {
		return errors.New("cannot store task with empty id")
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshalling task %s: %w", task.ID, err)
	}
	if err := s.db.Put(database.TaskKey(task.ID), raw); err != nil {
		return fmt.Errorf("storing task %s: %w", task.ID, err)
	}
	return nil
}

// Delete removes a task record. Deleting an absent task is not an error.
func (s *TaskStore) Delete(id string) error {
	err := s.db.Delete(database.TaskKey(id))
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

// Has reports whether a record exists for the id.
func (s *TaskStore) Has(id string) bool {
	return s.db.Has(database.TaskKey(id))
}

// List returns all task records sorted by priority (highest first),
// ties broken by creation time (oldest first). This is the order the
// scheduler serves queued tasks in.
func (s *TaskStore) List() ([]models.DownloadTask, error) {
	var tasks []models.DownloadTask
	err := s.db.FoldPrefix(database.TaskKeyPrefix, func(id string, value []byte) error {
		var task models.DownloadTask
		if err := json.Unmarshal(value, &task); err != nil {
			log.WithError(err).Warnf("Skipping undecodable task record %s", id)
			return nil
		}
		tasks = append(tasks, task)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// ListByStatus returns tasks in the given status, in scheduling order.
func (s *TaskStore) ListByStatus(status models.TaskStatus) ([]models.DownloadTask, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var tasks []models.DownloadTask
	for _, t := range all {
		if t.Status == status {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// ApplyOrder rewrites priorities so that re-reading the store reproduces
// the requested order exactly: the first id gets the highest priority.
// Ids not present in the store are skipped with a warning; tasks not
// named keep their current priority.
func (s *TaskStore) ApplyOrder(ids []string) error {
	n := len(ids)
	for i, id := range ids {
		task, err := s.Get(id)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				log.Warnf("ApplyOrder: task %s not found, skipping", id)
				continue
			}
			return err
		}
		task.Priority = models.TaskPriority(n - i)
		if err := s.Put(task); err != nil {
			return err
		}
	}
	return nil
}

// DeleteOldCompleted removes completed tasks older than the given
// number of days, returning how many were removed.
func (s *TaskStore) DeleteOldCompleted(olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	all, err := s.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, t := range all {
		if t.Status != models.StatusCompleted {
			continue
		}
		if t.CompletedAt.IsZero() || t.CompletedAt.After(cutoff) {
			continue
		}
		if err := s.Delete(t.ID); err != nil {
			return removed, err
		}
		removed++
	}
	log.Debugf("Removed %d completed task(s) older than %d day(s)", removed, olderThanDays)
	return removed, nil
}

// ResetInterrupted returns tasks left in the downloading state (e.g.
// after a crash) to queued, preserving partial byte counts so the next
// run resumes with a range request. Returns how many were reset.
func (s *TaskStore) ResetInterrupted() (int, error) {
	downloading, err := s.ListByStatus(models.StatusDownloading)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, t := range downloading {
		t.Status = models.StatusQueued
		if err := s.Put(t); err != nil {
			return reset, err
		}
		reset++
	}
	if reset > 0 {
		log.Infof("Reset %d interrupted download(s) back to queued", reset)
	}
	return reset, nil
}
