// Package scheduler drives concurrent file transfers. A bounded worker
// pool pulls the highest-priority queued task whenever a slot frees,
// with FIFO tie-breaking, and every lifecycle change goes through a
// central transition table. The task store remains the single source of
// truth; the scheduler's in-memory state is only a working view.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go-archive-download/internal/downloader"
	"go-archive-download/internal/helpers"
	"go-archive-download/internal/models"
	"go-archive-download/internal/progress"
	"go-archive-download/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrTaskExists is returned by Enqueue when the id already has a live
// (non-terminal) record.
var ErrTaskExists = errors.New("task already enqueued")

// Config tunes the pool and the retry policy.
type Config struct {
	Concurrency int           // worker pool size
	MaxRetries  int           // auto-retry bound for transient failures
	RetryDelay  time.Duration // backoff base: attempt * RetryDelay
}

// intent values a control operation leaves for the owning worker.
const (
	intentNone int32 = iota
	intentPause
	intentCancel
)

// taskHandle is the scheduler's grip on a task currently held by a
// worker. Only the owning worker mutates the task record while the
// handle exists.
type taskHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
	intent atomic.Int32
	remove atomic.Bool // cancel came from Remove: drop the record too
}

// Scheduler orchestrates the worker pool and the task lifecycle.
type Scheduler struct {
	store     *store.TaskStore
	transport downloader.Transport
	tracker   *progress.Tracker
	cfg       Config

	mu          sync.Mutex
	active      map[string]*taskHandle
	nextAttempt map[string]time.Time // backoff gate for auto-retries
	subs        map[int]chan Event
	nextSub     int

	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Scheduler. Zero config fields get defaults
// (Concurrency 3, MaxRetries 3, RetryDelay 2s).
func New(taskStore *store.TaskStore, transport downloader.Transport, tracker *progress.Tracker, cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Scheduler{
		store:       taskStore,
		transport:   transport,
		tracker:     tracker,
		cfg:         cfg,
		active:      make(map[string]*taskHandle),
		nextAttempt: make(map[string]time.Time),
		subs:        make(map[int]chan Event),
		wake:        make(chan struct{}, 1),
	}
}

// Start resynchronizes from the store and launches the worker pool.
// Tasks left downloading by a previous process go back to queued before
// any worker runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already started")
	}

	if _, err := s.store.ResetInterrupted(); err != nil {
		return fmt.Errorf("resynchronizing task store: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	log.Infof("Scheduler started with %d worker(s)", s.cfg.Concurrency)
	s.signalWake()
	return nil
}

// Stop halts the pool and waits for workers to park their tasks.
// In-flight transfers are returned to queued with partial bytes
// preserved, like a process restart would.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Info("Scheduler stopped")
}

// Enqueue inserts or re-inserts a task in the queued state. The id must
// not already have a live record; completed, cancelled or errored
// leftovers under the same id are replaced.
func (s *Scheduler) Enqueue(task models.DownloadTask) (models.DownloadTask, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	// The duplicate check and the insert must be one critical section,
	// or two racing Enqueues for the same id could both pass the check.
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, err := s.store.Get(task.ID); err == nil {
		if !existing.Status.IsTerminal() && existing.Status != models.StatusError {
			return models.DownloadTask{}, fmt.Errorf("%w: %s is %s", ErrTaskExists, task.ID, existing.Status)
		}
	} else if !errors.Is(err, store.ErrTaskNotFound) {
		return models.DownloadTask{}, err
	}

	task.Status = models.StatusQueued
	task.ErrorMessage = ""
	task.RetryCount = 0
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	if err := s.store.Put(task); err != nil {
		return models.DownloadTask{}, err
	}
	s.publishLocked(Event{TaskID: task.ID, From: "", To: models.StatusQueued, Time: time.Now()})
	s.signalWake()
	log.Debugf("Enqueued task %s (%s/%s)", task.ID, task.Identifier, task.FileName)
	return task, nil
}

// Pause suspends a downloading task, preserving its partial bytes. Only
// valid from the downloading state; anything else is rejected with an
// InvalidTransitionError and no state change.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if task.Status != models.StatusDownloading {
		return &InvalidTransitionError{TaskID: id, From: task.Status, To: models.StatusPaused}
	}

	handle, ok := s.active[id]
	if !ok {
		// Store says downloading but no worker owns it; resynchronize.
		log.Warnf("Task %s marked downloading with no active worker, resetting to queued", id)
		task.Status = models.StatusQueued
		return s.store.Put(task)
	}
	handle.intent.Store(intentPause)
	handle.cancel()
	return nil
}

// Resume re-admits a paused task to the scheduling pool. Valid from
// paused (moves to queued) or queued (no-op beyond a wake).
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.store.Get(id)
	if err != nil {
		return err
	}
	switch task.Status {
	case models.StatusQueued:
		s.signalWake()
		return nil
	case models.StatusPaused:
		if err := s.setStatusLocked(&task, models.StatusQueued); err != nil {
			return err
		}
		s.signalWake()
		return nil
	default:
		return &InvalidTransitionError{TaskID: id, From: task.Status, To: models.StatusQueued}
	}
}

// Retry re-enqueues an errored task, clearing its error message and
// resetting the retry count to zero.
func (s *Scheduler) Retry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if task.Status != models.StatusError {
		return &InvalidTransitionError{TaskID: id, From: task.Status, To: models.StatusQueued}
	}

	task.ErrorMessage = ""
	task.RetryCount = 0
	delete(s.nextAttempt, id)
	if err := s.setStatusLocked(&task, models.StatusQueued); err != nil {
		return err
	}
	s.signalWake()
	return nil
}

// Remove cancels the task if active, deletes its record, and removes
// any partial on-disk artifact. Removing an unknown id is an error.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()

	task, err := s.store.Get(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if handle, ok := s.active[id]; ok {
		// The owning worker observes the cancel at its next checkpoint
		// and finishes the removal itself.
		handle.remove.Store(true)
		handle.intent.Store(intentCancel)
		handle.cancel()
		s.mu.Unlock()
		return nil
	}

	if !task.Status.IsTerminal() {
		if err := s.setStatusLocked(&task, models.StatusCancelled); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	delete(s.nextAttempt, id)
	err = s.store.Delete(id)
	s.mu.Unlock()

	removePartial(task)
	s.tracker.Remove(id)
	return err
}

// Reorder applies an explicit new ordering (drag-and-drop semantics):
// priorities are rewritten so the first id is served first.
func (s *Scheduler) Reorder(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.ApplyOrder(ids); err != nil {
		return err
	}
	s.signalWake()
	return nil
}

// Tasks lists all task records in scheduling order.
func (s *Scheduler) Tasks() ([]models.DownloadTask, error) {
	return s.store.List()
}

// Subscribe returns the state-change stream and an unsubscribe
// function. Events are buffered; a subscriber that stops draining loses
// newest events rather than blocking the scheduler.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 64)
	s.subs[id] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// --- worker pool ---

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	log.Debugf("Worker %d starting", id)

	// The ticker re-checks the queue so backoff-delayed retries are
	// picked up without an explicit wake.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Debugf("Worker %d finished", id)
			return
		case <-s.wake:
		case <-ticker.C:
		}

		for {
			task, handle, ok := s.claimNext()
			if !ok {
				break
			}
			s.runTask(id, task, handle)
		}
	}
}

// claimNext picks the highest-priority queued task not gated by retry
// backoff and transitions it to downloading under the scheduler lock.
// A task is only ever driven by the worker that claimed it.
func (s *Scheduler) claimNext() (models.DownloadTask, *taskHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return models.DownloadTask{}, nil, false
	}

	queued, err := s.store.ListByStatus(models.StatusQueued)
	if err != nil {
		log.WithError(err).Error("Failed to list queued tasks")
		return models.DownloadTask{}, nil, false
	}

	now := time.Now()
	for _, task := range queued {
		if _, busy := s.active[task.ID]; busy {
			continue
		}
		if at, gated := s.nextAttempt[task.ID]; gated && now.Before(at) {
			continue
		}

		if err := s.setStatusLocked(&task, models.StatusDownloading); err != nil {
			log.WithError(err).Errorf("Failed to claim task %s", task.ID)
			continue
		}
		ctx, cancel := context.WithCancel(s.ctx)
		handle := &taskHandle{ctx: ctx, cancel: cancel}
		s.active[task.ID] = handle
		return task, handle, true
	}
	return models.DownloadTask{}, nil, false
}

// runTask drives one transfer to a terminal or parked state.
func (s *Scheduler) runTask(workerID int, task models.DownloadTask, handle *taskHandle) {
	defer func() {
		handle.cancel()
		s.mu.Lock()
		delete(s.active, task.ID)
		s.mu.Unlock()
		s.signalWake() // slot freed
	}()

	log.Infof("Worker %d: downloading %s (%s/%s) from byte %d", workerID, task.ID, task.Identifier, task.FileName, task.PartialBytes)

	lastPersist := time.Now()
	report := func(done, total int64) {
		s.tracker.Update(task.ID, done, total)
		task.PartialBytes = done
		if total > 0 {
			task.TotalBytes = total
		}
		// Progress is persisted coarsely; the next resume only needs a
		// reasonable offset, the part file is the real authority.
		if time.Since(lastPersist) >= time.Second {
			lastPersist = time.Now()
			s.mu.Lock()
			if err := s.store.Put(task); err != nil {
				log.WithError(err).Warnf("Failed to persist progress for %s", task.ID)
			}
			s.mu.Unlock()
		}
	}

	startOffset := task.PartialBytes
	reached, err := s.transport.Fetch(handle.ctx, task.SourceURL, task.TargetPath, task.PartialBytes, report)
	task.PartialBytes = reached
	if task.TotalBytes > 0 && reached > task.TotalBytes {
		task.TotalBytes = reached
	}

	switch {
	case err == nil:
		s.finishCompleted(workerID, task)
	case errors.Is(err, context.Canceled):
		s.finishInterrupted(workerID, task, handle)
	default:
		s.finishFailed(workerID, task, err, reached > startOffset)
	}
}

func (s *Scheduler) finishCompleted(workerID int, task models.DownloadTask) {
	if task.TotalBytes == 0 {
		task.TotalBytes = task.PartialBytes
	}
	task.CompletedAt = time.Now()
	if sum, err := helpers.Blake3Sum(task.TargetPath); err != nil {
		log.WithError(err).Warnf("Could not record checksum for %s", task.TargetPath)
	} else {
		task.Hashes.BLAKE3 = sum
	}

	s.mu.Lock()
	if err := s.setStatusLocked(&task, models.StatusCompleted); err != nil {
		log.WithError(err).Errorf("Failed to complete task %s", task.ID)
	}
	delete(s.nextAttempt, task.ID)
	s.mu.Unlock()

	s.tracker.Update(task.ID, task.PartialBytes, task.TotalBytes)
	s.tracker.Remove(task.ID)
	log.Infof("Worker %d: completed %s (%s)", workerID, task.ID, helpers.BytesToSize(uint64(task.TotalBytes)))
}

// finishInterrupted handles a cooperative stop: pause, removal, or
// scheduler shutdown. Partial bytes are preserved except on removal.
func (s *Scheduler) finishInterrupted(workerID int, task models.DownloadTask, handle *taskHandle) {
	switch handle.intent.Load() {
	case intentPause:
		s.mu.Lock()
		if err := s.setStatusLocked(&task, models.StatusPaused); err != nil {
			log.WithError(err).Errorf("Failed to pause task %s", task.ID)
		}
		s.mu.Unlock()
		log.Infof("Worker %d: paused %s at byte %d", workerID, task.ID, task.PartialBytes)
	case intentCancel:
		s.mu.Lock()
		if err := s.setStatusLocked(&task, models.StatusCancelled); err != nil {
			log.WithError(err).Errorf("Failed to cancel task %s", task.ID)
		}
		delete(s.nextAttempt, task.ID)
		var removeErr error
		if handle.remove.Load() {
			removeErr = s.store.Delete(task.ID)
		}
		s.mu.Unlock()
		if removeErr != nil {
			log.WithError(removeErr).Errorf("Failed to delete cancelled task %s", task.ID)
		}
		removePartial(task)
		s.tracker.Remove(task.ID)
		log.Infof("Worker %d: cancelled %s", workerID, task.ID)
	default:
		// Scheduler shutdown: park the task exactly like a restart
		// would find it.
		s.mu.Lock()
		if err := s.setStatusLocked(&task, models.StatusQueued); err != nil {
			log.WithError(err).Errorf("Failed to requeue task %s on shutdown", task.ID)
		}
		s.mu.Unlock()
		s.tracker.Remove(task.ID)
		log.Debugf("Worker %d: parked %s at byte %d on shutdown", workerID, task.ID, task.PartialBytes)
	}
}

// finishFailed applies the retry policy. Transient failures are
// retried with linear backoff up to the configured bound; permanent
// failures surface immediately. An attempt that moved the offset
// forward refills the retry budget, so only consecutive no-progress
// failures burn it. Without that, a large slow file dies at
// status=error after MaxRetries+1 windows even though every attempt
// resumed further along.
func (s *Scheduler) finishFailed(workerID int, task models.DownloadTask, ferr error, progressed bool) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.tracker.Remove(task.ID)
	}()

	if progressed && !downloader.IsPermanent(ferr) {
		task.RetryCount = 0
	}
	if !downloader.IsPermanent(ferr) && task.RetryCount < s.cfg.MaxRetries {
		task.RetryCount++
		delay := time.Duration(task.RetryCount) * s.cfg.RetryDelay
		s.nextAttempt[task.ID] = time.Now().Add(delay)
		if err := s.setStatusLocked(&task, models.StatusQueued); err != nil {
			log.WithError(err).Errorf("Failed to requeue task %s for retry", task.ID)
			return
		}
		log.WithError(ferr).Warnf("Worker %d: transient failure on %s, retry %d/%d in %s", workerID, task.ID, task.RetryCount, s.cfg.MaxRetries, delay)
		return
	}

	task.ErrorMessage = ferr.Error()
	if err := s.setStatusLocked(&task, models.StatusError); err != nil {
		log.WithError(err).Errorf("Failed to mark task %s as errored", task.ID)
		return
	}
	delete(s.nextAttempt, task.ID)
	log.WithError(ferr).Errorf("Worker %d: task %s failed", workerID, task.ID)
}

// setStatusLocked validates a transition against the central table,
// persists the task and publishes the event. Callers hold s.mu, which
// is what keeps per-task event order intact.
func (s *Scheduler) setStatusLocked(task *models.DownloadTask, to models.TaskStatus) error {
	from := task.Status
	if !canTransition(from, to) {
		return &InvalidTransitionError{TaskID: task.ID, From: from, To: to}
	}
	task.Status = to
	if to != models.StatusError {
		task.ErrorMessage = ""
	}
	if err := s.store.Put(*task); err != nil {
		task.Status = from
		return err
	}
	s.publishLocked(Event{TaskID: task.ID, From: from, To: to, Error: task.ErrorMessage, Time: time.Now()})
	return nil
}

func (s *Scheduler) publishLocked(event Event) {
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
			log.Warnf("Dropping state event %s -> %s for slow subscriber", event.From, event.To)
		}
	}
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// removePartial deletes the on-disk part file of an abandoned task.
// Completed files are left alone; only unfinished artifacts go.
func removePartial(task models.DownloadTask) {
	path := task.TargetPath + downloader.PartSuffix
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warnf("Failed to remove partial artifact %s", path)
	}
}
