package schedsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/courtflow/schedsync/internal/logging"
)

// ScopeState is the coordinator's per-scope state machine position.
type ScopeState string

const (
	ScopeIdle    ScopeState = "idle"
	ScopeQueued  ScopeState = "queued"
	ScopeRunning ScopeState = "running"
)

// Reconciler executes one reconciliation pass for a scope.
type Reconciler interface {
	Reconcile(ctx context.Context, scopeID string, since time.Time) (SyncResult, error)
}

// CoordinatorOptions tunes job execution and the poll fallback.
type CoordinatorOptions struct {
	Workers   int
	QueueSize int
	// JobBudget is the overall wall-clock budget for one pass. On timeout
	// the job aborts without rolling back already-applied adapter calls.
	JobBudget time.Duration
	// PollInterval is how often the fallback timer checks for silent scopes.
	PollInterval time.Duration
	// PollGrace is how long a scope may go without webhook activity before
	// the fallback enqueues a poll-triggered job.
	PollGrace time.Duration
}

func (o CoordinatorOptions) withDefaults() CoordinatorOptions {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.JobBudget <= 0 {
		o.JobBudget = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.PollGrace <= 0 {
		o.PollGrace = 5 * time.Minute
	}
	return o
}

type scopeEntry struct {
	state         ScopeState
	pending       bool
	job           ReconciliationJob
	pendingReason TriggerReason
	lastJob       ReconciliationJob
	lastResult    SyncResult
	lastSyncedAt  time.Time
	lastWebhookAt time.Time
}

// ScopeSnapshot is the status surface for one scope.
type ScopeSnapshot struct {
	ScopeID       string             `json:"scopeId"`
	State         ScopeState         `json:"state"`
	QueuedNext    bool               `json:"queuedNext,omitempty"`
	Job           *ReconciliationJob `json:"job,omitempty"`
	LastJob       *ReconciliationJob `json:"lastJob,omitempty"`
	LastResult    *SyncResult        `json:"lastResult,omitempty"`
	LastSyncedAt  time.Time          `json:"lastSyncedAt,omitempty"`
	LastWebhookAt time.Time          `json:"lastWebhookAt,omitempty"`
}

// Coordinator decides when the engine runs. It owns the only contended
// shared state in the subsystem: the per-scope state map, guarded by one
// mutex. Within a scope jobs run strictly sequentially; across scopes they
// run in parallel on the worker pool.
type Coordinator struct {
	reconciler  Reconciler
	broadcaster *Broadcaster

	mu        sync.Mutex
	scopes    map[string]*scopeEntry
	pollGrace time.Duration

	queue chan string
	opts  CoordinatorOptions
	log   *slog.Logger
	now   func() time.Time
}

func NewCoordinator(reconciler Reconciler, broadcaster *Broadcaster, opts CoordinatorOptions) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		reconciler:  reconciler,
		broadcaster: broadcaster,
		scopes:      map[string]*scopeEntry{},
		pollGrace:   opts.PollGrace,
		queue:       make(chan string, opts.QueueSize),
		opts:        opts,
		log:         logging.Component("coordinator"),
		now:         time.Now,
	}
}

// Register seeds a scope so the poll fallback covers it before any trigger
// has been seen.
func (c *Coordinator) Register(scopeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(scopeID)
}

func (c *Coordinator) entryLocked(scopeID string) *scopeEntry {
	entry, ok := c.scopes[scopeID]
	if !ok {
		entry = &scopeEntry{state: ScopeIdle, lastWebhookAt: c.now()}
		c.scopes[scopeID] = entry
	}
	return entry
}

// Trigger requests a reconciliation pass for the scope. An idle scope moves
// to QUEUED; a running scope records exactly one follow-up job; a scope that
// is already queued (or has a follow-up recorded) coalesces the trigger and
// returns false.
func (c *Coordinator) Trigger(scopeID string, reason TriggerReason) bool {
	c.mu.Lock()
	entry := c.entryLocked(scopeID)

	switch {
	case entry.state == ScopeIdle:
		entry.state = ScopeQueued
		entry.job = ReconciliationJob{
			ScopeID:    scopeID,
			Reason:     reason,
			EnqueuedAt: c.now(),
			Status:     JobQueued,
		}
		c.mu.Unlock()
		select {
		case c.queue <- scopeID:
			return true
		default:
			// Queue saturated; revert so a later trigger can retry.
			c.mu.Lock()
			entry.state = ScopeIdle
			entry.job = ReconciliationJob{}
			c.mu.Unlock()
			c.log.Warn("job queue full, trigger dropped", "scope", scopeID, "reason", reason)
			return false
		}
	case entry.state == ScopeRunning && !entry.pending:
		entry.pending = true
		entry.pendingReason = reason
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		return false
	}
}

// NoteWebhook records push-channel activity for the scope, suppressing the
// poll fallback.
func (c *Coordinator) NoteWebhook(scopeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(scopeID).lastWebhookAt = c.now()
}

// SetPollGrace applies a new fallback grace period (config hot reload).
func (c *Coordinator) SetPollGrace(grace time.Duration) {
	if grace <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollGrace = grace
}

// Status returns the scope's current snapshot.
func (c *Coordinator) Status(scopeID string) ScopeSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.scopes[scopeID]
	if !ok {
		return ScopeSnapshot{ScopeID: scopeID, State: ScopeIdle}
	}
	snapshot := ScopeSnapshot{
		ScopeID:       scopeID,
		State:         entry.state,
		QueuedNext:    entry.pending,
		LastSyncedAt:  entry.lastSyncedAt,
		LastWebhookAt: entry.lastWebhookAt,
	}
	if entry.state != ScopeIdle {
		job := entry.job
		snapshot.Job = &job
	}
	if entry.lastJob.ScopeID != "" {
		lastJob := entry.lastJob
		snapshot.LastJob = &lastJob
		lastResult := entry.lastResult
		snapshot.LastResult = &lastResult
	}
	return snapshot
}

// Run serves jobs and the poll fallback until the context is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < c.opts.Workers; i++ {
		group.Go(func() error {
			return c.workerLoop(groupCtx)
		})
	}
	group.Go(func() error {
		return c.pollLoop(groupCtx)
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case scopeID := <-c.queue:
			c.runJob(ctx, scopeID)
		}
	}
}

func (c *Coordinator) runJob(ctx context.Context, scopeID string) {
	c.mu.Lock()
	entry, ok := c.scopes[scopeID]
	if !ok || entry.state != ScopeQueued {
		c.mu.Unlock()
		return
	}
	entry.state = ScopeRunning
	entry.job.Status = JobRunning
	entry.job.StartedAt = c.now()
	job := entry.job
	since := entry.lastSyncedAt
	c.mu.Unlock()

	c.log.Info("reconciliation started", "scope", scopeID, "reason", job.Reason)

	jobCtx, cancel := context.WithTimeout(ctx, c.opts.JobBudget)
	result, err := c.reconciler.Reconcile(jobCtx, scopeID, since)
	cancel()

	c.mu.Lock()
	job.FinishedAt = c.now()
	switch {
	case err == nil:
		job.Status = JobDone
		entry.lastSyncedAt = job.StartedAt
		entry.lastResult = result
	case errors.Is(err, context.DeadlineExceeded):
		job.Status = JobFailed
		job.Error = fmt.Sprintf("%v: %v", ErrJobTimeout, err)
		entry.lastResult = result
	default:
		job.Status = JobFailed
		job.Error = err.Error()
	}
	entry.lastJob = job
	entry.state = ScopeIdle
	requeue := entry.pending
	pendingReason := entry.pendingReason
	entry.pending = false
	c.mu.Unlock()

	if err != nil {
		c.log.Error("reconciliation failed", "scope", scopeID, "error", err)
		if c.broadcaster != nil && errors.Is(err, context.DeadlineExceeded) {
			c.broadcaster.Publish(NotificationEvent{
				Type:      NotifySyncError,
				Reason:    fmt.Sprintf("reconciliation for %s exceeded its budget; partial progress kept", scopeID),
				Timestamp: c.now(),
			})
		}
	} else {
		c.log.Info("reconciliation finished", "scope", scopeID,
			"created", result.Created, "updated", result.Updated,
			"deleted", result.Deleted, "pushed", result.Pushed,
			"conflicts", result.Conflicts, "errors", len(result.Errors))
	}

	if requeue {
		c.Trigger(scopeID, pendingReason)
	}
}

// pollLoop guarantees liveness if the push channel silently degrades: a
// scope with no webhook activity inside the grace period gets a
// poll-triggered pass.
func (c *Coordinator) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.pollDueScopes()
		}
	}
}

func (c *Coordinator) pollDueScopes() {
	c.mu.Lock()
	grace := c.pollGrace
	due := make([]string, 0)
	for scopeID, entry := range c.scopes {
		if c.now().Sub(entry.lastWebhookAt) >= grace {
			due = append(due, scopeID)
		}
	}
	c.mu.Unlock()

	for _, scopeID := range due {
		if c.Trigger(scopeID, TriggerPoll) {
			c.log.Info("poll fallback triggered", "scope", scopeID)
		}
	}
}
