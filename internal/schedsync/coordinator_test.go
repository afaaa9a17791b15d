package schedsync

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeReconciler struct {
	mu      sync.Mutex
	calls   int
	started chan string
	release chan struct{}
	result  SyncResult
	err     error
}

func (r *fakeReconciler) Reconcile(ctx context.Context, scopeID string, since time.Time) (SyncResult, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.started != nil {
		select {
		case r.started <- scopeID:
		case <-ctx.Done():
			return SyncResult{}, ctx.Err()
		}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return SyncResult{}, ctx.Err()
		}
	}
	return r.result, r.err
}

func (r *fakeReconciler) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func quietCoordinatorOptions() CoordinatorOptions {
	return CoordinatorOptions{
		Workers:      2,
		QueueSize:    8,
		JobBudget:    time.Second,
		PollInterval: time.Hour,
		PollGrace:    time.Hour,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestCoordinatorTriggerRunsJob(t *testing.T) {
	reconciler := &fakeReconciler{result: SyncResult{Pushed: 1}}
	c := NewCoordinator(reconciler, nil, quietCoordinatorOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	if !c.Trigger("cal-1", TriggerManual) {
		t.Fatalf("trigger on idle scope should be accepted")
	}
	waitFor(t, time.Second, func() bool {
		snap := c.Status("cal-1")
		return snap.State == ScopeIdle && snap.LastJob != nil && snap.LastJob.Status == JobDone
	})

	snap := c.Status("cal-1")
	if snap.LastJob.Reason != TriggerManual {
		t.Fatalf("unexpected job reason %s", snap.LastJob.Reason)
	}
	if snap.LastResult == nil || snap.LastResult.Pushed != 1 {
		t.Fatalf("result not recorded: %+v", snap.LastResult)
	}
	if snap.LastSyncedAt.IsZero() {
		t.Fatalf("lastSyncedAt not advanced after a successful job")
	}

	cancel()
	<-done
}

func TestCoordinatorCoalescesTriggersDuringRun(t *testing.T) {
	reconciler := &fakeReconciler{
		started: make(chan string),
		release: make(chan struct{}),
	}
	c := NewCoordinator(reconciler, nil, quietCoordinatorOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	if !c.Trigger("cal-1", TriggerWebhook) {
		t.Fatalf("first trigger should be accepted")
	}
	<-reconciler.started

	// While RUNNING, the first extra trigger books exactly one follow-up;
	// every further trigger coalesces.
	if !c.Trigger("cal-1", TriggerWebhook) {
		t.Fatalf("trigger during a running job should book a follow-up")
	}
	if c.Trigger("cal-1", TriggerWebhook) {
		t.Fatalf("second trigger during a running job should coalesce")
	}
	if c.Trigger("cal-1", TriggerManual) {
		t.Fatalf("third trigger during a running job should coalesce")
	}

	reconciler.release <- struct{}{}
	<-reconciler.started
	reconciler.release <- struct{}{}

	waitFor(t, time.Second, func() bool {
		return c.Status("cal-1").State == ScopeIdle && reconciler.callCount() == 2
	})

	// No third job may appear from the coalesced triggers.
	time.Sleep(20 * time.Millisecond)
	if reconciler.callCount() != 2 {
		t.Fatalf("coalesced triggers produced extra jobs: %d", reconciler.callCount())
	}
}

func TestCoordinatorRunsScopesIndependently(t *testing.T) {
	reconciler := &fakeReconciler{
		started: make(chan string, 2),
		release: make(chan struct{}),
	}
	c := NewCoordinator(reconciler, nil, quietCoordinatorOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	if !c.Trigger("cal-1", TriggerWebhook) {
		t.Fatalf("trigger cal-1")
	}
	if !c.Trigger("cal-2", TriggerWebhook) {
		t.Fatalf("trigger cal-2")
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case scope := <-reconciler.started:
			seen[scope] = true
		case <-time.After(time.Second):
			t.Fatalf("scopes did not run in parallel; saw %v", seen)
		}
	}
	if !seen["cal-1"] || !seen["cal-2"] {
		t.Fatalf("expected both scopes running, saw %v", seen)
	}
	close(reconciler.release)
}

func TestCoordinatorJobTimeoutKeepsPartialProgress(t *testing.T) {
	reconciler := &fakeReconciler{
		release: make(chan struct{}), // never released; only ctx expiry ends the job
	}
	broadcaster := NewBroadcaster(16, 16)
	opts := quietCoordinatorOptions()
	opts.JobBudget = 20 * time.Millisecond
	c := NewCoordinator(reconciler, broadcaster, opts)

	sub := broadcaster.Subscribe(0)
	defer broadcaster.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	c.Trigger("cal-1", TriggerManual)
	waitFor(t, time.Second, func() bool {
		snap := c.Status("cal-1")
		return snap.LastJob != nil && snap.LastJob.Status == JobFailed
	})

	snap := c.Status("cal-1")
	if !strings.Contains(snap.LastJob.Error, ErrJobTimeout.Error()) {
		t.Fatalf("timeout not recorded on the job: %q", snap.LastJob.Error)
	}

	select {
	case evt := <-sub.C:
		if evt.Type != NotifySyncError {
			t.Fatalf("expected sync_error notification, got %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no timeout notification published")
	}
}

func TestCoordinatorPollFallbackAfterWebhookSilence(t *testing.T) {
	reconciler := &fakeReconciler{}
	opts := quietCoordinatorOptions()
	opts.PollInterval = 10 * time.Millisecond
	opts.PollGrace = 30 * time.Millisecond
	c := NewCoordinator(reconciler, nil, opts)
	c.Register("cal-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, time.Second, func() bool {
		snap := c.Status("cal-1")
		return snap.LastJob != nil && snap.LastJob.Reason == TriggerPoll
	})
}

func TestCoordinatorWebhookActivitySuppressesPollFallback(t *testing.T) {
	reconciler := &fakeReconciler{}
	opts := quietCoordinatorOptions()
	opts.PollInterval = 10 * time.Millisecond
	opts.PollGrace = 100 * time.Millisecond
	c := NewCoordinator(reconciler, nil, opts)
	c.Register("cal-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	// Keep the webhook fresh; the fallback must stay quiet.
	for i := 0; i < 15; i++ {
		c.NoteWebhook("cal-1")
		time.Sleep(10 * time.Millisecond)
	}
	if reconciler.callCount() != 0 {
		t.Fatalf("poll fallback fired despite webhook activity: %d calls", reconciler.callCount())
	}
}

func TestCoordinatorQueueFullRevertClearsJob(t *testing.T) {
	opts := quietCoordinatorOptions()
	opts.QueueSize = 1
	c := NewCoordinator(&fakeReconciler{}, nil, opts)

	// No workers running; the first trigger fills the queue.
	if !c.Trigger("cal-1", TriggerWebhook) {
		t.Fatalf("first trigger should be accepted")
	}
	if c.Trigger("cal-2", TriggerWebhook) {
		t.Fatalf("trigger on a saturated queue should be dropped")
	}

	snap := c.Status("cal-2")
	if snap.State != ScopeIdle {
		t.Fatalf("dropped trigger must leave the scope idle, got %s", snap.State)
	}
	c.mu.Lock()
	job := c.scopes["cal-2"].job
	c.mu.Unlock()
	if job.Reason != "" || job.Status != "" {
		t.Fatalf("dropped trigger left a stale job behind: %+v", job)
	}

	// The scope accepts a fresh trigger once the queue has room again.
	<-c.queue
	if !c.Trigger("cal-2", TriggerManual) {
		t.Fatalf("scope should accept a trigger after the revert")
	}
}

func TestCoordinatorTriggerCoalescesWhileQueued(t *testing.T) {
	reconciler := &fakeReconciler{}
	c := NewCoordinator(reconciler, nil, quietCoordinatorOptions())

	// No workers running; the job stays QUEUED.
	if !c.Trigger("cal-1", TriggerWebhook) {
		t.Fatalf("first trigger should be accepted")
	}
	if c.Trigger("cal-1", TriggerWebhook) {
		t.Fatalf("trigger on a queued scope should coalesce")
	}
	snap := c.Status("cal-1")
	if snap.State != ScopeQueued {
		t.Fatalf("expected queued state, got %s", snap.State)
	}
}
