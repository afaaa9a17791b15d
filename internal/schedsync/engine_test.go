package schedsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeRemote struct {
	mu      sync.Mutex
	changes RemoteChanges
	listErr error

	createErr   error
	createFails int
	createCalls int
	created     []RemoteEvent

	updateErr error
	updated   []RemoteEvent

	deleteErr error
	deleted   []string

	watchErr   error
	watchCalls int
	watchTTL   time.Duration
	stopped    []string
}

func (f *fakeRemote) ListChangedSince(ctx context.Context, scopeID string, since time.Time) (RemoteChanges, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return RemoteChanges{}, f.listErr
	}
	return f.changes, nil
}

func (f *fakeRemote) CreateEvent(ctx context.Context, scopeID string, ev RemoteEvent) (RemoteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil && (f.createFails == 0 || f.createCalls <= f.createFails) {
		return RemoteEvent{}, f.createErr
	}
	ev.ID = fmt.Sprintf("ev-created-%d", f.createCalls)
	f.created = append(f.created, ev)
	return ev, nil
}

func (f *fakeRemote) UpdateEvent(ctx context.Context, scopeID string, ev RemoteEvent) (RemoteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return RemoteEvent{}, f.updateErr
	}
	f.updated = append(f.updated, ev)
	return ev, nil
}

func (f *fakeRemote) DeleteEvent(ctx context.Context, scopeID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeRemote) Watch(ctx context.Context, scopeID string, req WatchRequest) (SyncChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchCalls++
	if f.watchErr != nil {
		return SyncChannel{}, f.watchErr
	}
	ttl := req.TTL
	if f.watchTTL > 0 {
		ttl = f.watchTTL
	}
	return SyncChannel{
		ID:         fmt.Sprintf("ch-%s-%d", scopeID, f.watchCalls),
		ScopeID:    scopeID,
		ResourceID: "res-" + scopeID,
		Token:      req.Token,
		State:      ChannelActive,
		Expiration: time.Now().Add(ttl),
	}, nil
}

func (f *fakeRemote) StopWatch(ctx context.Context, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, channelID)
	return nil
}

func testEngineOptions() EngineOptions {
	return EngineOptions{
		CallTimeout:    time.Second,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		SkewTolerance:  10 * time.Second,
	}
}

func mustCreate(t *testing.T, store *MemoryStore, s Session) Session {
	t.Helper()
	created, err := store.CreateSession(context.Background(), s)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return created
}

func TestReconcilePushesUnlinkedDirtySession(t *testing.T) {
	store := NewMemoryStore()
	remote := &fakeRemote{}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	s := newTestSession("cal-1")
	s.Dirty = true
	created := mustCreate(t, store, s)

	result, err := engine.Reconcile(context.Background(), "cal-1", time.Time{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Pushed != 1 {
		t.Fatalf("expected 1 pushed, got %+v", result)
	}
	got, err := store.GetSession(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExternalEventID == "" {
		t.Fatalf("external id not linked after push")
	}
	if got.Dirty {
		t.Fatalf("session still dirty after push")
	}
	if got.SyncedHash != got.ContentHash {
		t.Fatalf("synced hash not recorded")
	}
}

func TestReconcilePullsRemoteUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newTestSession("cal-1")
	s.ExternalEventID = "ev-1"
	created := mustCreate(t, store, s)
	if _, err := store.MarkSynced(ctx, created.ID, "ev-1", created.ContentHash, created.UpdatedAt); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	remote := &fakeRemote{changes: RemoteChanges{
		Events: []RemoteEvent{{
			ID:      "ev-1",
			Title:   "moved session",
			Start:   created.Start.Add(time.Hour),
			End:     created.End.Add(time.Hour),
			Status:  StatusScheduled,
			Updated: created.UpdatedAt.Add(time.Minute),
		}},
	}}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	result, err := engine.Reconcile(ctx, "cal-1", time.Time{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Updated != 1 {
		t.Fatalf("expected 1 updated, got %+v", result)
	}
	got, err := store.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "moved session" {
		t.Fatalf("remote edit not applied locally")
	}
	if !got.Start.Equal(created.Start.Add(time.Hour)) {
		t.Fatalf("remote start not applied")
	}
	if got.SyncedHash != RemoteEventFingerprint(remote.changes.Events[0]) {
		t.Fatalf("synced hash not advanced to remote fingerprint")
	}
}

func TestReconcilePushesDirtyLinkedSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newTestSession("cal-1")
	s.ExternalEventID = "ev-1"
	created := mustCreate(t, store, s)
	if _, err := store.MarkSynced(ctx, created.ID, "ev-1", created.ContentHash, created.UpdatedAt); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	created.Title = "rescheduled"
	created.Dirty = true
	if _, err := store.UpdateSession(ctx, created); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Delta listing without the event: the remote side is unchanged.
	remote := &fakeRemote{}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	result, err := engine.Reconcile(ctx, "cal-1", time.Now())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Pushed != 1 {
		t.Fatalf("expected 1 pushed, got %+v", result)
	}
	if len(remote.updated) != 1 || remote.updated[0].Title != "rescheduled" {
		t.Fatalf("push did not reach the remote adapter")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newTestSession("cal-1")
	s.Dirty = true
	mustCreate(t, store, s)

	remote := &fakeRemote{}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	first, err := engine.Reconcile(ctx, "cal-1", time.Time{})
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if !first.Changed() {
		t.Fatalf("first pass should have pushed")
	}
	second, err := engine.Reconcile(ctx, "cal-1", time.Time{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.Changed() {
		t.Fatalf("second pass not a no-op: %+v", second)
	}
}

func TestReconcileImportsUnlinkedRemoteEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	start := time.Date(2026, 4, 3, 15, 0, 0, 0, time.UTC)
	ev := RemoteEvent{
		ID:      "ev-new",
		Title:   "pickup match",
		Start:   start,
		End:     start.Add(time.Hour),
		Status:  StatusScheduled,
		Updated: start.Add(-time.Hour),
	}
	remote := &fakeRemote{changes: RemoteChanges{Events: []RemoteEvent{ev}, FullListing: true}}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	result, err := engine.Reconcile(ctx, "cal-1", time.Time{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Created != 1 {
		t.Fatalf("expected 1 created, got %+v", result)
	}
	got, err := store.GetByExternalID(ctx, "cal-1", "ev-new")
	if err != nil {
		t.Fatalf("imported session not found: %v", err)
	}
	if got.Source != SourceRemote {
		t.Fatalf("imported session should carry remote source, got %s", got.Source)
	}
	if got.Dirty {
		t.Fatalf("imported session should not be dirty")
	}

	// The same listing again must not duplicate the import.
	again, err := engine.Reconcile(ctx, "cal-1", time.Time{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if again.Created != 0 {
		t.Fatalf("duplicate import on second pass: %+v", again)
	}
}

func TestReconcileAppliesRemoteDeleteFromCancelledStub(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newTestSession("cal-1")
	s.ExternalEventID = "ev-1"
	created := mustCreate(t, store, s)
	if _, err := store.MarkSynced(ctx, created.ID, "ev-1", created.ContentHash, created.UpdatedAt); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	remote := &fakeRemote{changes: RemoteChanges{Deleted: []string{"ev-1"}}}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	result, err := engine.Reconcile(ctx, "cal-1", time.Now())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("expected 1 deleted, got %+v", result)
	}
	if _, err := store.GetSession(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session not deleted locally: %v", err)
	}
	tombstones, _ := store.ListTombstones(ctx, "cal-1")
	if len(tombstones) != 0 {
		t.Fatalf("remote-triggered delete must not leave a tombstone")
	}
}

func TestReconcileDeletesByAbsenceOnlyInsideWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

	inside := newTestSession("cal-1")
	inside.ID = "inside"
	inside.Start = now.Add(24 * time.Hour)
	inside.End = inside.Start.Add(time.Hour)
	inside.ExternalEventID = "ev-inside"
	created := mustCreate(t, store, inside)
	if _, err := store.MarkSynced(ctx, created.ID, "ev-inside", created.ContentHash, now); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	outside := newTestSession("cal-1")
	outside.ID = "outside"
	outside.Start = now.Add(60 * 24 * time.Hour)
	outside.End = outside.Start.Add(time.Hour)
	outside.ExternalEventID = "ev-outside"
	createdOutside := mustCreate(t, store, outside)
	if _, err := store.MarkSynced(ctx, createdOutside.ID, "ev-outside", createdOutside.ContentHash, now); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	remote := &fakeRemote{changes: RemoteChanges{
		FullListing: true,
		WindowStart: now.AddDate(0, 0, -10),
		WindowEnd:   now.AddDate(0, 0, 20),
	}}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	result, err := engine.Reconcile(ctx, "cal-1", time.Time{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("expected 1 deleted, got %+v", result)
	}
	if _, err := store.GetSession(ctx, "inside"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("in-window session should have been deleted by absence")
	}
	if _, err := store.GetSession(ctx, "outside"); err != nil {
		t.Fatalf("out-of-window session must survive absence: %v", err)
	}
}

func TestReconcileMarksTerminalSessionCanceledInsteadOfDeleting(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newTestSession("cal-1")
	s.ExternalEventID = "ev-1"
	s.Status = StatusCompleted
	created := mustCreate(t, store, s)
	if _, err := store.MarkSynced(ctx, created.ID, "ev-1", created.ContentHash, created.UpdatedAt); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	remote := &fakeRemote{changes: RemoteChanges{Deleted: []string{"ev-1"}}}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	if _, err := engine.Reconcile(ctx, "cal-1", time.Now()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, err := store.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("terminal session must not be hard-deleted: %v", err)
	}
	if got.Status != StatusCanceled {
		t.Fatalf("expected canceled status, got %s", got.Status)
	}
}

func TestReconcilePushesLocalDeleteFromTombstone(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newTestSession("cal-1")
	s.ExternalEventID = "ev-1"
	created := mustCreate(t, store, s)
	if err := store.DeleteSession(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	remote := &fakeRemote{}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	result, err := engine.Reconcile(ctx, "cal-1", time.Now())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("expected 1 deleted, got %+v", result)
	}
	if len(remote.deleted) != 1 || remote.deleted[0] != "ev-1" {
		t.Fatalf("remote delete not issued: %v", remote.deleted)
	}
	tombstones, _ := store.ListTombstones(ctx, "cal-1")
	if len(tombstones) != 0 {
		t.Fatalf("tombstone not purged after remote delete")
	}
}

func TestReconcileKeepsTombstoneWhenRemoteDeleteDenied(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newTestSession("cal-1")
	s.ExternalEventID = "ev-1"
	created := mustCreate(t, store, s)
	if err := store.DeleteSession(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	remote := &fakeRemote{deleteErr: NewPermanentError("delete_event", errors.New("permission denied"))}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	result, err := engine.Reconcile(ctx, "cal-1", time.Now())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Deleted != 0 {
		t.Fatalf("denied remote delete counted as a deletion: %+v", result)
	}
	if len(result.Errors) != 1 || !result.Errors[0].Permanent {
		t.Fatalf("denied remote delete not surfaced as an item error: %+v", result.Errors)
	}
	tombstones, _ := store.ListTombstones(ctx, "cal-1")
	if len(tombstones) != 1 {
		t.Fatalf("tombstone must survive a failed remote delete, got %d", len(tombstones))
	}
}

func TestReconcilePurgesTombstoneWhenRemoteAlreadyGone(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newTestSession("cal-1")
	s.ExternalEventID = "ev-1"
	created := mustCreate(t, store, s)
	if err := store.DeleteSession(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	remote := &fakeRemote{
		deleteErr: NewPermanentError("delete_event", fmt.Errorf("%w: event gone", ErrNotFound)),
	}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	result, err := engine.Reconcile(ctx, "cal-1", time.Now())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("already-gone remote event should count as deleted: %+v", result)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("already-gone remote event should not record an error: %+v", result.Errors)
	}
	tombstones, _ := store.ListTombstones(ctx, "cal-1")
	if len(tombstones) != 0 {
		t.Fatalf("tombstone not purged when the remote event is already gone")
	}
}

func TestReconcileConflictLocalWinsWithinSkew(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 4, 5, 10, 0, 0, 0, time.UTC)

	s := newTestSession("cal-1")
	s.ExternalEventID = "ev-1"
	created := mustCreate(t, store, s)
	if _, err := store.MarkSynced(ctx, created.ID, "ev-1", created.ContentHash, base); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	created.Title = "local edit"
	created.Dirty = true
	created.UpdatedAt = base
	if _, err := store.UpdateSession(ctx, created); err != nil {
		t.Fatalf("update: %v", err)
	}

	// The remote timestamp is newer, but only by less than the tolerance:
	// the timestamps cannot establish an ordering and the local edit holds.
	ev := RemoteEvent{
		ID:      "ev-1",
		Title:   "remote edit",
		Start:   created.Start,
		End:     created.End,
		Status:  StatusScheduled,
		Updated: base.Add(5 * time.Second),
	}
	remote := &fakeRemote{changes: RemoteChanges{Events: []RemoteEvent{ev}}}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	result, err := engine.Reconcile(ctx, "cal-1", base)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Conflicts != 1 {
		t.Fatalf("expected 1 conflict, got %+v", result)
	}
	got, _ := store.GetSession(ctx, created.ID)
	if got.Title != "local edit" {
		t.Fatalf("local edit should win inside the skew tolerance, got %q", got.Title)
	}
	if len(remote.updated) != 1 || remote.updated[0].Title != "local edit" {
		t.Fatalf("winning local edit not pushed to the remote")
	}
}

func TestReconcileConflictRemoteWinsWhenClearlyNewer(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 4, 5, 10, 0, 0, 0, time.UTC)

	s := newTestSession("cal-1")
	s.ExternalEventID = "ev-1"
	created := mustCreate(t, store, s)
	if _, err := store.MarkSynced(ctx, created.ID, "ev-1", created.ContentHash, base); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	created.Title = "local edit"
	created.Dirty = true
	created.UpdatedAt = base
	if _, err := store.UpdateSession(ctx, created); err != nil {
		t.Fatalf("update: %v", err)
	}

	ev := RemoteEvent{
		ID:      "ev-1",
		Title:   "remote edit",
		Start:   created.Start,
		End:     created.End,
		Status:  StatusScheduled,
		Updated: base.Add(time.Minute),
	}
	remote := &fakeRemote{changes: RemoteChanges{Events: []RemoteEvent{ev}}}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	result, err := engine.Reconcile(ctx, "cal-1", base)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Conflicts != 1 {
		t.Fatalf("expected 1 conflict, got %+v", result)
	}
	got, _ := store.GetSession(ctx, created.ID)
	if got.Title != "remote edit" {
		t.Fatalf("clearly newer remote edit should win, got %q", got.Title)
	}
	if len(remote.updated) != 0 {
		t.Fatalf("no push expected when remote wins")
	}
}

func TestReconcileConflictLocalWinsOutsideSkew(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 4, 5, 10, 0, 0, 0, time.UTC)

	s := newTestSession("cal-1")
	s.ExternalEventID = "ev-1"
	created := mustCreate(t, store, s)
	if _, err := store.MarkSynced(ctx, created.ID, "ev-1", created.ContentHash, base); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	created.Title = "local edit"
	created.Dirty = true
	created.UpdatedAt = base.Add(time.Minute)
	if _, err := store.UpdateSession(ctx, created); err != nil {
		t.Fatalf("update: %v", err)
	}

	ev := RemoteEvent{
		ID:      "ev-1",
		Title:   "remote edit",
		Start:   created.Start,
		End:     created.End,
		Status:  StatusScheduled,
		Updated: base,
	}
	remote := &fakeRemote{changes: RemoteChanges{Events: []RemoteEvent{ev}}}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	result, err := engine.Reconcile(ctx, "cal-1", base)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Conflicts != 1 {
		t.Fatalf("expected 1 conflict, got %+v", result)
	}
	got, _ := store.GetSession(ctx, created.ID)
	if got.Title != "local edit" {
		t.Fatalf("local should win outside the skew tolerance, got %q", got.Title)
	}
	if len(remote.updated) != 1 || remote.updated[0].Title != "local edit" {
		t.Fatalf("winning local edit not pushed to the remote")
	}
}

func TestReconcileFailsJobWhenListingFails(t *testing.T) {
	store := NewMemoryStore()
	remote := &fakeRemote{listErr: NewPermanentError("list_events", errors.New("forbidden"))}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	if _, err := engine.Reconcile(context.Background(), "cal-1", time.Time{}); err == nil {
		t.Fatalf("expected listing failure to fail the job")
	}
}

func TestReconcileAggregatesItemErrors(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	bad := newTestSession("cal-1")
	bad.ID = "a-bad"
	bad.Dirty = true
	mustCreate(t, store, bad)

	start := time.Date(2026, 4, 3, 15, 0, 0, 0, time.UTC)
	ev := RemoteEvent{ID: "ev-ok", Title: "imported", Start: start, End: start.Add(time.Hour), Status: StatusScheduled}
	remote := &fakeRemote{
		createErr: NewPermanentError("create_event", errors.New("denied")),
		changes:   RemoteChanges{Events: []RemoteEvent{ev}, FullListing: true},
	}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	result, err := engine.Reconcile(ctx, "cal-1", time.Time{})
	if err != nil {
		t.Fatalf("per-item failures must not fail the job: %v", err)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 item error, got %d", len(result.Errors))
	}
	if !result.Errors[0].Permanent {
		t.Fatalf("permanent failure recorded as transient")
	}
	if result.Created != 1 {
		t.Fatalf("pass should continue past the failing item: %+v", result)
	}
}

func TestReconcileRetriesTransientFailures(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newTestSession("cal-1")
	s.Dirty = true
	mustCreate(t, store, s)

	remote := &fakeRemote{
		createErr:   NewTransientError("create_event", errors.New("flaky")),
		createFails: 2,
	}
	engine := NewEngine(store, remote, nil, testEngineOptions())

	result, err := engine.Reconcile(ctx, "cal-1", time.Time{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Pushed != 1 {
		t.Fatalf("transient failure should have been retried to success: %+v", result)
	}
	if remote.createCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", remote.createCalls)
	}
}

func TestReconcilePublishesNotifications(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	broadcaster := NewBroadcaster(16, 16)

	s := newTestSession("cal-1")
	s.Dirty = true
	mustCreate(t, store, s)

	remote := &fakeRemote{}
	engine := NewEngine(store, remote, broadcaster, testEngineOptions())

	sub := broadcaster.Subscribe(0)
	defer broadcaster.Unsubscribe(sub)

	if _, err := engine.Reconcile(ctx, "cal-1", time.Time{}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	select {
	case evt := <-sub.C:
		if evt.Type != NotifyUpdated {
			t.Fatalf("expected updated notification, got %s", evt.Type)
		}
	default:
		t.Fatalf("no notification published")
	}
}
