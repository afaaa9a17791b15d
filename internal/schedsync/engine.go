package schedsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/courtflow/schedsync/internal/logging"
)

// EngineOptions tunes one reconciliation pass.
type EngineOptions struct {
	// CallTimeout bounds each individual adapter call.
	CallTimeout time.Duration
	// MaxRetries is the number of additional attempts for a transient
	// per-item adapter failure within a pass.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// SkewTolerance is the window within which diverging local and remote
	// mutation timestamps are considered simultaneous; the local edit is
	// kept. Last-writer-wins by wall clock is sensitive to clock skew
	// between this process and the provider, hence the tolerance.
	SkewTolerance time.Duration
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 100 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 2 * time.Second
	}
	if o.SkewTolerance <= 0 {
		o.SkewTolerance = 10 * time.Second
	}
	return o
}

// Engine is the reconciliation core: it diffs local sessions against remote
// events for one scope and applies the minimal set of adapter calls to
// converge both sides.
type Engine struct {
	store       LocalStore
	remote      RemoteCalendar
	broadcaster *Broadcaster
	opts        EngineOptions
	log         *slog.Logger
	now         func() time.Time
}

func NewEngine(store LocalStore, remote RemoteCalendar, broadcaster *Broadcaster, opts EngineOptions) *Engine {
	return &Engine{
		store:       store,
		remote:      remote,
		broadcaster: broadcaster,
		opts:        opts.withDefaults(),
		log:         logging.Component("engine"),
		now:         time.Now,
	}
}

// Reconcile runs one pass for the scope. Only the initial listing steps can
// fail the job; per-item adapter failures are retried with bounded backoff,
// then aggregated into the result without aborting the batch. Successes
// commit as they happen; retries are idempotent rather than transactional.
func (e *Engine) Reconcile(ctx context.Context, scopeID string, since time.Time) (SyncResult, error) {
	started := e.now()
	var result SyncResult

	locals, err := e.store.ListSyncable(ctx, scopeID)
	if err != nil {
		return result, fmt.Errorf("list local sessions: %w", err)
	}
	tombstones, err := e.store.ListTombstones(ctx, scopeID)
	if err != nil {
		return result, fmt.Errorf("list tombstones: %w", err)
	}

	var changes RemoteChanges
	listErr := e.withRetry(ctx, func(callCtx context.Context) error {
		var lerr error
		changes, lerr = e.remote.ListChangedSince(callCtx, scopeID, since)
		return lerr
	})
	if listErr != nil {
		return result, fmt.Errorf("list remote events: %w", listErr)
	}

	remoteByID := make(map[string]RemoteEvent, len(changes.Events))
	for _, ev := range changes.Events {
		remoteByID[ev.ID] = ev
	}
	deletedRemotely := make(map[string]bool, len(changes.Deleted))
	for _, id := range changes.Deleted {
		deletedRemotely[id] = true
	}
	linked := make(map[string]bool, len(locals))
	for _, s := range locals {
		if s.ExternalEventID != "" {
			linked[s.ExternalEventID] = true
		}
	}

	// Local deletions push first so a remote full listing in the same pass
	// cannot resurrect the just-deleted event.
	for _, t := range tombstones {
		e.applyLocalDelete(ctx, scopeID, t, &result)
	}

	for _, s := range locals {
		e.reconcileSession(ctx, scopeID, s, changes, remoteByID, deletedRemotely, &result)
	}

	for _, ev := range changes.Events {
		if linked[ev.ID] {
			continue
		}
		e.applyRemoteCreate(ctx, scopeID, ev, &result)
	}

	result.Duration = e.now().Sub(started)
	return result, nil
}

func (e *Engine) reconcileSession(ctx context.Context, scopeID string, s Session, changes RemoteChanges, remoteByID map[string]RemoteEvent, deletedRemotely map[string]bool, result *SyncResult) {
	if s.ExternalEventID == "" {
		e.pushCreate(ctx, scopeID, s, result)
		return
	}

	ev, matched := remoteByID[s.ExternalEventID]
	remoteGone := deletedRemotely[s.ExternalEventID]
	if !matched && !remoteGone && changes.FullListing && e.inWindow(changes, s) {
		// Present in bookkeeping, absent from the full window listing.
		remoteGone = true
	}
	if remoteGone {
		e.applyRemoteDelete(ctx, s, result)
		return
	}
	if !matched {
		// Delta listing omits unchanged events; only a dirty local side has
		// anything to do.
		if s.Dirty {
			e.pushUpdate(ctx, scopeID, s, result)
		}
		return
	}

	remoteHash := RemoteEventFingerprint(ev)
	baseline := s.SyncedHash
	if baseline == "" {
		baseline = s.ContentHash
	}
	remoteChanged := remoteHash != baseline

	switch {
	case !s.Dirty && !remoteChanged:
		// Hashes agree on both sides; nothing to do.
	case s.Dirty && !remoteChanged:
		e.pushUpdate(ctx, scopeID, s, result)
	case !s.Dirty && remoteChanged:
		e.pullRemote(ctx, s, ev, remoteHash, result)
	default:
		e.resolveConflict(ctx, scopeID, s, ev, remoteHash, result)
	}
}

func (e *Engine) inWindow(changes RemoteChanges, s Session) bool {
	if changes.WindowStart.IsZero() || changes.WindowEnd.IsZero() {
		return true
	}
	return !s.Start.Before(changes.WindowStart) && !s.Start.After(changes.WindowEnd)
}

func (e *Engine) pushCreate(ctx context.Context, scopeID string, s Session, result *SyncResult) {
	var created RemoteEvent
	err := e.withRetry(ctx, func(callCtx context.Context) error {
		var cerr error
		created, cerr = e.remote.CreateEvent(callCtx, scopeID, eventFromSession(s))
		return cerr
	})
	if err != nil {
		e.recordItemError(s.ID, "", "create_remote", err, result)
		return
	}
	if _, err := e.store.MarkSynced(ctx, s.ID, created.ID, s.ContentHash, e.now()); err != nil {
		e.recordItemError(s.ID, created.ID, "mark_synced", err, result)
		return
	}
	result.Pushed++
	e.notify(NotifyUpdated, s.ID, "pushed to calendar")
	e.log.Info("created remote event", "session", s.ID, "event", created.ID)
}

func (e *Engine) pushUpdate(ctx context.Context, scopeID string, s Session, result *SyncResult) {
	err := e.withRetry(ctx, func(callCtx context.Context) error {
		_, uerr := e.remote.UpdateEvent(callCtx, scopeID, eventFromSession(s))
		return uerr
	})
	if err != nil {
		// Session stays dirty so the next pass retries automatically.
		e.recordItemError(s.ID, s.ExternalEventID, "push_remote", err, result)
		return
	}
	if _, err := e.store.MarkSynced(ctx, s.ID, "", s.ContentHash, e.now()); err != nil {
		e.recordItemError(s.ID, s.ExternalEventID, "mark_synced", err, result)
		return
	}
	result.Pushed++
	e.notify(NotifyUpdated, s.ID, "pushed to calendar")
}

func (e *Engine) pullRemote(ctx context.Context, s Session, ev RemoteEvent, remoteHash string, result *SyncResult) {
	updated := s
	updated.Title = ev.Title
	updated.Start = ev.Start
	updated.End = ev.End
	updated.Status = ev.Status
	updated.Notes = ev.Notes
	updated.Dirty = false
	updated.UpdatedAt = ev.Updated

	if _, err := e.store.UpdateSession(ctx, updated); err != nil {
		e.recordItemError(s.ID, ev.ID, "pull_local", err, result)
		return
	}
	if _, err := e.store.MarkSynced(ctx, s.ID, ev.ID, remoteHash, e.now()); err != nil {
		e.recordItemError(s.ID, ev.ID, "mark_synced", err, result)
		return
	}
	result.Updated++
	e.notify(NotifyUpdated, s.ID, "updated from calendar")
}

// resolveConflict applies last-writer-wins by mutation timestamp: the
// earlier-timestamped side is overwritten. Deltas within the skew tolerance
// count as simultaneous and the local edit is kept; the remote side must be
// newer by more than the tolerance to overwrite a local edit. The resolution
// is recorded as a sync_error notification for audit; it is not a failure.
func (e *Engine) resolveConflict(ctx context.Context, scopeID string, s Session, ev RemoteEvent, remoteHash string, result *SyncResult) {
	localWins := s.UpdatedAt.Sub(ev.Updated) > -e.opts.SkewTolerance

	if localWins {
		err := e.withRetry(ctx, func(callCtx context.Context) error {
			_, uerr := e.remote.UpdateEvent(callCtx, scopeID, eventFromSession(s))
			return uerr
		})
		if err != nil {
			e.recordItemError(s.ID, ev.ID, "conflict_push", err, result)
			return
		}
		if _, err := e.store.MarkSynced(ctx, s.ID, "", s.ContentHash, e.now()); err != nil {
			e.recordItemError(s.ID, ev.ID, "mark_synced", err, result)
			return
		}
	} else {
		updated := s
		updated.Title = ev.Title
		updated.Start = ev.Start
		updated.End = ev.End
		updated.Status = ev.Status
		updated.Notes = ev.Notes
		updated.Dirty = false
		updated.UpdatedAt = ev.Updated
		if _, err := e.store.UpdateSession(ctx, updated); err != nil {
			e.recordItemError(s.ID, ev.ID, "conflict_pull", err, result)
			return
		}
		if _, err := e.store.MarkSynced(ctx, s.ID, ev.ID, remoteHash, e.now()); err != nil {
			e.recordItemError(s.ID, ev.ID, "mark_synced", err, result)
			return
		}
	}

	result.Conflicts++
	winner := "remote"
	if localWins {
		winner = "local"
	}
	reason := fmt.Sprintf("conflict resolved: %s wins (local %s, remote %s)",
		winner, s.UpdatedAt.UTC().Format(time.RFC3339), ev.Updated.UTC().Format(time.RFC3339))
	e.notify(NotifySyncError, s.ID, reason)
	e.log.Warn("conflict resolved", "session", s.ID, "winner", winner)
}

func (e *Engine) applyRemoteDelete(ctx context.Context, s Session, result *SyncResult) {
	if s.Status.Terminal() {
		// Terminal sessions are only marked canceled, never hard-deleted.
		if s.Status != StatusCanceled {
			updated := s
			updated.Status = StatusCanceled
			updated.Dirty = false
			if _, err := e.store.UpdateSession(ctx, updated); err != nil {
				e.recordItemError(s.ID, s.ExternalEventID, "cancel_local", err, result)
				return
			}
			result.Deleted++
			e.notify(NotifyDeleted, s.ID, "canceled by remote delete")
		}
		return
	}
	if err := e.store.DeleteSession(ctx, s.ID); err != nil {
		e.recordItemError(s.ID, s.ExternalEventID, "delete_local", err, result)
		return
	}
	// The remote side is already gone; drop the bookkeeping tombstone the
	// delete just recorded.
	_ = e.store.PurgeTombstone(ctx, s.ID)
	result.Deleted++
	e.notify(NotifyDeleted, s.ID, "deleted from calendar")
}

func (e *Engine) applyLocalDelete(ctx context.Context, scopeID string, t Tombstone, result *SyncResult) {
	err := e.withRetry(ctx, func(callCtx context.Context) error {
		return e.remote.DeleteEvent(callCtx, scopeID, t.ExternalEventID)
	})
	// Already gone remotely counts as done. Any other failure keeps the
	// tombstone so the next pass retries the remote delete.
	if err != nil && !errors.Is(err, ErrNotFound) {
		e.recordItemError(t.SessionID, t.ExternalEventID, "delete_remote", err, result)
		return
	}
	if err := e.store.PurgeTombstone(ctx, t.SessionID); err != nil {
		e.recordItemError(t.SessionID, t.ExternalEventID, "purge_tombstone", err, result)
		return
	}
	result.Deleted++
	e.notify(NotifyDeleted, t.SessionID, "deleted from app")
}

func (e *Engine) applyRemoteCreate(ctx context.Context, scopeID string, ev RemoteEvent, result *SyncResult) {
	// A session may already be linked from an earlier pass even though it
	// was not in this pass's syncable listing.
	if _, err := e.store.GetByExternalID(ctx, scopeID, ev.ID); err == nil {
		return
	}
	created, err := e.store.CreateSession(ctx, Session{
		ScopeID:         scopeID,
		Title:           ev.Title,
		Start:           ev.Start,
		End:             ev.End,
		Status:          ev.Status,
		Notes:           ev.Notes,
		ExternalEventID: ev.ID,
		Source:          SourceRemote,
		UpdatedAt:       ev.Updated,
	})
	if err != nil {
		e.recordItemError("", ev.ID, "create_local", err, result)
		return
	}
	if _, err := e.store.MarkSynced(ctx, created.ID, ev.ID, RemoteEventFingerprint(ev), e.now()); err != nil {
		e.recordItemError(created.ID, ev.ID, "mark_synced", err, result)
		return
	}
	result.Created++
	e.notify(NotifyCreated, created.ID, "imported from calendar")
}

func (e *Engine) recordItemError(sessionID, eventID, op string, err error, result *SyncResult) {
	item := ItemError{
		SessionID: sessionID,
		EventID:   eventID,
		Op:        op,
		Message:   err.Error(),
		Permanent: !IsTransient(err),
	}
	result.Errors = append(result.Errors, item)
	e.notify(NotifySyncError, sessionID, fmt.Sprintf("%s failed: %v", op, err))
	e.log.Error("item sync failed", "op", op, "session", sessionID, "event", eventID, "error", err)
}

func (e *Engine) notify(typ NotificationType, sessionID, reason string) {
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.Publish(NotificationEvent{
		Type:      typ,
		SessionID: sessionID,
		Reason:    reason,
		Timestamp: e.now(),
	})
}

// withRetry runs fn under the per-call timeout, retrying transient adapter
// failures with bounded exponential backoff. Provider retry-after hints take
// precedence over the computed delay.
func (e *Engine) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := e.opts.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt >= e.opts.MaxRetries {
			return err
		}
		wait := delay
		if hint := RetryAfterHint(err); hint > 0 {
			wait = hint
		}
		if wait > e.opts.RetryMaxDelay {
			wait = e.opts.RetryMaxDelay
		}
		if sleepErr := sleepContext(ctx, wait); sleepErr != nil {
			return sleepErr
		}
		delay *= 2
	}
}

func eventFromSession(s Session) RemoteEvent {
	return RemoteEvent{
		ID:     s.ExternalEventID,
		Title:  s.Title,
		Start:  s.Start,
		End:    s.End,
		Status: s.Status,
		Notes:  s.Notes,
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
