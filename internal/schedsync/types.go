package schedsync

import "time"

// SessionStatus is the lifecycle state of a schedulable session.
type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusCompleted SessionStatus = "completed"
	StatusCanceled  SessionStatus = "canceled"
)

// Terminal reports whether the status permits no further scheduling changes.
// Terminal sessions are never hard-deleted by a remote-triggered delete.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// SessionSource records which side originally created the session.
type SessionSource string

const (
	SourceApp    SessionSource = "app"
	SourceRemote SessionSource = "remote"
)

// Session is the local schedulable unit plus its sync bookkeeping.
//
// ContentHash always reflects the most recent write; SyncedHash is the
// fingerprint both sides agreed on at the last successful sync and is what
// remote events are compared against to detect divergence.
type Session struct {
	ID              string        `json:"id"`
	ScopeID         string        `json:"scopeId"`
	CoachID         int           `json:"coachId"`
	PlayerID        int           `json:"playerId"`
	Title           string        `json:"title"`
	Start           time.Time     `json:"start"`
	End             time.Time     `json:"end"`
	Status          SessionStatus `json:"status"`
	Notes           string        `json:"notes,omitempty"`
	ExternalEventID string        `json:"externalEventId,omitempty"`
	ContentHash     string        `json:"contentHash"`
	SyncedHash      string        `json:"syncedHash,omitempty"`
	LastSyncedAt    time.Time     `json:"lastSyncedAt,omitempty"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	Source          SessionSource `json:"source"`
	Version         int64         `json:"version"`
	Dirty           bool          `json:"dirty"`
}

// RemoteEvent is the normalized form of a provider calendar event. It is
// materialized only during a reconciliation pass and never persisted.
type RemoteEvent struct {
	ID      string
	Title   string
	Start   time.Time
	End     time.Time
	Status  SessionStatus
	Notes   string
	Updated time.Time
}

// ChannelState is the registration state of a push subscription.
type ChannelState string

const (
	ChannelPending ChannelState = "pending"
	ChannelActive  ChannelState = "active"
	ChannelExpired ChannelState = "expired"
)

// SyncChannel is a provider-side push subscription for one scope.
type SyncChannel struct {
	ID         string       `json:"id"`
	ScopeID    string       `json:"scopeId"`
	ResourceID string       `json:"resourceId,omitempty"`
	Token      string       `json:"-"`
	Expiration time.Time    `json:"expiration,omitempty"`
	State      ChannelState `json:"state"`
}

// TriggerReason records what caused a reconciliation job to be enqueued.
type TriggerReason string

const (
	TriggerWebhook TriggerReason = "webhook"
	TriggerPoll    TriggerReason = "poll"
	TriggerManual  TriggerReason = "manual"
)

// JobStatus is the lifecycle state of a reconciliation job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// ReconciliationJob is the transient record of one queued or executing pass.
type ReconciliationJob struct {
	ScopeID    string        `json:"scopeId"`
	Reason     TriggerReason `json:"reason"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
	StartedAt  time.Time     `json:"startedAt,omitempty"`
	FinishedAt time.Time     `json:"finishedAt,omitempty"`
	Status     JobStatus     `json:"status"`
	Error      string        `json:"error,omitempty"`
}

// NotificationType classifies a UI notification event.
type NotificationType string

const (
	NotifyCreated   NotificationType = "created"
	NotifyUpdated   NotificationType = "updated"
	NotifyDeleted   NotificationType = "deleted"
	NotifySyncError NotificationType = "sync_error"
)

// NotificationEvent is a status ping pushed to connected UI clients. Seq is
// assigned by the broadcaster and increases monotonically; it doubles as the
// replay cursor for late joiners.
type NotificationEvent struct {
	Seq       uint64           `json:"seq"`
	Type      NotificationType `json:"type"`
	SessionID string           `json:"sessionId,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ItemError records a per-item adapter failure aggregated into a pass result.
type ItemError struct {
	SessionID string `json:"sessionId,omitempty"`
	EventID   string `json:"eventId,omitempty"`
	Op        string `json:"op"`
	Message   string `json:"message"`
	Permanent bool   `json:"permanent"`
}

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Deleted   int           `json:"deleted"`
	Pushed    int           `json:"pushed"`
	Conflicts int           `json:"conflicts"`
	Errors    []ItemError   `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Changed reports whether the pass produced any net change on either side.
func (r SyncResult) Changed() bool {
	return r.Created+r.Updated+r.Deleted+r.Pushed+r.Conflicts > 0
}
