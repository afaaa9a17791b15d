package schedsync

import (
	"context"
	"time"
)

// RemoteChanges is the delta reported by the remote calendar for one scope.
// When no usable delta token exists the adapter falls back to a full window
// listing and sets FullListing so the engine can run deletion detection by
// absence.
type RemoteChanges struct {
	Events      []RemoteEvent
	Deleted     []string
	FullListing bool

	// WindowStart/WindowEnd bound the listing; deletion-by-absence only
	// applies to sessions starting inside the window.
	WindowStart time.Time
	WindowEnd   time.Time
}

// WatchRequest carries the parameters for registering a push subscription.
type WatchRequest struct {
	Address string
	Token   string
	TTL     time.Duration
}

// RemoteCalendar is the boundary to the provider calendar API. Implementations
// own provider-specific shapes, retry-after hints, and error classification;
// the rest of the system only ever sees normalized RemoteEvents and
// AdapterErrors.
type RemoteCalendar interface {
	// ListChangedSince returns events changed since the given instant. A zero
	// since requests a full window listing.
	ListChangedSince(ctx context.Context, scopeID string, since time.Time) (RemoteChanges, error)

	CreateEvent(ctx context.Context, scopeID string, ev RemoteEvent) (RemoteEvent, error)
	UpdateEvent(ctx context.Context, scopeID string, ev RemoteEvent) (RemoteEvent, error)
	DeleteEvent(ctx context.Context, scopeID, eventID string) error

	// Watch registers a push subscription delivering notifications to the
	// given address. StopWatch tears one down; failure to stop a superseded
	// channel is non-fatal for callers.
	Watch(ctx context.Context, scopeID string, req WatchRequest) (SyncChannel, error)
	StopWatch(ctx context.Context, channelID, resourceID string) error
}
