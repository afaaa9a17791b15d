// Package googlecal implements the remote calendar boundary on the Google
// Calendar API. Provider-specific shapes, error classification, and
// retry-after hints stay inside this package; the rest of the system only
// sees normalized RemoteEvents and AdapterErrors.
package googlecal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/courtflow/schedsync/internal/schedsync"
)

const listPageSize = 250

// Options tunes the adapter's listing window.
type Options struct {
	// PastWindowDays/FutureWindowDays bound listings around now.
	PastWindowDays   int
	FutureWindowDays int
}

func (o Options) withDefaults() Options {
	if o.PastWindowDays <= 0 {
		o.PastWindowDays = 10
	}
	if o.FutureWindowDays <= 0 {
		o.FutureWindowDays = 20
	}
	return o
}

// Client implements schedsync.RemoteCalendar against Google Calendar.
// The scope id is the provider calendar id.
type Client struct {
	svc  *calendar.Service
	opts Options
	now  func() time.Time
}

// New builds a client. Credentials come through the standard client options
// (service-account file, ambient default credentials, or a custom HTTP
// client in tests).
func New(ctx context.Context, opts Options, clientOpts ...option.ClientOption) (*Client, error) {
	svc, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &Client{svc: svc, opts: opts.withDefaults(), now: time.Now}, nil
}

// NewWithService wraps an existing service. Tests use this with an
// httptest-backed service.
func NewWithService(svc *calendar.Service, opts Options) *Client {
	return &Client{svc: svc, opts: opts.withDefaults(), now: time.Now}
}

func (c *Client) window() (time.Time, time.Time) {
	now := c.now().UTC()
	return now.AddDate(0, 0, -c.opts.PastWindowDays), now.AddDate(0, 0, c.opts.FutureWindowDays)
}

// ListChangedSince lists events inside the sync window. A zero since yields
// a full listing (FullListing=true) so the engine can detect deletions by
// absence; otherwise updatedMin narrows the listing to a delta and Google
// reports deletions as cancelled stubs.
func (c *Client) ListChangedSince(ctx context.Context, scopeID string, since time.Time) (schedsync.RemoteChanges, error) {
	windowStart, windowEnd := c.window()
	changes := schedsync.RemoteChanges{
		FullListing: since.IsZero(),
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
	}

	pageToken := ""
	for {
		call := c.svc.Events.List(scopeID).
			Context(ctx).
			SingleEvents(true).
			ShowDeleted(true).
			TimeMin(windowStart.Format(time.RFC3339)).
			TimeMax(windowEnd.Format(time.RFC3339)).
			MaxResults(listPageSize)
		if !since.IsZero() {
			call = call.UpdatedMin(since.UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return schedsync.RemoteChanges{}, classify("list_events", err)
		}
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				if item.Id != "" {
					changes.Deleted = append(changes.Deleted, item.Id)
				}
				continue
			}
			if ev, ok := fromGoogleEvent(item); ok {
				changes.Events = append(changes.Events, ev)
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return changes, nil
}

func (c *Client) CreateEvent(ctx context.Context, scopeID string, ev schedsync.RemoteEvent) (schedsync.RemoteEvent, error) {
	created, err := c.svc.Events.Insert(scopeID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return schedsync.RemoteEvent{}, classify("create_event", err)
	}
	mapped, ok := fromGoogleEvent(created)
	if !ok {
		mapped = ev
		mapped.ID = created.Id
	}
	return mapped, nil
}

func (c *Client) UpdateEvent(ctx context.Context, scopeID string, ev schedsync.RemoteEvent) (schedsync.RemoteEvent, error) {
	if strings.TrimSpace(ev.ID) == "" {
		return schedsync.RemoteEvent{}, schedsync.NewPermanentError("update_event", errors.New("missing event id"))
	}
	updated, err := c.svc.Events.Update(scopeID, ev.ID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return schedsync.RemoteEvent{}, classify("update_event", err)
	}
	mapped, ok := fromGoogleEvent(updated)
	if !ok {
		mapped = ev
	}
	return mapped, nil
}

func (c *Client) DeleteEvent(ctx context.Context, scopeID, eventID string) error {
	if strings.TrimSpace(eventID) == "" {
		return schedsync.NewPermanentError("delete_event", errors.New("missing event id"))
	}
	if err := c.svc.Events.Delete(scopeID, eventID).Context(ctx).Do(); err != nil {
		return classify("delete_event", err)
	}
	return nil
}

// Watch registers a push channel delivering webhook notifications for the
// calendar. Google expects the expiration as epoch milliseconds and may
// grant less than requested; the granted value is what gets recorded.
func (c *Client) Watch(ctx context.Context, scopeID string, req schedsync.WatchRequest) (schedsync.SyncChannel, error) {
	expiration := c.now().Add(req.TTL)
	body := &calendar.Channel{
		Id:         uuid.NewString(),
		Type:       "web_hook",
		Address:    req.Address,
		Token:      req.Token,
		Expiration: expiration.UnixMilli(),
	}
	granted, err := c.svc.Events.Watch(scopeID, body).Context(ctx).Do()
	if err != nil {
		wrapped := classify("watch", err)
		if !schedsync.IsTransient(wrapped) {
			return schedsync.SyncChannel{}, fmt.Errorf("%w: %w", schedsync.ErrChannelRejected, wrapped)
		}
		return schedsync.SyncChannel{}, wrapped
	}
	ch := schedsync.SyncChannel{
		ID:         granted.Id,
		ScopeID:    scopeID,
		ResourceID: granted.ResourceId,
		Token:      req.Token,
		State:      schedsync.ChannelActive,
		Expiration: expiration,
	}
	if granted.Expiration > 0 {
		ch.Expiration = time.UnixMilli(granted.Expiration)
	}
	return ch, nil
}

func (c *Client) StopWatch(ctx context.Context, channelID, resourceID string) error {
	body := &calendar.Channel{Id: channelID, ResourceId: resourceID}
	if err := c.svc.Channels.Stop(body).Context(ctx).Do(); err != nil {
		return classify("stop_watch", err)
	}
	return nil
}

// classify maps provider failures onto the adapter error taxonomy:
// rate-limit and server errors are transient (with any retry-after hint
// preserved), not-found and permission errors are permanent, and transport
// failures are transient. Not-found additionally matches
// schedsync.ErrNotFound so callers can tell a missing event apart from
// other permanent failures.
func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return &schedsync.AdapterError{Op: op, Err: err, RetryAfter: retryAfterHint(apiErr)}
		case apiErr.Code >= 500:
			return schedsync.NewTransientError(op, err)
		case apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone:
			return schedsync.NewPermanentError(op, fmt.Errorf("%w: %w", schedsync.ErrNotFound, err))
		default:
			return schedsync.NewPermanentError(op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return schedsync.NewTransientError(op, err)
	}
	return schedsync.NewTransientError(op, err)
}

func retryAfterHint(apiErr *googleapi.Error) time.Duration {
	if apiErr == nil || apiErr.Header == nil {
		return 0
	}
	raw := strings.TrimSpace(apiErr.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
