package googlecal

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/courtflow/schedsync/internal/schedsync"
)

// Session status is carried on the provider side as the event color, the
// convention the scheduling UI established: blueberry for scheduled, basil
// for completed, tomato for canceled.
const (
	colorScheduled = "9"
	colorCompleted = "10"
	colorCanceled  = "11"
)

func statusToColor(status schedsync.SessionStatus) string {
	switch status {
	case schedsync.StatusCompleted:
		return colorCompleted
	case schedsync.StatusCanceled:
		return colorCanceled
	default:
		return colorScheduled
	}
}

// statusFromColor normalizes unknown colors to scheduled so manual edits in
// the calendar UI never produce an invalid status.
func statusFromColor(colorID string) schedsync.SessionStatus {
	switch colorID {
	case colorCompleted:
		return schedsync.StatusCompleted
	case colorCanceled:
		return schedsync.StatusCanceled
	default:
		return schedsync.StatusScheduled
	}
}

// fromGoogleEvent maps a provider event to the normalized RemoteEvent.
// Returns ok=false for events the engine should not see as live items:
// all-day events (no dateTime) and cancelled stubs, which callers record as
// deletions instead.
func fromGoogleEvent(ev *calendar.Event) (schedsync.RemoteEvent, bool) {
	if ev == nil || ev.Status == "cancelled" {
		return schedsync.RemoteEvent{}, false
	}
	if ev.Start == nil || ev.End == nil || ev.Start.DateTime == "" || ev.End.DateTime == "" {
		return schedsync.RemoteEvent{}, false
	}
	start, err := time.Parse(time.RFC3339, ev.Start.DateTime)
	if err != nil {
		return schedsync.RemoteEvent{}, false
	}
	end, err := time.Parse(time.RFC3339, ev.End.DateTime)
	if err != nil {
		return schedsync.RemoteEvent{}, false
	}
	updated := time.Time{}
	if ev.Updated != "" {
		if parsed, perr := time.Parse(time.RFC3339, ev.Updated); perr == nil {
			updated = parsed
		}
	}
	return schedsync.RemoteEvent{
		ID:      ev.Id,
		Title:   ev.Summary,
		Start:   start,
		End:     end,
		Status:  statusFromColor(ev.ColorId),
		Notes:   ev.Description,
		Updated: updated,
	}, true
}

func toGoogleEvent(ev schedsync.RemoteEvent) *calendar.Event {
	return &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Notes,
		ColorId:     statusToColor(ev.Status),
		Start:       &calendar.EventDateTime{DateTime: ev.Start.UTC().Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: ev.End.UTC().Format(time.RFC3339)},
	}
}
