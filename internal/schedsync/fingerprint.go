package schedsync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Fingerprint computes the deterministic digest over the sync-relevant
// fields of a schedulable unit. The serialization order is fixed (start,
// end, title, status) and timestamps are normalized to UTC and truncated to
// the second, so storage precision and timezone representation never
// produce spurious mismatches. The digest is used only to detect no-op vs.
// real change, not as a cryptographic guarantee.
func Fingerprint(start, end time.Time, title string, status SessionStatus) string {
	canonical := strings.Join([]string{
		start.UTC().Truncate(time.Second).Format(time.RFC3339),
		end.UTC().Truncate(time.Second).Format(time.RFC3339),
		strings.TrimSpace(title),
		string(status),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// SessionFingerprint digests the sync-relevant fields of a local session.
func SessionFingerprint(s Session) string {
	return Fingerprint(s.Start, s.End, s.Title, s.Status)
}

// RemoteEventFingerprint digests the sync-relevant fields of a materialized
// remote event, using the same canonical order as SessionFingerprint so the
// two are directly comparable.
func RemoteEventFingerprint(ev RemoteEvent) string {
	return Fingerprint(ev.Start, ev.End, ev.Title, ev.Status)
}
