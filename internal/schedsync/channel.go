package schedsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/courtflow/schedsync/internal/logging"
)

// ChannelOptions tunes push-subscription lifecycle management.
type ChannelOptions struct {
	// Address is the public webhook URL the provider delivers to.
	Address string
	// Token is the validation token echoed back on every notification.
	Token string
	// TTL is the requested channel lifetime.
	TTL time.Duration
	// RenewalWindow is how long before expiration a channel is re-registered.
	RenewalWindow time.Duration
	// CheckInterval is how often the background timer inspects channels.
	CheckInterval time.Duration
	// CallTimeout bounds each provider call.
	CallTimeout time.Duration
	// RetryBaseDelay/RetryMaxDelay bound the backoff for failed registrations.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.TTL <= 0 {
		o.TTL = 7 * 24 * time.Hour
	}
	if o.RenewalWindow <= 0 {
		o.RenewalWindow = 12 * time.Hour
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = time.Minute
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 30 * time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Minute
	}
	return o
}

type channelEntry struct {
	channel  SyncChannel
	attempts int
	retryAt  time.Time
}

// ChannelManager maintains exactly one ACTIVE push subscription per scope.
// Channels inside their renewal window are re-registered (new before old);
// registration failures move the scope to PENDING with backoff retry, during
// which the coordinator's poll fallback is the sole liveness mechanism.
type ChannelManager struct {
	remote RemoteCalendar
	opts   ChannelOptions

	mu       sync.Mutex
	channels map[string]*channelEntry

	log *slog.Logger
	now func() time.Time
}

func NewChannelManager(remote RemoteCalendar, scopeIDs []string, opts ChannelOptions) *ChannelManager {
	m := &ChannelManager{
		remote:   remote,
		opts:     opts.withDefaults(),
		channels: map[string]*channelEntry{},
		log:      logging.Component("channels"),
		now:      time.Now,
	}
	for _, scopeID := range scopeIDs {
		m.channels[scopeID] = &channelEntry{
			channel: SyncChannel{ScopeID: scopeID, State: ChannelPending},
		}
	}
	return m
}

// SetRenewalWindow applies a new renewal window (config hot reload).
func (m *ChannelManager) SetRenewalWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.RenewalWindow = window
}

// Run registers channels at startup and keeps them renewed until the
// context is canceled.
func (m *ChannelManager) Run(ctx context.Context) error {
	m.checkChannels(ctx)
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.checkChannels(ctx)
		}
	}
}

func (m *ChannelManager) checkChannels(ctx context.Context) {
	m.mu.Lock()
	due := make([]string, 0)
	for scopeID, entry := range m.channels {
		if m.dueLocked(entry) {
			due = append(due, scopeID)
		}
	}
	m.mu.Unlock()

	sort.Strings(due)
	for _, scopeID := range due {
		m.ensureChannel(ctx, scopeID)
	}
}

func (m *ChannelManager) dueLocked(entry *channelEntry) bool {
	now := m.now()
	switch entry.channel.State {
	case ChannelPending:
		return !now.Before(entry.retryAt)
	case ChannelActive:
		return now.After(entry.channel.Expiration.Add(-m.opts.RenewalWindow))
	case ChannelExpired:
		return true
	default:
		return true
	}
}

// ensureChannel registers a fresh channel for the scope, replacing any
// previous one. The old channel is stopped after the new registration
// succeeds; a failed stop is logged and otherwise ignored.
func (m *ChannelManager) ensureChannel(ctx context.Context, scopeID string) {
	m.mu.Lock()
	entry, ok := m.channels[scopeID]
	if !ok {
		entry = &channelEntry{channel: SyncChannel{ScopeID: scopeID, State: ChannelPending}}
		m.channels[scopeID] = entry
	}
	old := entry.channel
	m.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	registered, err := m.remote.Watch(callCtx, scopeID, WatchRequest{
		Address: m.opts.Address,
		Token:   m.opts.Token,
		TTL:     m.opts.TTL,
	})
	cancel()

	if err != nil {
		m.mu.Lock()
		entry.channel.State = ChannelPending
		entry.attempts++
		attempts := entry.attempts
		backoff := m.opts.RetryBaseDelay
		for i := 1; i < attempts; i++ {
			backoff *= 2
			if backoff >= m.opts.RetryMaxDelay {
				backoff = m.opts.RetryMaxDelay
				break
			}
		}
		entry.retryAt = m.now().Add(backoff)
		m.mu.Unlock()
		m.log.Error("channel registration failed, polling is the fallback",
			"scope", scopeID, "attempts", attempts, "retry_in", backoff, "error", err)
		return
	}

	registered.ScopeID = scopeID
	registered.State = ChannelActive
	if registered.Token == "" {
		registered.Token = m.opts.Token
	}

	m.mu.Lock()
	entry.channel = registered
	entry.attempts = 0
	entry.retryAt = time.Time{}
	m.mu.Unlock()

	m.log.Info("channel registered", "scope", scopeID,
		"channel", registered.ID, "expires", registered.Expiration)

	if old.State == ChannelActive && old.ID != "" && old.ID != registered.ID {
		stopCtx, stopCancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		if stopErr := m.remote.StopWatch(stopCtx, old.ID, old.ResourceID); stopErr != nil {
			m.log.Warn("failed to stop superseded channel", "channel", old.ID, "error", stopErr)
		}
		stopCancel()
	}
}

// Validate checks an incoming notification's identifiers against the
// registered channel for any scope. Notifications for unknown or expired
// channels are rejected (the receiver still acknowledges them).
func (m *ChannelManager) Validate(channelID, resourceID, token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for scopeID, entry := range m.channels {
		ch := entry.channel
		if ch.State != ChannelActive || ch.ID != channelID {
			continue
		}
		if !ch.Expiration.IsZero() && m.now().After(ch.Expiration) {
			entry.channel.State = ChannelExpired
			return "", false
		}
		if ch.ResourceID != "" && resourceID != "" && ch.ResourceID != resourceID {
			return "", false
		}
		if ch.Token != "" && ch.Token != token {
			return "", false
		}
		return scopeID, true
	}
	return "", false
}

// Snapshot returns the channels for the status surface, ordered by scope.
func (m *ChannelManager) Snapshot() []SyncChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SyncChannel, 0, len(m.channels))
	for _, entry := range m.channels {
		out = append(out, entry.channel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScopeID < out[j].ScopeID })
	return out
}
