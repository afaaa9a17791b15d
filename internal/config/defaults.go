package config

import "time"

// DefaultConfig returns a configuration with production defaults. File
// values and environment overrides layer on top.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		Calendar: CalendarConfig{
			PastWindowDays:   10,
			FutureWindowDays: 20,
		},
		Channel: ChannelConfig{
			TTL:           Duration(7 * 24 * time.Hour),
			RenewalWindow: Duration(12 * time.Hour),
			CheckInterval: Duration(time.Minute),
		},
		Sync: SyncConfig{
			Workers:        2,
			PollInterval:   Duration(30 * time.Second),
			PollGrace:      Duration(5 * time.Minute),
			JobBudget:      Duration(2 * time.Minute),
			CallTimeout:    Duration(10 * time.Second),
			MaxRetries:     3,
			RetryBaseDelay: Duration(100 * time.Millisecond),
			RetryMaxDelay:  Duration(2 * time.Second),
			SkewTolerance:  Duration(10 * time.Second),
		},
		Stream: StreamConfig{
			RingSize:          128,
			SubscriberBuffer:  32,
			HeartbeatInterval: Duration(25 * time.Second),
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
