package proptalk

import "time"

// Config tunes a Session and its Connection. Zero values take defaults.
type Config struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval is the ping period. A negative value disables
	// heartbeats.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int

	JoinTimeout time.Duration
	SendTimeout time.Duration
	// DedupeWindow bounds the createdAt difference under which a pushed
	// message without an echoed request id is matched to a provisional one.
	DedupeWindow time.Duration
	ReadDebounce time.Duration
	TypingTTL    time.Duration
	// ErrorInterval is the minimum spacing between surfaced transport errors.
	ErrorInterval time.Duration
}

func (c *Config) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 256
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 10 * time.Second
	}
	if c.ReadDebounce == 0 {
		c.ReadDebounce = 400 * time.Millisecond
	}
	if c.TypingTTL == 0 {
		c.TypingTTL = 8 * time.Second
	}
	if c.ErrorInterval == 0 {
		c.ErrorInterval = time.Second
	}
}
