package server

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the timing parameters of a Server
type Config struct {
	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomised election timeout (Section 5.2)
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// HeartbeatInterval is how often a leader sends AppendEntries to every peer
	HeartbeatInterval time.Duration
	// RPCTimeout bounds a single RPC attempt to a peer
	RPCTimeout time.Duration
	// CommandTimeout bounds how long Submit waits for a command to be applied
	CommandTimeout time.Duration
	// MaxEntriesPerAppend caps the number of entries in a single AppendEntries RPC
	MaxEntriesPerAppend int
}

// DefaultConfig returns the timing used when nothing is configured. Section 5.6 states that broadcastTime should be
// an order of magnitude less than the electionTimeout.
func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin:  300 * time.Millisecond,
		ElectionTimeoutMax:  600 * time.Millisecond,
		HeartbeatInterval:   30 * time.Millisecond,
		RPCTimeout:          100 * time.Millisecond,
		CommandTimeout:      2 * time.Second,
		MaxEntriesPerAppend: 128,
	}
}

// WithDefaults fills every zero field from DefaultConfig
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = d.ElectionTimeoutMin
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = max(d.ElectionTimeoutMax, 2*c.ElectionTimeoutMin)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = min(d.HeartbeatInterval, c.ElectionTimeoutMin/10)
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = d.RPCTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.MaxEntriesPerAppend == 0 {
		c.MaxEntriesPerAppend = d.MaxEntriesPerAppend
	}
	return c
}

// Validate checks the relations the election algorithm depends on
func (c Config) Validate() error {
	var errs []error
	if c.ElectionTimeoutMin <= 0 || c.HeartbeatInterval <= 0 || c.RPCTimeout <= 0 || c.CommandTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.ElectionTimeoutMin >= c.ElectionTimeoutMax {
		errs = append(errs, fmt.Errorf("election timeout min %v must be below max %v",
			c.ElectionTimeoutMin, c.ElectionTimeoutMax))
	}
	if c.HeartbeatInterval*10 > c.ElectionTimeoutMin {
		errs = append(errs, fmt.Errorf("heartbeat interval %v must be at most a tenth of the election timeout %v",
			c.HeartbeatInterval, c.ElectionTimeoutMin))
	}
	if c.MaxEntriesPerAppend <= 0 {
		errs = append(errs, errors.New("max entries per append must be positive"))
	}
	return errors.Join(errs...)
}
