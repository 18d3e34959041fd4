package claimer

import "time"

// Policy tunes the claim loop. Zero values take defaults; the stale
// threshold is floored at three heartbeat intervals so a single missed
// heartbeat never forfeits a healthy claim.
type Policy struct {
	MaxConcurrent     int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	SweepInterval     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxConcurrent:     4,
		PollInterval:      250 * time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
		StaleThreshold:    15 * time.Second,
		SweepInterval:     10 * time.Second,
	}
}

func NormalizePolicy(p Policy) Policy {
	def := DefaultPolicy()
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = def.MaxConcurrent
	}
	if p.PollInterval <= 0 {
		p.PollInterval = def.PollInterval
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = def.HeartbeatInterval
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = def.SweepInterval
	}
	if min := 3 * p.HeartbeatInterval; p.StaleThreshold < min {
		p.StaleThreshold = min
	}
	return p
}
