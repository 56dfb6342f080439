// Package ratelimit provides a packets-per-second pacer.
package ratelimit

import "time"

// Pacer spaces events interval apart on an absolute schedule.
// Deadlines are start + k*interval, never derived from the time an event
// actually happened, so sleep overshoot doesn't accumulate.
// Not safe for concurrent use.
type Pacer struct {
	interval time.Duration
	deadline time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a pacer for pps events per second starting at start.
// If pps == 0, pacing is disabled and New returns nil; a nil *Pacer never blocks.
func New(pps uint64, start time.Time) *Pacer {
	return NewBurst(pps, 1, start)
}

// NewBurst creates a pacer whose every Wait covers burst events, keeping
// the average at pps events per second.
func NewBurst(pps, burst uint64, start time.Time) *Pacer {
	if pps == 0 {
		return nil
	}
	return &Pacer{
		interval: Interval(pps) * time.Duration(max(burst, 1)),
		deadline: start,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Interval returns the spacing between events at pps events per second.
func Interval(pps uint64) time.Duration {
	return time.Duration(int64(time.Second) / int64(pps))
}

// Wait advances the deadline by one interval and blocks until it.
// If behind schedule it returns immediately, letting the caller catch up.
func (p *Pacer) Wait() {
	if p == nil {
		return
	}
	p.deadline = p.deadline.Add(p.interval)
	if d := p.deadline.Sub(p.now()); d > 0 {
		p.sleep(d)
	}
}

// Deadline returns the current scheduled deadline.
func (p *Pacer) Deadline() time.Time {
	if p == nil {
		return time.Time{}
	}
	return p.deadline
}
