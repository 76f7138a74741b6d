package submission

import (
	"time"
)

// Default backoff parameters.
const (
	DefaultBaseDelay = 2 * time.Minute
	DefaultMaxDelay  = 6 * time.Hour
)

// Backoff computes exponential retry delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBaseDelay
	}
	if b.Max < b.Base {
		b.Max = DefaultMaxDelay
		if b.Max < b.Base {
			b.Max = b.Base
		}
	}
	return b
}

// Delay returns base * 2^retryCount capped at Max.
func (b Backoff) Delay(retryCount int) time.Duration {
	b = b.normalized()
	if retryCount < 0 {
		retryCount = 0
	}
	delay := b.Base
	for i := 0; i < retryCount; i++ {
		if delay >= b.Max/2 {
			return b.Max
		}
		delay *= 2
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// Next returns the next retry time. It never precedes previous+1s so that
// successive schedules for one invoice strictly increase.
func (b Backoff) Next(now time.Time, retryCount int, previous *time.Time) time.Time {
	next := now.Add(b.Delay(retryCount))
	if previous != nil {
		if floor := previous.Add(time.Second); next.Before(floor) {
			next = floor
		}
	}
	return next
}
