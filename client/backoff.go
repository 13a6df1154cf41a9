package client

import "time"

// backoff yields reconnect delays that double up to a ceiling. It is not
// safe for concurrent use; each connection loop owns its own instance.
type backoff struct {
	min     time.Duration
	max     time.Duration
	current time.Duration
	// attempts counts retries since the last successful connection
	attempts int
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max, current: min}
}

// next returns the delay to wait before the upcoming attempt and advances
// the schedule
func (b *backoff) next() time.Duration {
	b.attempts++
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// reset restarts the schedule after a successful connection
func (b *backoff) reset() {
	b.current = b.min
	b.attempts = 0
}
