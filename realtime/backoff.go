package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	PolicyFixed       = "fixed"
	PolicyExponential = "exponential"

	defaultReconnectDelay = 3 * time.Second
)

// NewBackOff builds the reconnect delay policy. The fixed policy waits delay
// between every attempt; the exponential policy starts at delay, doubles
// with jitter and caps at max.
func NewBackOff(policy string, delay, max time.Duration) backoff.BackOff {
	if policy == PolicyExponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = delay
		b.MaxInterval = max
		b.Multiplier = 2
		b.RandomizationFactor = 0.2
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(delay)
}

// Clock schedules reconnect attempts.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
