package rpc

import (
	"math"
	"math/rand"
	"time"
)

// reconnectBackoff returns the delay before reconnect attempt n.
// attempt=0 => 250ms, attempt=1 => 500ms, ... capped at 15s.
func reconnectBackoff(attempt int) time.Duration {
	base := 250 * time.Millisecond

	capDelay := 15 * time.Second

	multiple := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(base) * multiple)

	if delay > capDelay {
		delay = capDelay
	}

	// small jitter (up to 250ms) so many gateways do not redial in lockstep
	delay += time.Duration(rand.Intn(250)) * time.Millisecond
	return delay
}
