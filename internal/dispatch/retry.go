package dispatch

import (
	"errors"
	"math/rand"
	"time"

	"duewatch/internal/channel"
)

// retryDelay is the wait before attempt+1. It honors a sender's RetryAfter
// hint and is always bounded by maxD.
func retryDelay(base, maxD time.Duration, attempt int, err error) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxD <= 0 {
		maxD = 10 * time.Second
	}

	var ra channel.RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		d := ra.RetryAfter()
		if d > maxD {
			d = maxD
		}
		return d
	}

	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > maxD {
		d = maxD
	}
	return d
}
