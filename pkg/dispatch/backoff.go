package dispatch

import "time"

// Backoff is the capped exponential delay schedule between delivery attempts.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before retry n (n >= 1): min(Base*2^(n-1), Cap).
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 1 || b.Base <= 0 {
		return 0
	}

	delay := b.Base
	for i := 1; i < retry; i++ {
		if b.Cap > 0 && delay >= b.Cap {
			break
		}
		delay *= 2
	}
	if b.Cap > 0 && delay > b.Cap {
		delay = b.Cap
	}
	return delay
}

// withHint stretches delay to a provider retry-after hint, never past the cap.
func (b Backoff) withHint(delay, hint time.Duration) time.Duration {
	if hint <= delay {
		return delay
	}
	if b.Cap > 0 && hint > b.Cap {
		return b.Cap
	}
	return hint
}
