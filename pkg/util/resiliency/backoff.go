package resiliency

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// Backoff computes exponential delays with jitter: base * 2^attempt + [0, base/2),
// capped at max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := b.Base << uint(attempt)
	if b.Max > 0 && (d > b.Max || d <= 0) {
		d = b.Max
	}
	if half := int64(b.Base / 2); half > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(half)); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}

// Sleep waits for Delay(attempt) or until ctx is done. It returns ctx.Err() when
// interrupted.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
