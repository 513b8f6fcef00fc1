package dataprovider

import (
	"context"

	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps throughput to bytesPerSec.
// The burst is 1 MB, or the rate itself when that is lower.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Throttled wraps a provider so that GetData does not deliver bytes faster
// than limiter allows. Direct saves are passed through unthrottled.
type Throttled struct {
	DataProvider
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottled wraps dp. Waiting is abandoned when ctx is done.
func NewThrottled(ctx context.Context, dp DataProvider, limiter *rate.Limiter) *Throttled {
	return &Throttled{DataProvider: dp, limiter: limiter, ctx: ctx}
}

// Unwrap returns the throttled provider.
func (t *Throttled) Unwrap() DataProvider { return t.DataProvider }

func (t *Throttled) GetData(buf []byte) (int, error) {
	n, err := t.DataProvider.GetData(buf)
	if n > 0 {
		if waitErr := t.wait(n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

// wait reserves n tokens in pieces no larger than the burst, since WaitN
// rejects requests above it.
func (t *Throttled) wait(n int) error {
	burst := max(t.limiter.Burst(), 1)
	for n > 0 {
		step := min(n, burst)
		if err := t.limiter.WaitN(t.ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
