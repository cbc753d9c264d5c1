package internal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SpeedLimiter throttles aggregate download throughput across all workers.
// The limit divides evenly over the streams currently transferring, with a
// floor so a crowded pool cannot starve individual streams completely.
type SpeedLimiter struct {
	bytesPerSec atomic.Int64
	active      atomic.Int32

	mu      sync.Mutex
	written int64
	since   time.Time
}

// minPerStreamRate is the per-stream floor applied after dividing the limit
// across active streams.
const minPerStreamRate = 64 << 10

// NewSpeedLimiter returns a limiter for bytesPerSec aggregate throughput.
// bytesPerSec <= 0 means unlimited; a nil *SpeedLimiter is also unlimited.
func NewSpeedLimiter(bytesPerSec int64) *SpeedLimiter {
	l := &SpeedLimiter{since: time.Now()}
	l.bytesPerSec.Store(bytesPerSec)
	return l
}

// SetLimit changes the aggregate limit at runtime.
func (l *SpeedLimiter) SetLimit(bytesPerSec int64) {
	if l == nil {
		return
	}
	l.bytesPerSec.Store(bytesPerSec)
}

// StreamStarted registers a transferring stream; pair with StreamFinished.
func (l *SpeedLimiter) StreamStarted() {
	if l != nil {
		l.active.Add(1)
	}
}

// StreamFinished unregisters a transferring stream.
func (l *SpeedLimiter) StreamFinished() {
	if l != nil {
		l.active.Add(-1)
	}
}

// Wait accounts n transferred bytes and sleeps long enough to keep the
// caller's stream under its share of the aggregate limit.
func (l *SpeedLimiter) Wait(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	limit := l.bytesPerSec.Load()
	if limit <= 0 {
		return nil
	}

	streams := int64(l.active.Load())
	if streams < 1 {
		streams = 1
	}
	perStream := limit / streams
	if perStream < minPerStreamRate {
		perStream = minPerStreamRate
	}

	l.mu.Lock()
	l.written += int64(n)
	elapsed := time.Since(l.since)
	written := l.written
	// Reset the accounting window once it gets stale so one old burst does
	// not throttle a much later transfer.
	if elapsed > 2*time.Second {
		l.written = 0
		l.since = time.Now()
	}
	l.mu.Unlock()

	if elapsed <= 0 {
		return nil
	}
	want := time.Duration(float64(written) / float64(perStream*streams) * float64(time.Second))
	if excess := want - elapsed; excess > time.Millisecond {
		return sleepCtx(ctx, excess)
	}
	return nil
}
