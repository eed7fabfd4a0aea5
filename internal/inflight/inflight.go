// Package inflight counts live streams per user so shutdown can wait for them
package inflight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatstream-api/internal/metrics"
	"chatstream-api/internal/shared"

	"go.uber.org/zap"
)

type Tracker struct {
	mu       sync.Mutex
	counts   map[uint64]uint64
	draining bool
	log      *zap.SugaredLogger
	poll     time.Duration
}

func NewTracker(log *zap.SugaredLogger) *Tracker {
	return &Tracker{
		counts: map[uint64]uint64{},
		log:    log,
		poll:   shared.InflightPollInterval,
	}
}

// Add registers a new stream for userID. It returns false once shutdown has
// started, in which case the caller must not stream.
func (t *Tracker) Add(userID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.counts[userID]++
	metrics.InflightStreams.WithLabelValues(fmt.Sprintf("%d", userID)).Set(float64(t.counts[userID]))
	return true
}

// Done releases a stream registered with Add
func (t *Tracker) Done(userID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.counts[userID]
	if !ok {
		t.log.Warnw("Inflight release without matching add", "user_id", userID)
		return
	}
	label := fmt.Sprintf("%d", userID)
	if n <= 1 {
		delete(t.counts, userID)
		metrics.InflightStreams.DeleteLabelValues(label)
		return
	}
	t.counts[userID] = n - 1
	metrics.InflightStreams.WithLabelValues(label).Set(float64(n - 1))
}

// Count returns the live streams for userID
func (t *Tracker) Count(userID uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[userID]
}

func (t *Tracker) total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total uint64
	for _, n := range t.counts {
		total += n
	}
	return total
}

// Shutdown refuses new streams and waits until every live one has finished
// or ctx is done
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.log.Info("Draining inflight streams")
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	for {
		total := t.total()
		if total == 0 {
			t.log.Info("No inflight streams left")
			return nil
		}
		t.log.Infow("Waiting on inflight streams", "streams", total)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d streams still inflight: %w", total, ctx.Err())
		case <-ticker.C:
		}
	}
}
