// Package monitor supervises the liveness of a client event stream
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatstream-api/internal/metrics"
	"chatstream-api/internal/shared"
	"chatstream-api/internal/sse"

	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("connection is not alive")

// Sink is the outbound channel a monitor writes to
type Sink interface {
	Write(sse.Event) error
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: shared.DefaultHeartbeatInterval, Timeout: shared.DefaultLivenessTimeout}
}

// Monitor is the only writer to its sink. Every write goes through Send,
// so heartbeats and forwarded chunks share one idea of the last successful
// write. The connection is declared dead at most once, on a failed write,
// on request context cancellation, or when no write succeeded for longer
// than the timeout.
type Monitor struct {
	sink     Sink
	interval time.Duration
	timeout  time.Duration
	log      *zap.SugaredLogger
	now      func() time.Time

	writeMu   sync.Mutex
	lastWrite atomic.Int64
	connected atomic.Bool
	dead      atomic.Bool
	started   atomic.Bool
	stopped   atomic.Bool
	onDead    func(error)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(sink Sink, cfg Config, log *zap.SugaredLogger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = shared.DefaultHeartbeatInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * cfg.Interval
	}
	return &Monitor{
		sink:     sink,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		log:      log,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins heartbeats. onDead is called at most once, with an error
// wrapping shared.ErrClientDisconnected. It may call Stop.
func (m *Monitor) Start(ctx context.Context, onDead func(error)) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.onDead = onDead
	m.lastWrite.Store(m.now().UnixNano())
	m.connected.Store(true)
	go m.run(ctx)
}

func (m *Monitor) IsConnected() bool {
	return m.connected.Load()
}

// Send writes one event. It fails fast once the connection is dead.
func (m *Monitor) Send(e sse.Event) error {
	if !m.connected.Load() {
		return ErrNotConnected
	}
	m.writeMu.Lock()
	err := m.write(e)
	m.writeMu.Unlock()
	if err == nil || errors.Is(err, ErrNotConnected) {
		return err
	}
	if m.markDead("write_failed") {
		m.fire(fmt.Errorf("%w: %w", shared.ErrClientDisconnected, err))
	}
	return err
}

// Stop cancels the heartbeat timer and waits for it to exit. Sends are
// still allowed afterwards while the connection is alive. Safe to call
// repeatedly and from onDead.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		close(m.stop)
		if m.started.Load() {
			<-m.done
		}
	})
}

// write must be called with writeMu held
func (m *Monitor) write(e sse.Event) error {
	if !m.connected.Load() {
		return ErrNotConnected
	}
	if err := m.sink.Write(e); err != nil {
		return err
	}
	m.lastWrite.Store(m.now().UnixNano())
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	var cause error
	// onDead runs after done is closed so it may call Stop
	defer func() {
		if cause != nil {
			m.fire(cause)
		}
	}()
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			if m.markDead("peer_closed") {
				cause = fmt.Errorf("%w: %w", shared.ErrClientDisconnected, context.Cause(ctx))
			}
			return
		case <-ticker.C:
			idle := m.now().Sub(time.Unix(0, m.lastWrite.Load()))
			if idle > m.timeout {
				if m.markDead("timeout") {
					cause = fmt.Errorf("%w: no successful write for %s", shared.ErrClientDisconnected, idle.Round(time.Millisecond))
				}
				return
			}
			// A write already in flight counts as activity; its own
			// deadline or the idle check above will catch a stuck peer.
			if !m.writeMu.TryLock() {
				continue
			}
			err := m.write(sse.Heartbeat(m.now()))
			m.writeMu.Unlock()
			if err != nil {
				if !errors.Is(err, ErrNotConnected) && m.markDead("write_failed") {
					cause = fmt.Errorf("%w: %w", shared.ErrClientDisconnected, err)
				}
				return
			}
			metrics.Heartbeats.Inc()
		}
	}
}

// markDead flips the connection to dead and reports whether this call won
func (m *Monitor) markDead(reason string) bool {
	m.connected.Store(false)
	if m.stopped.Load() {
		return false
	}
	if !m.dead.CompareAndSwap(false, true) {
		return false
	}
	metrics.Disconnects.WithLabelValues(reason).Inc()
	m.log.Infow("client connection dead", "reason", reason)
	return true
}

func (m *Monitor) fire(err error) {
	if m.onDead != nil {
		m.onDead(err)
	}
}
