package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ari/cascade-usage/internal/api"
	"github.com/ari/cascade-usage/internal/conncache"
	"github.com/ari/cascade-usage/internal/tracker"
)

// StatusFetcher fetches the user status through a validated connection.
// *api.Client satisfies this.
type StatusFetcher interface {
	GetUserStatus(ctx context.Context, port int, token string) (*api.UserStatus, error)
}

// Report is the outcome of one refresh cycle.
type Report struct {
	Connection  conncache.Connection
	PlanName    string
	Snapshots   []tracker.QuotaSnapshot
	WindowTotal float64

	// Degraded is set when the cycle's tracking update could not be
	// persisted; WindowTotal then carries the last known aggregate.
	Degraded bool
}

// Monitor wires the connection cache, the API client and the usage tracker
// into refresh cycles. Cycles are serialized: a Refresh never overlaps
// another, so tracker state is read-modify-written by one cycle at a time.
type Monitor struct {
	cache   *conncache.Cache
	client  StatusFetcher
	tracker *tracker.Tracker
	logger  *zap.Logger

	mu        sync.Mutex
	lastTotal float64
}

func New(cache *conncache.Cache, client StatusFetcher, trk *tracker.Tracker, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{cache: cache, client: client, tracker: trk, logger: logger}
}

// Refresh runs one cycle: resolve a connection, fetch the status, record the
// snapshots, and return the report. A fetch failure through a cached
// connection invalidates it and retries discovery once within the same
// cycle. When only persistence fails the report is still returned, marked
// degraded, alongside the tracker error.
func (m *Monitor) Refresh(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.cache.Get(ctx)
	if err != nil {
		return nil, err
	}

	status, err := m.client.GetUserStatus(ctx, conn.Port, conn.Token)
	if err != nil {
		// The cached port may have gone stale between cycles.
		m.logger.Debug("status fetch failed, rediscovering", zap.Error(err))
		m.cache.Invalidate()
		if conn, err = m.cache.Get(ctx); err != nil {
			return nil, err
		}
		if status, err = m.client.GetUserStatus(ctx, conn.Port, conn.Token); err != nil {
			return nil, err
		}
	}

	report := &Report{
		Connection: conn,
		PlanName:   status.PlanName(),
		Snapshots:  status.Snapshots(),
	}

	total, err := m.tracker.RecordSnapshots(ctx, report.Snapshots)
	if err != nil {
		if errors.Is(err, tracker.ErrPersistence) {
			m.logger.Warn("usage history not persisted this cycle", zap.Error(err))
			report.Degraded = true
			report.WindowTotal = m.lastTotal
			return report, err
		}
		return nil, err
	}
	m.lastTotal = total
	report.WindowTotal = total
	return report, nil
}

// Watch runs Refresh on the given interval until ctx is cancelled, invoking
// onCycle after every cycle. An immediate first cycle runs before the timer
// starts. Ticks that fire while a cycle is in flight are absorbed by the
// ticker rather than queued.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, onCycle func(*Report, error)) {
	report, err := m.Refresh(ctx)
	onCycle(report, err)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := m.Refresh(ctx)
			onCycle(report, err)
		}
	}
}
