package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// QuotaSnapshot is one model's instantaneous quota reading from the status
// API. A nil ResetAt marks an unbounded model, which is excluded from usage
// inference.
type QuotaSnapshot struct {
	Label             string
	RemainingFraction float64
	ResetAt           *time.Time
}

// HistoryEntry records the aggregate quota drop observed across all tracked
// models in one refresh cycle. Entries are append-only; Delta is always
// strictly positive.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Delta     float64   `json:"delta"`
}

// Store persists tracker state as opaque values under fixed keys. A lookup
// miss returns (nil, nil).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, value []byte) error
}

const (
	historyKey   = "usage_history"
	lastStateKey = "last_quota_state"
)

// ErrPersistence wraps store failures. Callers should keep displaying the
// previously known aggregate when they see it.
var ErrPersistence = errors.New("usage store unavailable")

// Options tunes usage inference. Zero values fall back to the defaults.
type Options struct {
	// MinThreshold filters floating-point noise: drops at or below it are
	// ignored.
	MinThreshold float64
	// MaxThreshold filters implausibly large single-cycle drops: drops at
	// or above it are treated as anomalies and ignored.
	MaxThreshold float64
	// Window is the rolling span over which deltas are summed.
	Window time.Duration
}

const (
	defaultMinThreshold = 0.0001
	defaultMaxThreshold = 0.9
	defaultWindow       = 7 * 24 * time.Hour
)

func (o Options) withDefaults() Options {
	if o.MinThreshold <= 0 {
		o.MinThreshold = defaultMinThreshold
	}
	if o.MaxThreshold <= 0 {
		o.MaxThreshold = defaultMaxThreshold
	}
	if o.Window <= 0 {
		o.Window = defaultWindow
	}
	return o
}

// Tracker infers incremental consumption from successive quota snapshots.
// The API only exposes the current remaining fraction per model, so usage is
// estimated from drops between consecutive observations and accumulated in a
// persistent rolling-window history.
type Tracker struct {
	store  Store
	opts   Options
	logger *zap.Logger

	// now is injectable for deterministic window tests.
	now func() time.Time
}

func New(store Store, opts Options, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  store,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// RecordSnapshots runs one tracking cycle: compare each finite snapshot
// against the persisted baseline, accumulate in-threshold drops into a single
// history entry, prune the rolling window, persist, and return the window
// total. The baseline is updated for every finite model whether or not its
// drop was recorded, so a reset (fraction jumping back up) never contributes
// negative usage.
func (t *Tracker) RecordSnapshots(ctx context.Context, snapshots []QuotaSnapshot) (float64, error) {
	last, err := t.loadLastState(ctx)
	if err != nil {
		return 0, err
	}
	history, err := t.loadHistory(ctx)
	if err != nil {
		return 0, err
	}

	now := t.now()
	totalDelta := 0.0
	for _, s := range snapshots {
		if s.ResetAt == nil {
			continue
		}
		if prev, ok := last[s.Label]; ok && s.RemainingFraction < prev {
			diff := prev - s.RemainingFraction
			if diff > t.opts.MinThreshold && diff < t.opts.MaxThreshold {
				totalDelta += diff
			} else {
				t.logger.Debug("quota drop outside thresholds, skipping",
					zap.String("model", s.Label), zap.Float64("diff", diff))
			}
		}
		last[s.Label] = s.RemainingFraction
	}

	if totalDelta > 0 {
		history = append(history, HistoryEntry{Timestamp: now, Delta: totalDelta})
	}
	history = pruneHistory(history, now, t.opts.Window)

	if err := t.persist(ctx, last, history); err != nil {
		return 0, err
	}
	return windowSum(history), nil
}

// WindowTotal returns the rolling-window sum from persisted history without
// recording anything. Entries outside the window are excluded from the sum
// but left in place; pruning only persists on RecordSnapshots.
func (t *Tracker) WindowTotal(ctx context.Context) (float64, error) {
	history, err := t.loadHistory(ctx)
	if err != nil {
		return 0, err
	}
	return windowSum(pruneHistory(history, t.now(), t.opts.Window)), nil
}

// History returns the persisted entries inside the rolling window, oldest
// first.
func (t *Tracker) History(ctx context.Context) ([]HistoryEntry, error) {
	history, err := t.loadHistory(ctx)
	if err != nil {
		return nil, err
	}
	return pruneHistory(history, t.now(), t.opts.Window), nil
}

func (t *Tracker) loadLastState(ctx context.Context) (map[string]float64, error) {
	data, err := t.store.Get(ctx, lastStateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: load last quota state: %w", ErrPersistence, err)
	}
	state := map[string]float64{}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		// Corrupt state self-heals: start from an empty baseline rather
		// than blocking every future cycle.
		t.logger.Warn("corrupt last quota state, resetting baseline", zap.Error(err))
		return map[string]float64{}, nil
	}
	return state, nil
}

func (t *Tracker) loadHistory(ctx context.Context) ([]HistoryEntry, error) {
	data, err := t.store.Get(ctx, historyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: load usage history: %w", ErrPersistence, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var history []HistoryEntry
	if err := json.Unmarshal(data, &history); err != nil {
		t.logger.Warn("corrupt usage history, resetting", zap.Error(err))
		return nil, nil
	}
	return history, nil
}

func (t *Tracker) persist(ctx context.Context, last map[string]float64, history []HistoryEntry) error {
	stateData, err := json.Marshal(last)
	if err != nil {
		return fmt.Errorf("%w: encode last quota state: %w", ErrPersistence, err)
	}
	historyData, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("%w: encode usage history: %w", ErrPersistence, err)
	}
	// Baseline first: if the history write then fails, the already-updated
	// baseline only suppresses the next delta, it can never double-count
	// the same drop.
	if err := t.store.Update(ctx, lastStateKey, stateData); err != nil {
		return fmt.Errorf("%w: write last quota state: %w", ErrPersistence, err)
	}
	if err := t.store.Update(ctx, historyKey, historyData); err != nil {
		return fmt.Errorf("%w: write usage history: %w", ErrPersistence, err)
	}
	return nil
}

func pruneHistory(history []HistoryEntry, now time.Time, window time.Duration) []HistoryEntry {
	kept := history[:0:0]
	for _, e := range history {
		if now.Sub(e.Timestamp) < window {
			kept = append(kept, e)
		}
	}
	return kept
}

func windowSum(history []HistoryEntry) float64 {
	total := 0.0
	for _, e := range history {
		total += e.Delta
	}
	return total
}
