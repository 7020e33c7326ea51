package conncache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ari/cascade-usage/internal/discover"
)

// Connection is a validated (port, token) pair: validity is proven by a
// successful authenticated probe, not merely by the port being open. A
// Connection is replaced wholesale on expiry, never mutated.
type Connection struct {
	Port          int
	Token         string
	EstablishedAt time.Time
}

// Prober validates that a candidate port answers an authenticated status
// request. *api.Client satisfies this.
type Prober interface {
	Probe(ctx context.Context, port int, token string) error
}

// ErrNoPorts means discovery succeeded but the language server holds no
// listening TCP sockets.
var ErrNoPorts = errors.New("language server has no listening ports")

// PortFailure is one candidate port's validation outcome.
type PortFailure struct {
	Port   int
	Reason error
}

// ValidationError reports that every discovered port failed the
// authenticated probe, with one entry per attempt.
type ValidationError struct {
	Failures []PortFailure
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all %d candidate ports failed validation:", len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n  port %d: %v", f.Port, f.Reason)
	}
	return b.String()
}

const defaultTTL = 5 * time.Minute

// Cache produces and reuses a validated connection to the language server.
// A cached entry is returned without any I/O while it is younger than the
// TTL; expiry triggers a fresh locate -> scan -> sequential validation pass.
// The TTL comparison uses the local wall clock with no skew correction,
// which is tolerated imprecision for a loopback-only service.
type Cache struct {
	platform discover.Platform
	prober   Prober
	ttl      time.Duration
	logger   *zap.Logger

	// now is injectable for TTL tests.
	now func() time.Time

	mu   sync.Mutex
	conn *Connection

	// group collapses concurrent rebuilds so at most one discovery chain
	// runs at a time.
	group singleflight.Group
}

func New(platform discover.Platform, prober Prober, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		platform: platform,
		prober:   prober,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns the cached connection when it is still fresh, otherwise runs
// the full discovery chain and caches the first port that validates.
func (c *Cache) Get(ctx context.Context) (Connection, error) {
	if conn, ok := c.cached(); ok {
		return conn, nil
	}
	v, err, _ := c.group.Do("establish", func() (any, error) {
		// A concurrent caller may have populated the cache while this
		// call waited on the flight group.
		if conn, ok := c.cached(); ok {
			return conn, nil
		}
		conn, err := c.establish(ctx)
		return conn, err
	})
	if err != nil {
		return Connection{}, err
	}
	return v.(Connection), nil
}

// Invalidate drops the cached connection so the next Get rediscovers.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Cache) cached() (Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.now().Sub(c.conn.EstablishedAt) < c.ttl {
		return *c.conn, true
	}
	return Connection{}, false
}

func (c *Cache) establish(ctx context.Context) (Connection, error) {
	handle, err := c.platform.LocateProcess(ctx)
	if err != nil {
		return Connection{}, err
	}
	c.logger.Debug("located language server", zap.Int("pid", handle.PID))

	ports, err := c.platform.ScanPorts(ctx, handle.PID)
	if err != nil {
		return Connection{}, err
	}
	if len(ports) == 0 {
		return Connection{}, ErrNoPorts
	}
	c.logger.Debug("scanned listening ports", zap.Ints("ports", ports))

	// Sequential validation: the first port that answers an authenticated
	// probe wins and the rest are never touched.
	var failures []PortFailure
	for _, port := range ports {
		if err := c.prober.Probe(ctx, port, handle.Token); err != nil {
			failures = append(failures, PortFailure{Port: port, Reason: err})
			continue
		}
		conn := Connection{Port: port, Token: handle.Token, EstablishedAt: c.now()}
		c.mu.Lock()
		c.conn = &conn
		c.mu.Unlock()
		c.logger.Info("validated language server connection", zap.Int("port", port))
		return conn, nil
	}
	return Connection{}, &ValidationError{Failures: failures}
}
