package contextcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"course-tutor/internal/domain"
)

// DefaultSafetyMargin is subtracted from a handle's expiry so that a handle is
// never used when it could expire mid-request.
const DefaultSafetyMargin = 60 * time.Second

// Store is the key-value surface the coordinator needs. A nil Store disables
// lookup and persistence.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ProvisionFunc materializes a new shared context on the generation backend.
type ProvisionFunc func(ctx context.Context) (domain.CacheHandle, error)

// Outcome describes how a Resolve call ended.
type Outcome int

const (
	// OutcomeHit means a valid handle was found in the store.
	OutcomeHit Outcome = iota
	// OutcomeProvisioned means a new handle was created during this call.
	OutcomeProvisioned
	// OutcomeFallback means no handle is available and callers must supply the full context.
	OutcomeFallback
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeProvisioned:
		return "provisioned"
	case OutcomeFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Resolution is the result of Resolve. Err is set only for OutcomeFallback and
// is informational.
type Resolution struct {
	Handle  domain.CacheHandle
	Outcome Outcome
	Err     error
}

// Fallback reports whether the caller has to use the non-cached path.
func (r Resolution) Fallback() bool {
	return r.Outcome == OutcomeFallback
}

// Coordinator owns the lifecycle of the shared cache handle: look it up, create
// it when absent or about to expire, persist it and signal fallback on failure.
type Coordinator struct {
	store        Store
	logger       *slog.Logger
	safetyMargin time.Duration
	now          func() time.Time
	group        *singleflight.Group
}

type Option func(*Coordinator)

func WithSafetyMargin(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.safetyMargin = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSingleFlight collapses concurrent provisioning for the same key inside
// this process. Other processes may still provision in parallel.
func WithSingleFlight() Option {
	return func(c *Coordinator) {
		c.group = &singleflight.Group{}
	}
}

// New creates a Coordinator. store may be nil when no key-value store is configured.
func New(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		safetyMargin: DefaultSafetyMargin,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns a usable handle for scope, provisioning one when needed.
// Store failures are logged and absorbed; provisioning failures become OutcomeFallback.
func (c *Coordinator) Resolve(ctx context.Context, scope string, provision ProvisionFunc) Resolution {
	key := Key(scope)

	if h, ok := c.lookup(ctx, key); ok {
		return Resolution{Handle: h, Outcome: OutcomeHit}
	}
	if provision == nil {
		return Resolution{Outcome: OutcomeFallback, Err: errors.New("contextcache: no provisioner")}
	}

	if c.group == nil {
		return c.provision(ctx, key, provision)
	}
	v, _, shared := c.group.Do(key, func() (any, error) {
		return c.provision(ctx, key, provision), nil
	})
	res := v.(Resolution)
	if shared {
		c.logger.Debug("shared in-flight cache provisioning", "key", key, "outcome", res.Outcome.String())
	}
	return res
}

func (c *Coordinator) lookup(ctx context.Context, key string) (domain.CacheHandle, bool) {
	if c.store == nil {
		return domain.CacheHandle{}, false
	}
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache record lookup failed", "key", key, "err", err)
		return domain.CacheHandle{}, false
	}
	if !found {
		return domain.CacheHandle{}, false
	}
	h, err := decodeRecord(raw)
	if err != nil {
		c.logger.Warn("cache record unreadable", "key", key, "err", err)
		return domain.CacheHandle{}, false
	}
	if !h.UsableAt(c.now(), c.safetyMargin) {
		c.logger.Debug("cache record expired or inside safety margin", "key", key, "expires_at", h.ExpiresAt())
		return domain.CacheHandle{}, false
	}
	return h, true
}

func (c *Coordinator) provision(ctx context.Context, key string, provision ProvisionFunc) Resolution {
	h, err := provision(ctx)
	if err == nil && h.ID == "" {
		err = errors.New("contextcache: provisioner returned an empty handle")
	}
	if err != nil {
		c.logger.Warn("cache provisioning failed, using full context", "key", key, "err", err)
		return Resolution{Outcome: OutcomeFallback, Err: fmt.Errorf("contextcache: provision: %w", err)}
	}
	c.logger.Info("provisioned shared context cache", "key", key, "cache", h.ID, "expires_at", h.ExpiresAt())

	if err := c.persist(ctx, key, h); err != nil {
		c.logger.Warn("cache record persist failed", "key", key, "err", err)
	}
	return Resolution{Handle: h, Outcome: OutcomeProvisioned}
}

func (c *Coordinator) persist(ctx context.Context, key string, h domain.CacheHandle) error {
	if c.store == nil {
		return nil
	}
	value, err := encodeRecord(h)
	if err != nil {
		return fmt.Errorf("contextcache: encode record: %w", err)
	}
	ttl := h.ExpiresAt().Sub(c.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("contextcache: persist: %w", err)
	}
	return nil
}
