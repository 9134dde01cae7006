package valkey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
)

// DefaultConnectTimeout is the maximum time to wait for the initial ping.
const DefaultConnectTimeout = 5 * time.Second

// Config holds the configuration for creating a Store.
type Config struct {
	Address        string
	Password       string
	DB             int
	KeyPrefix      string
	ConnectTimeout time.Duration
}

// Store is a key-value store backed by Valkey (or any Redis-compatible server).
type Store struct {
	inner     valkeylib.Client
	keyPrefix string
}

// NewStore connects to Valkey and verifies the connection with a ping.
// The caller is responsible for calling Close.
func NewStore(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("valkey: address must not be empty")
	}
	opts := valkeylib.ClientOption{
		InitAddress:  []string{cfg.Address},
		SelectDB:     cfg.DB,
		DisableCache: true,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("valkey: create client: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("valkey: ping (timeout: %v): %w", timeout, err)
	}

	return &Store{inner: inner, keyPrefix: normalizePrefix(cfg.KeyPrefix)}, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return prefix
}

func (s *Store) fullKey(key string) string {
	return s.keyPrefix + key
}

// Get returns the value stored at key; found is false on a nil reply.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cmd := s.inner.B().Get().Key(s.fullKey(key)).Build()
	data, err := s.inner.Do(ctx, cmd).AsBytes()
	if err != nil {
		if valkeylib.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("valkey: get %q: %w", key, err)
	}
	return data, true, nil
}

// Set stores value at key, expiring after ttl when ttl is at least one second.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	set := s.inner.B().Set().Key(s.fullKey(key)).Value(string(value))
	var err error
	if ttl >= time.Second {
		err = s.inner.Do(ctx, set.Ex(ttl).Build()).Error()
	} else {
		err = s.inner.Do(ctx, set.Build()).Error()
	}
	if err != nil {
		return fmt.Errorf("valkey: set %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() {
	if s.inner != nil {
		s.inner.Close()
	}
}
