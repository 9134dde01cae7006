package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	profilesKeySuffix = "global_profiles"
	configKeySuffix   = "global_config"
)

// KVStore is the key-value surface used by the profile sync.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// SyncService keeps the course-wide student profile list and dashboard config
// in the key-value store. Writes are plain read-modify-write, last write wins.
//
// Profiles are stored as the dashboard sent them; only their "id" is
// interpreted.
type SyncService struct {
	store  KVStore
	scope  string
	logger *slog.Logger
}

// profileRef is the part of a stored profile the sync needs to match on.
type profileRef struct {
	ID json.RawMessage `json:"id"`
}

// key is the compact JSON form of the id, or "" when the id is absent, null
// or an empty string.
func (r profileRef) key() string {
	var buf bytes.Buffer
	if len(r.ID) == 0 || json.Compact(&buf, r.ID) != nil {
		return ""
	}
	k := buf.String()
	if k == "null" || k == `""` {
		return ""
	}
	return k
}

// NewSyncService creates a SyncService. store may be nil when no key-value
// store is configured: reads then return empty values and writes fail.
func NewSyncService(store KVStore, scope string, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SyncService{store: store, scope: strings.TrimSpace(scope), logger: logger}
}

func (s *SyncService) key(suffix string) string {
	if s.scope == "" {
		return suffix
	}
	return s.scope + "_" + suffix
}

// Profiles returns the stored profile list as a JSON array, or [] when the
// store is unavailable or holds something unreadable.
func (s *SyncService) Profiles(ctx context.Context) json.RawMessage {
	empty := json.RawMessage(`[]`)
	if s.store == nil {
		s.logger.Warn("profile store not configured")
		return empty
	}
	profiles, err := s.loadProfiles(ctx)
	if err != nil {
		s.logger.Error("profile read failed", "err", err)
		return empty
	}
	out, err := json.Marshal(profiles)
	if err != nil {
		s.logger.Error("profile encode failed", "err", err)
		return empty
	}
	return out
}

// Config returns the stored dashboard config, or {} when unavailable.
func (s *SyncService) Config(ctx context.Context) json.RawMessage {
	empty := json.RawMessage(`{}`)
	if s.store == nil {
		s.logger.Warn("config store not configured")
		return empty
	}
	raw, found, err := s.store.Get(ctx, s.key(configKeySuffix))
	if err != nil {
		s.logger.Error("config read failed", "err", err)
		return empty
	}
	if !found || !json.Valid(raw) {
		return empty
	}
	return json.RawMessage(raw)
}

// SaveConfig replaces the dashboard config.
func (s *SyncService) SaveConfig(ctx context.Context, data json.RawMessage) error {
	if s.store == nil {
		return newError(ErrorConfig, "db_disabled", nil)
	}
	if len(bytes.TrimSpace(data)) == 0 || !json.Valid(data) {
		return newError(ErrorInvalidInput, "invalid_config", nil)
	}
	if err := s.store.Set(ctx, s.key(configKeySuffix), data, 0); err != nil {
		return newError(ErrorInternal, "sync_error", err)
	}
	return nil
}

// SaveProfile inserts profile, or replaces the stored profile with the same
// id. profile is stored verbatim, and other profiles are left untouched.
func (s *SyncService) SaveProfile(ctx context.Context, profile json.RawMessage) error {
	profile = bytes.TrimSpace(profile)
	if len(profile) == 0 || string(profile) == "null" {
		return newError(ErrorInvalidInput, "missing_profile", nil)
	}
	var ref profileRef
	if err := json.Unmarshal(profile, &ref); err != nil {
		return newError(ErrorInvalidInput, "invalid_profile", fmt.Errorf("usecase: decode profile: %w", err))
	}
	if err := validateProfile(ctx, &ref); err != nil {
		return newError(ErrorInvalidInput, "invalid_profile", err)
	}
	if s.store == nil {
		return newError(ErrorConfig, "db_disabled", nil)
	}

	profiles, err := s.loadProfiles(ctx)
	if err != nil {
		return newError(ErrorInternal, "sync_error", err)
	}
	id := ref.key()
	replaced := false
	for i, stored := range profiles {
		var storedRef profileRef
		if json.Unmarshal(stored, &storedRef) == nil && storedRef.key() == id {
			profiles[i] = profile
			replaced = true
			break
		}
	}
	if !replaced {
		profiles = append(profiles, profile)
	}

	data, err := json.Marshal(profiles)
	if err != nil {
		return newError(ErrorInternal, "sync_error", fmt.Errorf("usecase: encode profiles: %w", err))
	}
	if err := s.store.Set(ctx, s.key(profilesKeySuffix), data, 0); err != nil {
		return newError(ErrorInternal, "sync_error", err)
	}
	return nil
}

func (s *SyncService) loadProfiles(ctx context.Context) ([]json.RawMessage, error) {
	raw, found, err := s.store.Get(ctx, s.key(profilesKeySuffix))
	if err != nil {
		return nil, err
	}
	profiles := []json.RawMessage{}
	if !found || len(bytes.TrimSpace(raw)) == 0 {
		return profiles, nil
	}
	if err := json.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("usecase: decode profiles: %w", err)
	}
	if profiles == nil {
		profiles = []json.RawMessage{}
	}
	return profiles, nil
}

func validateProfile(ctx context.Context, ref *profileRef) error {
	return validation.ValidateStructWithContext(ctx, ref,
		validation.Field(&ref.ID, validation.Required, validation.By(func(any) error {
			if ref.key() == "" {
				return errors.New("must not be null or empty")
			}
			return nil
		})),
	)
}
