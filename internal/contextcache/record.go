package contextcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"course-tutor/internal/domain"
)

const keySuffix = "active_cache_info"

// record is the JSON shape persisted in the external store.
type record struct {
	Name   string `json:"name"`
	Expiry int64  `json:"expiry"`
}

// Key returns the store key holding the cache record for scope.
func Key(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return keySuffix
	}
	return scope + "_" + keySuffix
}

func encodeRecord(h domain.CacheHandle) ([]byte, error) {
	return json.Marshal(record{Name: h.ID, Expiry: h.ExpiresAtMs})
}

// decodeRecord accepts the record either as a JSON object or as a JSON string
// wrapping the object, as written by some REST key-value clients.
func decodeRecord(raw []byte) (domain.CacheHandle, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return domain.CacheHandle{}, errors.New("contextcache: empty record")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return domain.CacheHandle{}, fmt.Errorf("contextcache: decode string record: %w", err)
		}
		raw = []byte(strings.TrimSpace(inner))
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.CacheHandle{}, fmt.Errorf("contextcache: decode record: %w", err)
	}
	if rec.Name == "" {
		return domain.CacheHandle{}, errors.New("contextcache: record missing name")
	}
	return domain.CacheHandle{ID: rec.Name, ExpiresAtMs: rec.Expiry}, nil
}
