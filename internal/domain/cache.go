package domain

import "time"

// CacheHandle references a remote cached context shared by every request of a scope.
type CacheHandle struct {
	ID          string
	ExpiresAtMs int64
}

// UsableAt reports whether the handle can still be used at now, keeping margin
// of headroom before the nominal expiry.
func (h CacheHandle) UsableAt(now time.Time, margin time.Duration) bool {
	if h.ID == "" {
		return false
	}
	return now.UnixMilli() < h.ExpiresAtMs-margin.Milliseconds()
}

// ExpiresAt returns the nominal expiry as a time.
func (h CacheHandle) ExpiresAt() time.Time {
	return time.UnixMilli(h.ExpiresAtMs)
}
