// Package quota enforces per-agent post and byte allowances over rolling
// hourly and daily windows.
package quota

import (
	"fmt"
	"time"

	"github.com/gftdcojp/agentchan/internal/types"
)

const (
	dayWindow  = 24 * time.Hour
	hourWindow = time.Hour
)

// Store is the slice of a write transaction the ledger needs.
type Store interface {
	Quota(agentID string) (*types.AgentQuota, error)
	PutQuota(q *types.AgentQuota) error
}

// ResetStore iterates every quota row, writing back rows fn changed.
type ResetStore interface {
	ForEachQuota(fn func(q *types.AgentQuota) (bool, error)) error
}

// Limits are the defaults applied to a quota row when it is created.
type Limits struct {
	PostsPerHour int
	PostsPerDay  int
	BytesPerDay  int64
}

type Ledger struct {
	limits Limits
}

func NewLedger(limits Limits) *Ledger {
	return &Ledger{limits: limits}
}

// Charge records one post of size bytes against agentID. It must run
// inside the post's write transaction so concurrent posts by the same
// agent are serialized. A denied charge writes nothing and returns a
// RateLimited error. A size that could never fit the daily allowance is a
// ValidationFailed error instead, since no retry would succeed.
func (l *Ledger) Charge(qs Store, agentID string, bytes int64, now time.Time) (*types.AgentQuota, error) {
	if bytes < 0 {
		return nil, types.Validation("negative post size %d", bytes)
	}
	q, err := qs.Quota(agentID)
	if err != nil {
		return nil, fmt.Errorf("loading quota for %s: %w", agentID, err)
	}
	if q == nil {
		q = l.fresh(agentID, now)
	}
	l.roll(q, now)

	switch {
	case bytes > q.BytesLimit:
		return nil, types.Validation("post of %d bytes exceeds the daily allowance of %d", bytes, q.BytesLimit)
	case q.PostsToday+1 > q.PostsLimit:
		return nil, types.RateLimited(types.QuotaPostsDay, q.ResetAt.Sub(now))
	case q.PostsHour+1 > q.HourLimit:
		return nil, types.RateLimited(types.QuotaPostsHour, q.HourResetAt.Sub(now))
	case q.BytesToday+bytes > q.BytesLimit:
		return nil, types.RateLimited(types.QuotaBytesDay, q.ResetAt.Sub(now))
	}

	q.PostsToday++
	q.PostsHour++
	q.BytesToday += bytes
	if err := qs.PutQuota(q); err != nil {
		return nil, fmt.Errorf("saving quota for %s: %w", agentID, err)
	}
	return q, nil
}

// ResetExpired zeroes the counters of every window that has ended and
// returns how many rows changed.
func (l *Ledger) ResetExpired(rs ResetStore, now time.Time) (int, error) {
	var n int
	err := rs.ForEachQuota(func(q *types.AgentQuota) (bool, error) {
		if l.roll(q, now) {
			n++
			return true, nil
		}
		return false, nil
	})
	return n, err
}

func (l *Ledger) fresh(agentID string, now time.Time) *types.AgentQuota {
	return &types.AgentQuota{
		AgentID:     agentID,
		PostsLimit:  l.limits.PostsPerDay,
		HourLimit:   l.limits.PostsPerHour,
		BytesLimit:  l.limits.BytesPerDay,
		ResetAt:     now.Add(dayWindow),
		HourResetAt: now.Add(hourWindow),
	}
}

// roll applies lazy window resets and fills limits missing from rows
// written before they were configured.
func (l *Ledger) roll(q *types.AgentQuota, now time.Time) bool {
	changed := false
	if q.PostsLimit == 0 {
		q.PostsLimit = l.limits.PostsPerDay
		changed = true
	}
	if q.HourLimit == 0 {
		q.HourLimit = l.limits.PostsPerHour
		changed = true
	}
	if q.BytesLimit == 0 {
		q.BytesLimit = l.limits.BytesPerDay
		changed = true
	}
	if !now.Before(q.ResetAt) {
		q.PostsToday = 0
		q.BytesToday = 0
		q.ResetAt = now.Add(dayWindow)
		changed = true
	}
	if !now.Before(q.HourResetAt) {
		q.PostsHour = 0
		q.HourResetAt = now.Add(hourWindow)
		changed = true
	}
	return changed
}
