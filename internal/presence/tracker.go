// Package presence derives online/offline state from per-user activity
// timestamps. A user is online while their last recorded activity is within
// the freshness window; there is no heartbeat and no active eviction, the
// approximation accepts staleness up to the window.
//
// Redis serves the hot read path; every touch also writes through to the
// durable store so "last seen" survives a cache flush. A Redis outage
// degrades reads to the durable store and is never fatal.
package presence

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// FreshnessWindow is how long after the last activity a user still
	// counts as online.
	FreshnessWindow = 5 * time.Minute

	// KeyPrefix is the Redis key prefix for last-activity entries.
	KeyPrefix = "presence:last:"

	// cacheTTL bounds how long stale entries linger in Redis.
	cacheTTL = 24 * time.Hour
)

// touchLua advances the cached timestamp only when the new value is newer,
// so out-of-order connect/disconnect signals cannot move last-activity
// backwards.
const touchLua = `
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then return 0 end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return 1
`

// ActivityStore is the durable backing for last-activity timestamps,
// implemented by the message store.
type ActivityStore interface {
	TouchLastActivity(ctx context.Context, userID int64, at time.Time) error
	LastActivity(ctx context.Context, userID int64) (time.Time, error)
}

// Tracker records and reads user activity.
type Tracker struct {
	durable     ActivityStore
	rdb         *redis.Client // nil disables the cache path
	touchScript *redis.Script
	now         func() time.Time
}

// NewTracker creates a Tracker over the durable store with an optional Redis
// hot path. Pass a nil client to run durable-only.
func NewTracker(durable ActivityStore, rdb *redis.Client) *Tracker {
	return &Tracker{
		durable:     durable,
		rdb:         rdb,
		touchScript: redis.NewScript(touchLua),
		now:         time.Now,
	}
}

// Touch records activity for the user at the given instant. Touches are
// monotonic in both stores: a timestamp older than the recorded one is a
// no-op. The durable write decides success; the cache write is best effort.
func (t *Tracker) Touch(ctx context.Context, userID int64, at time.Time) error {
	if err := t.durable.TouchLastActivity(ctx, userID, at); err != nil {
		return err
	}

	if t.rdb != nil {
		key := KeyPrefix + strconv.FormatInt(userID, 10)
		err := t.touchScript.Run(ctx, t.rdb, []string{key},
			at.UnixMilli(), int(cacheTTL.Seconds())).Err()
		if err != nil {
			log.Printf("presence: cache touch user=%d failed: %v", userID, err)
		}
	}
	return nil
}

// LastSeen returns the user's last recorded activity. The zero time means no
// activity was ever recorded.
func (t *Tracker) LastSeen(ctx context.Context, userID int64) (time.Time, error) {
	if t.rdb != nil {
		key := KeyPrefix + strconv.FormatInt(userID, 10)
		val, err := t.rdb.Get(ctx, key).Result()
		if err == nil {
			ms, perr := strconv.ParseInt(val, 10, 64)
			if perr == nil {
				return time.UnixMilli(ms), nil
			}
			log.Printf("presence: bad cache entry user=%d value=%q", userID, val)
		} else if err != redis.Nil {
			log.Printf("presence: cache read user=%d failed: %v (falling back)", userID, err)
		}
	}
	return t.durable.LastActivity(ctx, userID)
}

// IsOnline reports whether the user's last activity falls inside the
// freshness window.
func (t *Tracker) IsOnline(ctx context.Context, userID int64) (bool, error) {
	last, err := t.LastSeen(ctx, userID)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return false, nil
	}
	return t.now().Sub(last) < FreshnessWindow, nil
}
