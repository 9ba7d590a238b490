package output

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dedupKeyPrefix = "marketflow:result:"

	dedupPending   = "pending"
	dedupDelivered = "delivered"

	// DefaultDedupLease bounds how long an uncommitted claim blocks other
	// attempts at the same result.
	DefaultDedupLease = 30 * time.Second
	defaultDedupTTL   = 24 * time.Hour
)

// ErrReservationHeld is returned by Reserve while another attempt holds an
// uncommitted claim on the key.
var ErrReservationHeld = errors.New("dedup: reservation held by another attempt")

// RedisDeduper claims idempotency keys with SET NX and a lease, then marks
// them delivered for the TTL.
type RedisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
	lease  time.Duration
	owned  bool
}

// NewRedisDeduper uses client; the caller keeps ownership of it.
func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &RedisDeduper{client: client, ttl: ttl, lease: min(DefaultDedupLease, ttl)}
}

// DialRedisDeduper connects to addr and checks the connection with PING.
func DialRedisDeduper(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisDeduper, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dedup: redis ping %s: %w", addr, err)
	}
	d := NewRedisDeduper(client, ttl)
	d.owned = true
	return d, nil
}

func (d *RedisDeduper) Reserve(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("dedup: key cannot be empty")
	}
	status, err := d.client.SetArgs(ctx, dedupKeyPrefix+key, dedupPending, redis.SetArgs{Mode: "NX", TTL: d.lease}).Result()
	switch {
	case err == nil:
		return status == "OK", nil
	case !errors.Is(err, redis.Nil):
		return false, fmt.Errorf("dedup: redis SET NX: %w", err)
	}

	// NX not met comes back as a nil reply; look at who holds the key.
	state, err := d.client.Get(ctx, dedupKeyPrefix+key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Lease ran out in between. Let the caller retry.
		return false, ErrReservationHeld
	case err != nil:
		return false, fmt.Errorf("dedup: redis GET: %w", err)
	case state == dedupDelivered:
		return false, nil
	default:
		return false, ErrReservationHeld
	}
}

func (d *RedisDeduper) Commit(ctx context.Context, key string) error {
	if err := d.client.Set(ctx, dedupKeyPrefix+key, dedupDelivered, d.ttl).Err(); err != nil {
		return fmt.Errorf("dedup: redis SET: %w", err)
	}
	return nil
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, dedupKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("dedup: redis DEL: %w", err)
	}
	return nil
}

// Close closes the client when it was opened by DialRedisDeduper.
func (d *RedisDeduper) Close() error {
	if !d.owned {
		return nil
	}
	return d.client.Close()
}

type memoryClaim struct {
	until     time.Time
	delivered bool
}

// MemoryDeduper is a process-local Deduper for single-instance deployments
// and tests. Expired claims are swept on Reserve, at most once per lease.
type MemoryDeduper struct {
	mu        sync.Mutex
	ttl       time.Duration
	lease     time.Duration
	now       func() time.Time
	nextSweep time.Time
	claims    map[string]memoryClaim
}

// NewMemoryDeduper keeps delivered keys for ttl, or 24h when ttl is not
// positive.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &MemoryDeduper{
		ttl:    ttl,
		lease:  min(DefaultDedupLease, ttl),
		now:    time.Now,
		claims: make(map[string]memoryClaim),
	}
}

func (d *MemoryDeduper) Reserve(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweep(now)
	if c, ok := d.claims[key]; ok && now.Before(c.until) {
		if c.delivered {
			return false, nil
		}
		return false, ErrReservationHeld
	}
	d.claims[key] = memoryClaim{until: now.Add(d.lease)}
	return true, nil
}

func (d *MemoryDeduper) Commit(_ context.Context, key string) error {
	d.mu.Lock()
	d.claims[key] = memoryClaim{until: d.now().Add(d.ttl), delivered: true}
	d.mu.Unlock()
	return nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.claims, key)
	d.mu.Unlock()
	return nil
}

// Len reports how many claims are held, expired ones included until the next
// sweep.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.claims)
}

func (d *MemoryDeduper) sweep(now time.Time) {
	if now.Before(d.nextSweep) {
		return
	}
	for key, c := range d.claims {
		if !now.Before(c.until) {
			delete(d.claims, key)
		}
	}
	d.nextSweep = now.Add(d.lease)
}
