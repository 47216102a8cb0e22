// Package distlock provides best-effort mutual exclusion for the background
// loops. When several worker instances share one Redis and one database, only
// one of them should start due campaigns or promote scheduled sends per tick;
// the others skip the tick and try again next time.
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mutex is a non-blocking distributed lock. Acquire returns false when the
// lock is held elsewhere; it never waits.
type Mutex interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// New picks the backend: Redis when a client is available (TTL-based, works
// across hosts), otherwise a PostgreSQL advisory lock on the given DB.
func New(rdb *redis.Client, db *sql.DB, name string, ttl time.Duration) Mutex {
	if rdb != nil {
		return NewRedisMutex(rdb, name, ttl)
	}
	return NewAdvisoryMutex(db, name)
}

// Guard runs fn under the mutex. When the lock is held by another instance
// the tick is skipped silently; that is the normal case in a multi-worker
// deployment, not an error.
func Guard(ctx context.Context, m Mutex, name string, fn func(context.Context)) {
	held, err := m.Acquire(ctx)
	if err != nil {
		log.Printf("[DistLock] acquire %s: %v", name, err)
		return
	}
	if !held {
		return
	}
	defer func() {
		if err := m.Release(ctx); err != nil {
			log.Printf("[DistLock] release %s: %v", name, err)
		}
	}()
	fn(ctx)
}

// RedisMutex locks via SET NX with a TTL. The value is a random ownership
// token so an instance whose lock already expired cannot release a lock that
// another instance has since taken; release is a compare-and-delete Lua
// script for atomicity.
type RedisMutex struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// NewRedisMutex creates a Redis-backed mutex. The TTL bounds how long a
// crashed holder can block the others.
func NewRedisMutex(rdb *redis.Client, name string, ttl time.Duration) *RedisMutex {
	buf := make([]byte, 16)
	rand.Read(buf)
	return &RedisMutex{
		rdb:   rdb,
		key:   "dispatch:lock:" + name,
		token: hex.EncodeToString(buf),
		ttl:   ttl,
	}
}

func (m *RedisMutex) Acquire(ctx context.Context) (bool, error) {
	held, err := m.rdb.SetNX(ctx, m.key, m.token, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", m.key, err)
	}
	return held, nil
}

func (m *RedisMutex) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, m.rdb, []string{m.key}, m.token).Err()
}

// AdvisoryMutex locks via pg_try_advisory_lock. Advisory locks are
// session-scoped, so a crashed holder releases the lock when its connection
// drops, mirroring the Redis TTL behavior.
//
// The lock must be released on the same connection that acquired it, so the
// mutex pins one connection from the pool for the duration of the hold.
type AdvisoryMutex struct {
	db   *sql.DB
	id   int64
	conn *sql.Conn
}

// NewAdvisoryMutex creates a PostgreSQL-backed mutex. The advisory lock ID is
// an fnv-1a hash of the name, so all instances using the same name contend on
// the same lock.
func NewAdvisoryMutex(db *sql.DB, name string) *AdvisoryMutex {
	h := fnv.New64a()
	h.Write([]byte("dispatch:lock:" + name))
	return &AdvisoryMutex{db: db, id: int64(h.Sum64())}
}

func (m *AdvisoryMutex) Acquire(ctx context.Context) (bool, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var held bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", m.id).Scan(&held); err != nil {
		conn.Close()
		return false, err
	}
	if !held {
		conn.Close()
		return false, nil
	}
	m.conn = conn
	return true, nil
}

func (m *AdvisoryMutex) Release(ctx context.Context) error {
	if m.conn == nil {
		return nil
	}
	_, err := m.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", m.id)
	m.conn.Close()
	m.conn = nil
	return err
}
