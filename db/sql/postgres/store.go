package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/adeilh/tagcache/cache"
)

var (
	_ cache.Client = (*Store)(nil)
	_ cache.Admin  = (*Store)(nil)
)

// ErrWrongType is returned for set commands on value keys and value reads
// of set keys.
var ErrWrongType = errors.New("postgres: operation against a key holding the wrong kind of value")

const (
	kindValue = 1
	kindSet   = 2
)

// live filters out keys whose expiration has passed. Expired rows stay in
// the table until the next write to the same key or a Purge.
const live = `(expires_at IS NULL OR expires_at > now())`

// querier is implemented by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements cache.Client on two PostgreSQL tables, see Schema.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open connection. The schema must already exist.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// inTx runs fn in its own transaction so multi-statement commands stay
// atomic when called outside Multi.
func (s *Store) inTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return translate(err)
	}
	return translate(tx.Commit())
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		kind  int
		value []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, value FROM tagcache_keys WHERE key = $1 AND `+live, key,
	).Scan(&kind, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	if kind != kindValue {
		return nil, ErrWrongType
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.inTx(ctx, func(q querier) error { return setValue(ctx, q, key, value, ttl) })
}

func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := deleteKeys(ctx, s.db, keys)
	return n, translate(err)
}

func (s *Store) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM tagcache_keys WHERE key = ANY($1) AND kind = $2 AND `+live,
		pq.Array(keys), kindValue,
	)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	found := make(map[string][]byte, len(keys))
	for rows.Next() {
		var (
			k string
			v []byte
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, translate(err)
		}
		if v == nil {
			v = []byte{}
		}
		found[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}

	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = found[k]
	}
	return out, nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	var n int64
	err := s.inTx(ctx, func(q querier) (err error) {
		n, err = addMembers(ctx, q, key, members)
		return err
	})
	return n, err
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	kind, err := kindOf(ctx, s.db, key)
	if err != nil || kind == 0 {
		return nil, translate(err)
	}
	if kind != kindSet {
		return nil, ErrWrongType
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM tagcache_members WHERE key = $1 ORDER BY member`, key)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, translate(err)
		}
		members = append(members, m)
	}
	return members, translate(rows.Err())
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	var n int64
	err := s.inTx(ctx, func(q querier) (err error) {
		n, err = removeMembers(ctx, q, key, members)
		return err
	})
	return n, err
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM tagcache_keys WHERE key = ANY($1) AND `+live, pq.Array(keys),
	).Scan(&n)
	return n, translate(err)
}

func (s *Store) TTL(ctx context.Context, key string) (cache.Expiration, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT CAST(floor(EXTRACT(EPOCH FROM (expires_at - now())) * 1000) AS BIGINT)
		 FROM tagcache_keys WHERE key = $1 AND `+live, key,
	).Scan(&ms)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return cache.NoKey(), nil
	case err != nil:
		return cache.NoKey(), translate(err)
	case !ms.Valid:
		return cache.NoExpiry(), nil
	default:
		return cache.ExpiresIn(time.Duration(ms.Int64) * time.Millisecond), nil
	}
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("postgres: non-positive ttl %s", ttl)
	}
	ok, err := expire(ctx, s.db, key, ttl)
	return ok, translate(err)
}

func (s *Store) Persist(ctx context.Context, key string) (bool, error) {
	ok, err := persist(ctx, s.db, key)
	return ok, translate(err)
}

// GetSet swaps the value under a row lock, keeping expires_at.
func (s *Store) GetSet(ctx context.Context, key string, value []byte) ([]byte, error) {
	if value == nil {
		value = []byte{}
	}
	var prev []byte
	err := s.inTx(ctx, func(q querier) error {
		var kind int
		err := q.QueryRowContext(ctx,
			`SELECT kind, value FROM tagcache_keys WHERE key = $1 AND `+live+` FOR UPDATE`, key,
		).Scan(&kind, &prev)
		if errors.Is(err, sql.ErrNoRows) {
			return cache.ErrNotFound
		}
		if err != nil {
			return err
		}
		if kind != kindValue {
			return ErrWrongType
		}
		_, err = q.ExecContext(ctx, `UPDATE tagcache_keys SET value = $2 WHERE key = $1`, key, value)
		return err
	})
	if err != nil {
		return nil, err
	}
	if prev == nil {
		prev = []byte{}
	}
	return prev, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return translate(s.db.PingContext(ctx))
}

// Keys matches live keys against a glob pattern with * and ? wildcards.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM tagcache_keys WHERE key LIKE $1 ESCAPE '\' AND `+live+` ORDER BY key`,
		globToLike(pattern),
	)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, translate(err)
		}
		keys = append(keys, k)
	}
	return keys, translate(rows.Err())
}

func (s *Store) DBSize(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM tagcache_keys WHERE `+live).Scan(&n)
	return n, translate(err)
}

// FlushDB removes every key. PostgreSQL has a single keyspace, so it is the
// same as FlushAll.
func (s *Store) FlushDB(ctx context.Context) error {
	return s.FlushAll(ctx)
}

func (s *Store) FlushAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE tagcache_members, tagcache_keys`)
	return translate(err)
}

// Purge deletes expired rows and reports how many keys were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tagcache_keys WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, translate(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func purgeKey(ctx context.Context, q querier, key string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM tagcache_keys WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= now()`, key)
	return err
}

func kindOf(ctx context.Context, q querier, key string) (int, error) {
	var kind int
	err := q.QueryRowContext(ctx,
		`SELECT kind FROM tagcache_keys WHERE key = $1 AND `+live, key).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return kind, err
}

func setValue(ctx context.Context, q querier, key string, value []byte, ttl time.Duration) error {
	if value == nil {
		value = []byte{}
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM tagcache_members WHERE key = $1`, key); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO tagcache_keys (key, kind, value, expires_at)
		 VALUES ($1, $2, $3, CASE WHEN $4::BIGINT > 0 THEN now() + $4::BIGINT * INTERVAL '1 millisecond' END)
		 ON CONFLICT (key) DO UPDATE
		 SET kind = EXCLUDED.kind, value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, kindValue, value, millis(ttl),
	)
	return err
}

func deleteKeys(ctx context.Context, q querier, keys []string) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx,
		`WITH gone AS (DELETE FROM tagcache_keys WHERE key = ANY($1) RETURNING expires_at)
		 SELECT count(*) FROM gone WHERE `+live, pq.Array(keys),
	).Scan(&n)
	return n, err
}

func addMembers(ctx context.Context, q querier, key string, members []string) (int64, error) {
	if err := purgeKey(ctx, q, key); err != nil {
		return 0, err
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO tagcache_keys (key, kind) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		key, kindSet,
	); err != nil {
		return 0, err
	}

	var kind int
	if err := q.QueryRowContext(ctx,
		`SELECT kind FROM tagcache_keys WHERE key = $1 FOR UPDATE`, key,
	).Scan(&kind); err != nil {
		return 0, err
	}
	if kind != kindSet {
		return 0, ErrWrongType
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO tagcache_members (key, member)
		 SELECT $1, m FROM unnest($2::TEXT[]) AS m
		 ON CONFLICT DO NOTHING`,
		key, pq.Array(members),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func removeMembers(ctx context.Context, q querier, key string, members []string) (int64, error) {
	kind, err := kindOf(ctx, q, key)
	if err != nil || kind == 0 {
		return 0, err
	}
	if kind != kindSet {
		return 0, ErrWrongType
	}

	res, err := q.ExecContext(ctx,
		`DELETE FROM tagcache_members WHERE key = $1 AND member = ANY($2)`, key, pq.Array(members))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	_, err = q.ExecContext(ctx,
		`DELETE FROM tagcache_keys WHERE key = $1 AND kind = $2
		 AND NOT EXISTS (SELECT 1 FROM tagcache_members WHERE key = $1)`, key, kindSet)
	return n, err
}

func expire(ctx context.Context, q querier, key string, ttl time.Duration) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE tagcache_keys SET expires_at = now() + $2::BIGINT * INTERVAL '1 millisecond'
		 WHERE key = $1 AND `+live, key, millis(ttl))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func persist(ctx context.Context, q querier, key string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE tagcache_keys SET expires_at = NULL
		 WHERE key = $1 AND expires_at IS NOT NULL AND expires_at > now()`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// millis rounds positive lifetimes up to at least one millisecond.
func millis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

// globToLike turns a Redis style glob into a LIKE pattern escaped with a
// backslash.
func globToLike(pattern string) string {
	var b strings.Builder
	escaped := false
	for _, r := range pattern {
		if escaped {
			if r == '%' || r == '_' || r == '\\' {
				b.WriteRune('\\')
			}
			b.WriteRune(r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '*':
			b.WriteRune('%')
		case '?':
			b.WriteRune('_')
		case '%', '_':
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// translate sorts driver failures: server errors and ErrWrongType come back
// as they are, everything else means the database could not be reached.
func translate(err error) error {
	if err == nil || errors.Is(err, ErrWrongType) || errors.Is(err, cache.ErrNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, cache.ErrUnavailable) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("postgres: %s: %w", pqErr.Code.Name(), err)
	}
	if errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %w", cache.ErrTxAborted, err)
	}
	return fmt.Errorf("%w: postgres: %w", cache.ErrUnavailable, err)
}
