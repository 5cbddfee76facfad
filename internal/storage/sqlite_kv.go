package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// sqliteKV implements coord.KV on the kv table. Expiry is stored as unix
// milliseconds; 0 means no expiry. Every statement is a single atomic upsert,
// update or delete, so processes sharing the file cannot both win a lease.
type sqliteKV struct {
	db  *sql.DB
	now func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
}

func (kv *sqliteKV) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return kv.now().Add(ttl).UnixMilli()
}

func (kv *sqliteKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := kv.now().UnixMilli()
	res, err := kv.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, hash, expires_at) VALUES(?,?,NULL,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, hash=NULL, expires_at=excluded.expires_at
		 WHERE kv.expires_at > 0 AND kv.expires_at <= ?`,
		key, value, kv.expiry(ttl), now,
	)
	if err != nil {
		return false, err
	}
	kv.maybePrune()
	return affected(res)
}

func (kv *sqliteKV) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := kv.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND hash IS NULL AND (expires_at = 0 OR expires_at > ?)`,
		key, kv.now().UnixMilli(),
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (kv *sqliteKV) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := kv.db.ExecContext(ctx,
		`UPDATE kv SET expires_at = ?
		 WHERE key = ? AND value = ? AND hash IS NULL AND (expires_at = 0 OR expires_at > ?)`,
		kv.expiry(ttl), key, value, kv.now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (kv *sqliteKV) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	res, err := kv.db.ExecContext(ctx,
		`DELETE FROM kv
		 WHERE key = ? AND value = ? AND hash IS NULL AND (expires_at = 0 OR expires_at > ?)`,
		key, value, kv.now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (kv *sqliteKV) Delete(ctx context.Context, key string) error {
	_, err := kv.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (kv *sqliteKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := kv.db.QueryContext(ctx,
		`SELECT key FROM kv
		 WHERE substr(key, 1, ?) = ? AND (expires_at = 0 OR expires_at > ?)
		 ORDER BY key`,
		len(prefix), prefix, kv.now().UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (kv *sqliteKV) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = kv.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, hash, expires_at) VALUES(?, '', ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value='', hash=excluded.hash, expires_at=excluded.expires_at`,
		key, string(b), kv.expiry(ttl),
	)
	return err
}

func (kv *sqliteKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var raw sql.NullString
	err := kv.db.QueryRowContext(ctx,
		`SELECT hash FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, kv.now().UnixMilli(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !raw.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, fmt.Errorf("decode hash %s: %w", key, err)
	}
	return out, nil
}

func (kv *sqliteKV) maybePrune() {
	if kv.pruneEvery == 0 || kv.opCount.Add(1)%kv.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _ = kv.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`, kv.now().UnixMilli())
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
