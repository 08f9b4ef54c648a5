package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/eugener/switchyard/internal"
)

const keyColumns = `id, user_id, name, key_hash, key_hash_prefix, key_display,
 scope, owner_key_id, limit_5h_usd, limit_weekly_usd, limit_monthly_usd,
 daily_limit_usd, rpm, limit_concurrent_sessions, enabled, expires_at,
 last_used_at, created_at, updated_at`

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *relay.APIKey) error {
	now := time.Now().UTC()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.UpdatedAt = now
	if key.Scope == "" {
		key.Scope = relay.ScopeOwner
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_hash_prefix,
		 key_display, scope, owner_key_id, limit_5h_usd, limit_weekly_usd,
		 limit_monthly_usd, daily_limit_usd, rpm, limit_concurrent_sessions,
		 enabled, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyHashPrefix,
		key.KeyDisplay, string(key.Scope), nullStr(key.OwnerKeyID),
		key.Limit5hUSD, key.LimitWeeklyUSD, key.LimitMonthlyUSD,
		key.DailyLimitUSD, key.RPM, key.LimitConcurrentSessions,
		boolToInt(key.Enabled), timeToStr(key.ExpiresAt),
		fmtTime(key.CreatedAt), fmtTime(key.UpdatedAt),
	)
	return err
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*relay.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// GetKeysByHashPrefix returns the candidate keys sharing an indexed hash
// prefix. The caller resolves the match with a constant-time comparison of
// the full hash.
func (s *Store) GetKeysByHashPrefix(ctx context.Context, prefix string) ([]*relay.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash_prefix = ?`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*relay.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListKeys returns API keys belonging to a user.
func (s *Store) ListKeys(ctx context.Context, userID string, offset, limit int) ([]*relay.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE user_id = ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*relay.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates an existing API key. The hash columns are immutable.
func (s *Store) UpdateKey(ctx context.Context, key *relay.APIKey) error {
	key.UpdatedAt = time.Now().UTC()
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET name=?, scope=?, owner_key_id=?, limit_5h_usd=?,
		 limit_weekly_usd=?, limit_monthly_usd=?, daily_limit_usd=?, rpm=?,
		 limit_concurrent_sessions=?, enabled=?, expires_at=?, updated_at=?
		 WHERE id=?`,
		key.Name, string(key.Scope), nullStr(key.OwnerKeyID),
		key.Limit5hUSD, key.LimitWeeklyUSD, key.LimitMonthlyUSD,
		key.DailyLimitUSD, key.RPM, key.LimitConcurrentSessions,
		boolToInt(key.Enabled), timeToStr(key.ExpiresAt),
		fmtTime(key.UpdatedAt), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		fmtTime(time.Now()), id,
	)
	return err
}

func scanKey(sc scanner) (*relay.APIKey, error) {
	var k relay.APIKey
	var scope string
	var ownerKeyID, expiresAt, lastUsedAt sql.NullString
	var enabled int
	var createdAt, updatedAt string

	err := sc.Scan(
		&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyHashPrefix, &k.KeyDisplay,
		&scope, &ownerKeyID, &k.Limit5hUSD, &k.LimitWeeklyUSD,
		&k.LimitMonthlyUSD, &k.DailyLimitUSD, &k.RPM,
		&k.LimitConcurrentSessions, &enabled, &expiresAt, &lastUsedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Scope = relay.KeyScope(scope)
	k.OwnerKeyID = ownerKeyID.String
	k.Enabled = enabled != 0
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		k.CreatedAt = *t
	}
	if t := parseTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		k.UpdatedAt = *t
	}
	return &k, nil
}
