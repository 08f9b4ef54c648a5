package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/eugener/switchyard/internal"
)

const userColumns = `id, name, role, enabled, limit_5h_usd, limit_weekly_usd,
 limit_monthly_usd, limit_total_usd, billing_cycle_start, balance_usd,
 balance_policy, provider_group, expires_at, created_at, updated_at`

// CreateUser inserts a new user account.
func (s *Store) CreateUser(ctx context.Context, u *relay.User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (id, name, role, enabled, limit_5h_usd, limit_weekly_usd,
		 limit_monthly_usd, limit_total_usd, billing_cycle_start, balance_usd,
		 balance_policy, provider_group, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, roleOrDefault(u.Role), boolToInt(u.Enabled),
		u.Limit5hUSD, u.LimitWeeklyUSD, u.LimitMonthlyUSD, u.LimitTotalUSD,
		timeToStr(u.BillingCycleStart), u.BalanceUSD,
		policyOrDefault(u.BalancePolicy), u.ProviderGroup,
		timeToStr(u.ExpiresAt), fmtTime(u.CreatedAt), fmtTime(u.UpdatedAt),
	)
	return err
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*relay.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// ListUsers returns users ordered by creation time.
func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]*relay.User, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*relay.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser updates a user account. The balance column is owned by the
// ledger and is deliberately not written here.
func (s *Store) UpdateUser(ctx context.Context, u *relay.User) error {
	u.UpdatedAt = time.Now().UTC()
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET name=?, role=?, enabled=?, limit_5h_usd=?,
		 limit_weekly_usd=?, limit_monthly_usd=?, limit_total_usd=?,
		 billing_cycle_start=?, balance_policy=?, provider_group=?,
		 expires_at=?, updated_at=? WHERE id=?`,
		u.Name, roleOrDefault(u.Role), boolToInt(u.Enabled),
		u.Limit5hUSD, u.LimitWeeklyUSD, u.LimitMonthlyUSD, u.LimitTotalUSD,
		timeToStr(u.BillingCycleStart), policyOrDefault(u.BalancePolicy),
		u.ProviderGroup, timeToStr(u.ExpiresAt), fmtTime(u.UpdatedAt), u.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// DeleteUser removes a user account.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

func roleOrDefault(role string) string {
	if role == "" {
		return relay.RoleUser
	}
	return role
}

func policyOrDefault(p relay.BalancePolicy) string {
	if p == "" {
		return string(relay.BalanceAfterQuota)
	}
	return string(p)
}

func scanUser(sc scanner) (*relay.User, error) {
	var u relay.User
	var enabled int
	var billingCycleStart, expiresAt sql.NullString
	var policy string
	var createdAt, updatedAt string

	err := sc.Scan(
		&u.ID, &u.Name, &u.Role, &enabled,
		&u.Limit5hUSD, &u.LimitWeeklyUSD, &u.LimitMonthlyUSD, &u.LimitTotalUSD,
		&billingCycleStart, &u.BalanceUSD, &policy, &u.ProviderGroup,
		&expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	u.Enabled = enabled != 0
	u.BalancePolicy = relay.BalancePolicy(policy)
	u.BillingCycleStart = parseTime(billingCycleStart)
	u.ExpiresAt = parseTime(expiresAt)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		u.CreatedAt = *t
	}
	if t := parseTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		u.UpdatedAt = *t
	}
	return &u, nil
}
