package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/storage"
)

const messageColumns = `id, user_id, key_hash, provider_id, session_id, model,
 original_model, status_code, input_tokens, output_tokens,
 cache_creation_input_tokens, cache_read_input_tokens, duration_ms, cost_usd,
 cost_multiplier, package_cost_usd, balance_cost_usd, payment_source,
 error_message, provider_chain, created_at, updated_at, deleted_at`

// CreateMessageRequest inserts the initial audit row when forwarding starts.
// Most fields are still zero at this point and fill in progressively.
func (s *Store) CreateMessageRequest(ctx context.Context, m *relay.MessageRequest) error {
	chain, err := marshalJSON(m.ProviderChain)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO message_requests (id, user_id, key_hash, provider_id,
		 session_id, model, original_model, status_code, input_tokens,
		 output_tokens, cache_creation_input_tokens, cache_read_input_tokens,
		 duration_ms, cost_usd, cost_multiplier, package_cost_usd,
		 balance_cost_usd, payment_source, error_message, provider_chain,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.KeyHash, m.ProviderID, m.SessionID, m.Model,
		m.OriginalModel, m.StatusCode, m.Usage.InputTokens,
		m.Usage.OutputTokens, m.Usage.CacheCreationInputTokens,
		m.Usage.CacheReadInputTokens, m.DurationMs, m.CostUSD,
		m.CostMultiplier, m.PackageCostUSD, m.BalanceCostUSD,
		sourceOrDefault(m.PaymentSource), m.ErrorMessage, chain,
		fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt),
	)
	return err
}

// UpdateMessageRequest writes the progressive fields of an audit row.
// Identity columns (user, key hash, created_at) are immutable.
func (s *Store) UpdateMessageRequest(ctx context.Context, m *relay.MessageRequest) error {
	chain, err := marshalJSON(m.ProviderChain)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	result, err := s.write.ExecContext(ctx,
		`UPDATE message_requests SET provider_id=?, session_id=?, model=?,
		 original_model=?, status_code=?, input_tokens=?, output_tokens=?,
		 cache_creation_input_tokens=?, cache_read_input_tokens=?,
		 duration_ms=?, cost_usd=?, cost_multiplier=?, package_cost_usd=?,
		 balance_cost_usd=?, payment_source=?, error_message=?,
		 provider_chain=?, updated_at=? WHERE id=?`,
		m.ProviderID, m.SessionID, m.Model, m.OriginalModel, m.StatusCode,
		m.Usage.InputTokens, m.Usage.OutputTokens,
		m.Usage.CacheCreationInputTokens, m.Usage.CacheReadInputTokens,
		m.DurationMs, m.CostUSD, m.CostMultiplier, m.PackageCostUSD,
		m.BalanceCostUSD, sourceOrDefault(m.PaymentSource), m.ErrorMessage,
		chain, fmtTime(m.UpdatedAt), m.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "message request")
}

// GetMessageRequest retrieves an audit row by ID.
func (s *Store) GetMessageRequest(ctx context.Context, id string) (*relay.MessageRequest, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM message_requests WHERE id=? AND deleted_at IS NULL`, id)
	return scanMessage(row)
}

// ListMessageRequests returns a user's audit rows, newest first.
func (s *Store) ListMessageRequests(ctx context.Context, userID string, offset, limit int) ([]*relay.MessageRequest, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM message_requests
		 WHERE user_id=? AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*relay.MessageRequest
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SumPackageSpend totals package_cost_usd over finalized rows matching the
// filter. This is the durable fallback when the counter store has no value
// for a window, and the only source for billing-cycle anchored periods.
func (s *Store) SumPackageSpend(ctx context.Context, f storage.SpendFilter) (float64, error) {
	where, args := spendWhere(f)
	var sum sql.NullFloat64
	err := s.read.QueryRowContext(ctx,
		`SELECT SUM(package_cost_usd) FROM message_requests `+where, args...,
	).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Float64, nil
}

// SumProviderSpend totals full cost_usd routed through a provider since the
// given time. Both payment tracks count toward a provider's spend ceiling.
func (s *Store) SumProviderSpend(ctx context.Context, providerID string, since time.Time) (float64, error) {
	var sum sql.NullFloat64
	err := s.read.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM message_requests
		 WHERE provider_id = ? AND created_at >= ? AND deleted_at IS NULL`,
		providerID, fmtTime(since),
	).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Float64, nil
}

// spendWhere builds the WHERE clause for a spend filter.
func spendWhere(f storage.SpendFilter) (string, []any) {
	conds := []string{"deleted_at IS NULL"}
	var args []any

	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.KeyHash != "" {
		conds = append(conds, "key_hash = ?")
		args = append(args, f.KeyHash)
	}
	if f.OwnerKeyID != "" {
		// Aggregate over the owner key and all of its children.
		conds = append(conds, "key_hash IN (SELECT key_hash FROM api_keys WHERE id = ? OR owner_key_id = ?)")
		args = append(args, f.OwnerKeyID, f.OwnerKeyID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, fmtTime(f.Since))
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func sourceOrDefault(s relay.PaymentSource) string {
	if s == "" {
		return string(relay.PaymentPackage)
	}
	return string(s)
}

func scanMessage(sc scanner) (*relay.MessageRequest, error) {
	var m relay.MessageRequest
	var source string
	var chainJSON, deletedAt sql.NullString
	var createdAt, updatedAt string

	err := sc.Scan(
		&m.ID, &m.UserID, &m.KeyHash, &m.ProviderID, &m.SessionID, &m.Model,
		&m.OriginalModel, &m.StatusCode, &m.Usage.InputTokens,
		&m.Usage.OutputTokens, &m.Usage.CacheCreationInputTokens,
		&m.Usage.CacheReadInputTokens, &m.DurationMs, &m.CostUSD,
		&m.CostMultiplier, &m.PackageCostUSD, &m.BalanceCostUSD, &source,
		&m.ErrorMessage, &chainJSON, &createdAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	m.PaymentSource = relay.PaymentSource(source)
	chain, err := unmarshalChain(chainJSON)
	if err != nil {
		return nil, err
	}
	m.ProviderChain = chain
	m.DeletedAt = parseTime(deletedAt)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		m.CreatedAt = *t
	}
	if t := parseTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		m.UpdatedAt = *t
	}
	return &m, nil
}
