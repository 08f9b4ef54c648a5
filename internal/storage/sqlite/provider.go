package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/eugener/switchyard/internal"
)

const providerColumns = `id, name, url, api_key, type, priority, weight,
 cost_multiplier, group_tag, join_claude_pool, instructions_strategy,
 model_redirects, allowed_models, only_claude_cli, limit_5h_usd,
 limit_weekly_usd, limit_monthly_usd, limit_concurrent_sessions, rpm, rpd,
 tpm, failure_threshold, open_duration_ms, half_open_success_threshold,
 proxy_url, proxy_fallback_to_direct, enabled, expires_at, created_at,
 updated_at`

// CreateProvider inserts a new provider.
func (s *Store) CreateProvider(ctx context.Context, p *relay.Provider) error {
	redirects, err := marshalJSON(p.ModelRedirects)
	if err != nil {
		return err
	}
	models, err := marshalJSON(p.AllowedModels)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (id, name, url, api_key, type, priority, weight,
		 cost_multiplier, group_tag, join_claude_pool, instructions_strategy,
		 model_redirects, allowed_models, only_claude_cli, limit_5h_usd,
		 limit_weekly_usd, limit_monthly_usd, limit_concurrent_sessions, rpm,
		 rpd, tpm, failure_threshold, open_duration_ms,
		 half_open_success_threshold, proxy_url, proxy_fallback_to_direct,
		 enabled, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.URL, p.Key, string(p.Type), p.Priority, p.Weight,
		p.CostMultiplier, p.GroupTag, boolToInt(p.JoinClaudePool),
		strategyOrDefault(p.InstructionsStrategy), redirects, models,
		boolToInt(p.OnlyClaudeCLI), p.Limit5hUSD, p.LimitWeeklyUSD,
		p.LimitMonthlyUSD, p.LimitConcurrentSessions, p.RPM, p.RPD, p.TPM,
		p.FailureThreshold, p.OpenDurationMs, p.HalfOpenSuccessThreshold,
		p.ProxyURL, boolToInt(p.ProxyFallbackToDirect), boolToInt(p.Enabled),
		timeToStr(p.ExpiresAt), fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt),
	)
	return err
}

// GetProvider retrieves a provider by ID.
func (s *Store) GetProvider(ctx context.Context, id string) (*relay.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id=?`, id)
	return scanProvider(row)
}

// ListProviders returns all providers ordered by priority.
func (s *Store) ListProviders(ctx context.Context) ([]*relay.Provider, error) {
	return s.queryProviders(ctx,
		`SELECT `+providerColumns+` FROM providers ORDER BY priority ASC, name ASC`)
}

// ListEnabledProviders returns only enabled providers, the set the catalog
// serves to the selector.
func (s *Store) ListEnabledProviders(ctx context.Context) ([]*relay.Provider, error) {
	return s.queryProviders(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE enabled=1
		 ORDER BY priority ASC, name ASC`)
}

func (s *Store) queryProviders(ctx context.Context, query string) ([]*relay.Provider, error) {
	rows, err := s.read.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*relay.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider updates a provider.
func (s *Store) UpdateProvider(ctx context.Context, p *relay.Provider) error {
	redirects, err := marshalJSON(p.ModelRedirects)
	if err != nil {
		return err
	}
	models, err := marshalJSON(p.AllowedModels)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name=?, url=?, api_key=?, type=?, priority=?,
		 weight=?, cost_multiplier=?, group_tag=?, join_claude_pool=?,
		 instructions_strategy=?, model_redirects=?, allowed_models=?,
		 only_claude_cli=?, limit_5h_usd=?, limit_weekly_usd=?,
		 limit_monthly_usd=?, limit_concurrent_sessions=?, rpm=?, rpd=?,
		 tpm=?, failure_threshold=?, open_duration_ms=?,
		 half_open_success_threshold=?, proxy_url=?,
		 proxy_fallback_to_direct=?, enabled=?, expires_at=?, updated_at=?
		 WHERE id=?`,
		p.Name, p.URL, p.Key, string(p.Type), p.Priority, p.Weight,
		p.CostMultiplier, p.GroupTag, boolToInt(p.JoinClaudePool),
		strategyOrDefault(p.InstructionsStrategy), redirects, models,
		boolToInt(p.OnlyClaudeCLI), p.Limit5hUSD, p.LimitWeeklyUSD,
		p.LimitMonthlyUSD, p.LimitConcurrentSessions, p.RPM, p.RPD, p.TPM,
		p.FailureThreshold, p.OpenDurationMs, p.HalfOpenSuccessThreshold,
		p.ProxyURL, boolToInt(p.ProxyFallbackToDirect), boolToInt(p.Enabled),
		timeToStr(p.ExpiresAt), fmtTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// DeleteProvider removes a provider.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

func strategyOrDefault(s relay.InstructionsStrategy) string {
	if s == "" {
		return string(relay.InstructionsAuto)
	}
	return string(s)
}

func scanProvider(sc scanner) (*relay.Provider, error) {
	var p relay.Provider
	var typ, strategy string
	var redirectsJSON, modelsJSON sql.NullString
	var joinPool, onlyCLI, proxyFallback, enabled int
	var expiresAt sql.NullString
	var createdAt, updatedAt string

	err := sc.Scan(
		&p.ID, &p.Name, &p.URL, &p.Key, &typ, &p.Priority, &p.Weight,
		&p.CostMultiplier, &p.GroupTag, &joinPool, &strategy,
		&redirectsJSON, &modelsJSON, &onlyCLI, &p.Limit5hUSD,
		&p.LimitWeeklyUSD, &p.LimitMonthlyUSD, &p.LimitConcurrentSessions,
		&p.RPM, &p.RPD, &p.TPM, &p.FailureThreshold, &p.OpenDurationMs,
		&p.HalfOpenSuccessThreshold, &p.ProxyURL, &proxyFallback, &enabled,
		&expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.Type = relay.ProviderType(typ)
	p.InstructionsStrategy = relay.InstructionsStrategy(strategy)
	p.JoinClaudePool = joinPool != 0
	p.OnlyClaudeCLI = onlyCLI != 0
	p.ProxyFallbackToDirect = proxyFallback != 0
	p.Enabled = enabled != 0
	p.ExpiresAt = parseTime(expiresAt)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		p.CreatedAt = *t
	}
	if t := parseTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		p.UpdatedAt = *t
	}

	redirects, err := unmarshalStringMap(redirectsJSON)
	if err != nil {
		return nil, err
	}
	p.ModelRedirects = redirects

	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	p.AllowedModels = models
	return &p, nil
}
