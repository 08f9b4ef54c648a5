package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/auth"
	"github.com/eugener/switchyard/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Every
// section is idempotent: existing rows are skipped, so restarting with the
// same file changes nothing. Minted key plaintexts are logged exactly once,
// on the run that creates them; afterwards only the hash exists.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, minter *auth.Minter) error {
	if err := bootstrapAdmin(ctx, cfg.Bootstrap.Admin, store, minter); err != nil {
		return err
	}

	for _, u := range cfg.Bootstrap.Users {
		if err := bootstrapUser(ctx, u, store, minter); err != nil {
			return err
		}
	}

	for _, p := range cfg.Bootstrap.Providers {
		existing, _ := store.GetProvider(ctx, p.ID)
		if existing != nil {
			continue
		}
		now := time.Now().UTC()
		prov := &relay.Provider{
			ID:                       p.ID,
			Name:                     p.Name,
			URL:                      p.URL,
			Key:                      p.Key,
			Type:                     relay.ProviderType(p.Type),
			Priority:                 p.Priority,
			Weight:                   max(1, p.Weight),
			CostMultiplier:           p.CostMultiplier,
			GroupTag:                 p.GroupTag,
			JoinClaudePool:           p.JoinClaudePool,
			OnlyClaudeCLI:            p.OnlyClaudeCLI,
			InstructionsStrategy:     relay.InstructionsStrategy(p.InstructionsStrategy),
			ModelRedirects:           p.ModelRedirects,
			AllowedModels:            p.AllowedModels,
			Limit5hUSD:               p.Limit5hUSD,
			LimitWeeklyUSD:           p.LimitWeeklyUSD,
			LimitMonthlyUSD:          p.LimitMonthlyUSD,
			LimitConcurrentSessions:  p.LimitConcurrentSessions,
			RPM:                      p.RPM,
			RPD:                      p.RPD,
			TPM:                      p.TPM,
			FailureThreshold:         p.FailureThreshold,
			OpenDurationMs:           p.OpenDurationMs,
			HalfOpenSuccessThreshold: p.HalfOpenSuccessThreshold,
			ProxyURL:                 p.ProxyURL,
			ProxyFallbackToDirect:    p.ProxyFallbackToDirect,
			Enabled:                  p.IsEnabled(),
			CreatedAt:                now,
			UpdatedAt:                now,
		}
		if prov.Type == "" {
			prov.Type = relay.ProviderClaude
		}
		if prov.CostMultiplier <= 0 {
			prov.CostMultiplier = 1
		}
		if err := store.CreateProvider(ctx, prov); err != nil {
			return err
		}
		slog.Info("bootstrapped provider", "id", prov.ID, "type", prov.Type)
	}

	for _, pe := range cfg.Bootstrap.Prices {
		existing, _ := store.GetPrice(ctx, pe.Model, time.Now().UTC())
		if existing != nil {
			continue
		}
		price := &relay.ModelPrice{
			Model:            pe.Model,
			InputUSD:         pe.InputUSD,
			OutputUSD:        pe.OutputUSD,
			CacheCreationUSD: pe.CacheCreationUSD,
			CacheReadUSD:     pe.CacheReadUSD,
			EffectiveAt:      time.Now().UTC(),
		}
		if err := store.UpsertPrice(ctx, price); err != nil {
			return err
		}
		slog.Info("bootstrapped model price", "model", pe.Model)
	}

	return nil
}

// bootstrapAdmin ensures an administrator account exists. On the run that
// creates it, a key is minted and its plaintext logged; that log line is
// the only place the plaintext ever appears.
func bootstrapAdmin(ctx context.Context, entry *AdminEntry, store storage.Store, minter *auth.Minter) error {
	id, name := "admin", "admin"
	if entry != nil {
		if entry.ID != "" {
			id = entry.ID
		}
		if entry.Name != "" {
			name = entry.Name
		}
	}

	existing, _ := store.GetUser(ctx, id)
	if existing != nil {
		return nil
	}

	now := time.Now().UTC()
	admin := &relay.User{
		ID:        id,
		Name:      name,
		Role:      relay.RoleAdmin,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateUser(ctx, admin); err != nil {
		return err
	}

	plaintext, key, err := minter.Mint(admin.ID, "bootstrap")
	if err != nil {
		return err
	}
	if err := store.CreateKey(ctx, key); err != nil {
		return err
	}
	slog.Info("bootstrapped admin user", "id", admin.ID, "key", plaintext)
	return nil
}

func bootstrapUser(ctx context.Context, entry UserEntry, store storage.Store, minter *auth.Minter) error {
	id := entry.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	existing, _ := store.GetUser(ctx, id)
	if existing == nil {
		now := time.Now().UTC()
		user := &relay.User{
			ID:              id,
			Name:            entry.Name,
			Role:            entry.Role,
			Enabled:         true,
			Limit5hUSD:      entry.Limit5hUSD,
			LimitWeeklyUSD:  entry.LimitWeeklyUSD,
			LimitMonthlyUSD: entry.LimitMonthlyUSD,
			LimitTotalUSD:   entry.LimitTotalUSD,
			BalancePolicy:   relay.BalancePolicy(entry.BalancePolicy),
			ProviderGroup:   entry.ProviderGroup,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if user.Role == "" {
			user.Role = relay.RoleUser
		}
		if user.BalancePolicy == "" {
			user.BalancePolicy = relay.BalanceAfterQuota
		}
		if err := store.CreateUser(ctx, user); err != nil {
			return err
		}
		// The opening balance goes through the ledger so the audit
		// trail starts at zero instead of an unexplained figure.
		if entry.BalanceUSD > 0 {
			if _, err := store.Credit(ctx, id, entry.BalanceUSD, relay.TxRecharge, "", "bootstrap", "initial balance"); err != nil {
				return err
			}
		}
		slog.Info("bootstrapped user", "id", id, "name", entry.Name)
	}

	for _, k := range entry.Keys {
		if err := bootstrapKey(ctx, id, k, store, minter); err != nil {
			return err
		}
	}
	return nil
}

func bootstrapKey(ctx context.Context, userID string, entry KeyEntry, store storage.Store, minter *auth.Minter) error {
	keys, err := store.ListKeys(ctx, userID, 0, 1000)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.Name == entry.Name {
			return nil
		}
	}

	plaintext, key, err := minter.Mint(userID, entry.Name)
	if err != nil {
		return err
	}
	key.RPM = entry.RPM
	key.Limit5hUSD = entry.Limit5hUSD
	key.DailyLimitUSD = entry.DailyLimitUSD
	key.LimitWeeklyUSD = entry.LimitWeeklyUSD
	key.LimitMonthlyUSD = entry.LimitMonthlyUSD
	key.LimitConcurrentSessions = entry.LimitConcurrentSessions
	if err := store.CreateKey(ctx, key); err != nil {
		return err
	}
	slog.Info("bootstrapped api key", "user", userID, "name", entry.Name, "key", plaintext)
	return nil
}
