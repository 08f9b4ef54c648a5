// Package relay defines domain types and interfaces for the Switchyard LLM relay.
// This package has no project imports -- it is the dependency root.
package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// --- Wire formats ---

// WireFormat identifies the JSON dialect a request or response body speaks.
type WireFormat string

const (
	FormatClaude WireFormat = "claude"
	FormatCodex  WireFormat = "codex"
	FormatOpenAI WireFormat = "openai"
)

// FormatFromPath infers the client wire format from the request path.
// Unrecognized /v1/** paths default to the Claude dialect, which is the
// primary client population.
func FormatFromPath(path string) WireFormat {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return FormatClaude
	case strings.HasPrefix(path, "/v1/responses"):
		return FormatCodex
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return FormatOpenAI
	}
	return FormatClaude
}

// --- Provider ---

// ProviderType distinguishes how an upstream authenticates and which wire
// format it speaks natively.
type ProviderType string

const (
	ProviderClaude     ProviderType = "claude"      // Anthropic API key upstream
	ProviderClaudeAuth ProviderType = "claude-auth" // Anthropic OAuth upstream (no x-api-key)
	ProviderCodex      ProviderType = "codex"       // OpenAI Responses API upstream
	ProviderOpenAI     ProviderType = "openai"      // OpenAI chat completions upstream
)

// InstructionsStrategy controls how Codex `instructions` fields are handled.
type InstructionsStrategy string

const (
	InstructionsAuto         InstructionsStrategy = "auto"
	InstructionsForce        InstructionsStrategy = "force_official"
	InstructionsKeepOriginal InstructionsStrategy = "keep_original"
)

// Provider is a configured upstream endpoint with its dispatch attributes,
// spend limits, circuit configuration and egress settings.
type Provider struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Key  string `json:"-"` // upstream credential, never exposed

	Type                 ProviderType         `json:"type"`
	Priority             int                  `json:"priority"` // lower is preferred
	Weight               int                  `json:"weight"`
	CostMultiplier       float64              `json:"cost_multiplier"` // > 0
	GroupTag             string               `json:"group_tag,omitempty"`
	JoinClaudePool       bool                 `json:"join_claude_pool"` // member of the fail-open cohort
	InstructionsStrategy InstructionsStrategy `json:"instructions_strategy,omitempty"`
	ModelRedirects       map[string]string    `json:"model_redirects,omitempty"`
	AllowedModels        []string             `json:"allowed_models,omitempty"` // nil = all models
	OnlyClaudeCLI        bool                 `json:"only_claude_cli"`

	Limit5hUSD              float64 `json:"limit_5h_usd,omitempty"`
	LimitWeeklyUSD          float64 `json:"limit_weekly_usd,omitempty"`
	LimitMonthlyUSD         float64 `json:"limit_monthly_usd,omitempty"`
	LimitConcurrentSessions int     `json:"limit_concurrent_sessions,omitempty"`
	RPM                     int     `json:"rpm,omitempty"`
	RPD                     int     `json:"rpd,omitempty"`
	TPM                     int     `json:"tpm,omitempty"`

	FailureThreshold         int   `json:"failure_threshold,omitempty"`
	OpenDurationMs           int64 `json:"open_duration_ms,omitempty"`
	HalfOpenSuccessThreshold int   `json:"half_open_success_threshold,omitempty"`

	ProxyURL              string `json:"proxy_url,omitempty"`
	ProxyFallbackToDirect bool   `json:"proxy_fallback_to_direct"`

	Enabled   bool       `json:"enabled"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Expired reports whether the provider credential has lapsed.
func (p *Provider) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// WireFormat returns the JSON dialect the provider speaks natively.
func (p *Provider) WireFormat() WireFormat {
	switch p.Type {
	case ProviderCodex:
		return FormatCodex
	case ProviderOpenAI:
		return FormatOpenAI
	}
	return FormatClaude
}

// RedirectModel maps a requested model through the provider's redirect table.
// Returns the input unchanged when no redirect is configured.
func (p *Provider) RedirectModel(model string) string {
	if to, ok := p.ModelRedirects[model]; ok && to != "" {
		return to
	}
	return model
}

// AllowsModel reports whether the provider accepts the given model.
// An empty allow-list admits every model.
func (p *Provider) AllowsModel(model string) bool {
	if len(p.AllowedModels) == 0 {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// --- Principal (User + Key) ---

// Role names for users. The proxy path treats reseller like user; the
// session read API and circuit reset require admin.
const (
	RoleAdmin    = "admin"
	RoleReseller = "reseller"
	RoleUser     = "user"
)

// BalancePolicy decides whether prepaid balance is drawn before or after
// package quota.
type BalancePolicy string

const (
	BalanceAfterQuota    BalancePolicy = "after_quota"
	BalancePreferBalance BalancePolicy = "prefer_balance"
)

// User is the owning account for one or more API keys.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Enabled bool   `json:"enabled"`

	Limit5hUSD      float64 `json:"limit_5h_usd,omitempty"`
	LimitWeeklyUSD  float64 `json:"limit_weekly_usd,omitempty"`
	LimitMonthlyUSD float64 `json:"limit_monthly_usd,omitempty"`
	LimitTotalUSD   float64 `json:"limit_total_usd,omitempty"`

	BillingCycleStart *time.Time    `json:"billing_cycle_start,omitempty"` // anchors weekly/monthly windows
	BalanceUSD        float64       `json:"balance_usd"`
	BalancePolicy     BalancePolicy `json:"balance_policy,omitempty"`
	ProviderGroup     string        `json:"provider_group,omitempty"` // empty = any group

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Expired reports whether the user account has lapsed.
func (u *User) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && now.After(*u.ExpiresAt)
}

// KeyScope marks a key as the owner of its usage aggregate or a child that
// rolls up into its owner.
type KeyScope string

const (
	ScopeOwner KeyScope = "owner"
	ScopeChild KeyScope = "child"
)

// APIKey is a bearer credential bound to a user.
type APIKey struct {
	ID            string   `json:"id"`
	UserID        string   `json:"user_id"`
	Name          string   `json:"name"`
	KeyHash       string   `json:"-"`          // keyed-hash hex, never exposed
	KeyHashPrefix string   `json:"-"`          // first 16 hex chars, indexed for lookup
	KeyDisplay    string   `json:"key_display"` // "sy_ab12..." for dashboards
	Scope         KeyScope `json:"scope"`
	OwnerKeyID    string   `json:"owner_key_id,omitempty"` // set when Scope == child

	Limit5hUSD              float64 `json:"limit_5h_usd,omitempty"`
	LimitWeeklyUSD          float64 `json:"limit_weekly_usd,omitempty"`
	LimitMonthlyUSD         float64 `json:"limit_monthly_usd,omitempty"`
	DailyLimitUSD           float64 `json:"daily_limit_usd,omitempty"`
	RPM                     int     `json:"rpm,omitempty"`
	LimitConcurrentSessions int     `json:"limit_concurrent_sessions,omitempty"`

	Enabled    bool       `json:"enabled"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Expired reports whether the key has lapsed.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// OwnerAggregateID returns the key id under which this key's usage
// aggregates: the owner key for children, the key itself otherwise.
func (k *APIKey) OwnerAggregateID() string {
	if k.Scope == ScopeChild && k.OwnerKeyID != "" {
		return k.OwnerKeyID
	}
	return k.ID
}

// Principal is the authenticated caller: the key that presented the bearer
// and the user that owns it. Effective status requires both to be enabled
// and unexpired.
type Principal struct {
	User *User
	Key  *APIKey
}

// --- Usage and payment ---

// Usage holds the token counts extracted from an upstream response.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Total returns the sum of all token counts.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// Zero reports whether no tokens were recorded.
func (u Usage) Zero() bool { return u.Total() == 0 }

// Add accumulates another usage block into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// PaymentSource labels which track(s) a request's cost was drawn from.
type PaymentSource string

const (
	PaymentPackage PaymentSource = "package"
	PaymentBalance PaymentSource = "balance"
	PaymentMixed   PaymentSource = "mixed"
)

// PaymentPlan is the split of a cost between package quota and prepaid
// balance, decided before dispatch against an estimate and recomputed at
// finalization against the actual cost.
type PaymentPlan struct {
	FromPackageUSD float64       `json:"from_package_usd"`
	FromBalanceUSD float64       `json:"from_balance_usd"`
	Source         PaymentSource `json:"source"`
}

// SourceFor derives the payment source label from a package/balance split.
func SourceFor(fromPackage, fromBalance float64) PaymentSource {
	switch {
	case fromBalance <= 0:
		return PaymentPackage
	case fromPackage <= 0:
		return PaymentBalance
	}
	return PaymentMixed
}

// --- Pricing ---

// ModelPrice is the per-token USD price of a model, versioned by effective
// date so historical rows can be re-costed.
type ModelPrice struct {
	Model            string    `json:"model"`
	InputUSD         float64   `json:"input_usd"`          // per input token
	OutputUSD        float64   `json:"output_usd"`         // per output token
	CacheCreationUSD float64   `json:"cache_creation_usd"` // per cache-creation token
	CacheReadUSD     float64   `json:"cache_read_usd"`     // per cache-read token
	EffectiveAt      time.Time `json:"effective_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// --- Provider chain ---

// ChainReason records why a provider appears at a step of the decision log.
type ChainReason string

const (
	ReasonInitialSelection   ChainReason = "initial_selection"
	ReasonSessionReuse       ChainReason = "session_reuse"
	ReasonRetrySuccess       ChainReason = "retry_success"
	ReasonRetryFailed        ChainReason = "retry_failed"
	ReasonSystemError        ChainReason = "system_error"
	ReasonRetryCachedInstr   ChainReason = "retry_with_cached_instructions"
	ReasonRetryOfficialInstr ChainReason = "retry_with_official_instructions"
	ReasonRequestSuccess     ChainReason = "request_success"
)

// ErrorKind is the internal error taxonomy surfaced on chain items and
// message rows.
type ErrorKind string

const (
	KindClientAbort    ErrorKind = "client_abort"
	KindSystemError    ErrorKind = "system_error"
	KindProviderError  ErrorKind = "provider_error"
	KindQuotaDenied    ErrorKind = "quota_denied"
	KindAuthDenied     ErrorKind = "auth_denied"
	KindSelectionEmpty ErrorKind = "selection_empty"
	KindInternalError  ErrorKind = "internal_error"
)

// StatusClientClosed is the non-standard status recorded when the client
// goes away before the exchange settles (nginx's 499).
const StatusClientClosed = 499

// ChainError is the structured failure detail attached to a chain item.
type ChainError struct {
	Kind    ErrorKind `json:"kind"`
	Status  int       `json:"status,omitempty"`  // upstream status when provider_error
	Message string    `json:"message,omitempty"` // bounded-length snippet
}

// ChainItem is one step of the provider decision log. Items are appended in
// attempt order and never mutated afterwards.
type ChainItem struct {
	ProviderID       string      `json:"provider_id"`
	Reason           ChainReason `json:"reason"`
	Attempt          int         `json:"attempt"`
	CircuitState     string      `json:"circuit_state"`
	FailureCount     int         `json:"failure_count"`
	FailureThreshold int         `json:"failure_threshold"`
	StatusCode       int         `json:"status_code,omitempty"`
	Error            *ChainError `json:"error,omitempty"`
}

// --- Audit rows ---

// MessageRequest is the audit row created when forwarding starts and filled
// progressively until finalization.
type MessageRequest struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	KeyHash        string        `json:"key_hash"`
	ProviderID     string        `json:"provider_id,omitempty"`
	SessionID      string        `json:"session_id,omitempty"`
	Model          string        `json:"model"`
	OriginalModel  string        `json:"original_model,omitempty"`
	StatusCode     int           `json:"status_code,omitempty"`
	Usage          Usage         `json:"usage"`
	DurationMs     int64         `json:"duration_ms,omitempty"`
	CostUSD        float64       `json:"cost_usd"`
	CostMultiplier float64       `json:"cost_multiplier,omitempty"`
	PackageCostUSD float64       `json:"package_cost_usd"`
	BalanceCostUSD float64       `json:"balance_cost_usd"`
	PaymentSource  PaymentSource `json:"payment_source,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	ProviderChain  []ChainItem   `json:"provider_chain,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	DeletedAt      *time.Time    `json:"deleted_at,omitempty"`
}

// TransactionType labels a balance ledger row.
type TransactionType string

const (
	TxRecharge   TransactionType = "recharge"
	TxDeduction  TransactionType = "deduction"
	TxRefund     TransactionType = "refund"
	TxAdjustment TransactionType = "adjustment"
)

// BalanceTransaction is one row of the prepaid balance ledger. Amount is
// signed: deductions are negative.
type BalanceTransaction struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Amount           float64         `json:"amount"`
	BalanceBefore    float64         `json:"balance_before"`
	BalanceAfter     float64         `json:"balance_after"`
	Type             TransactionType `json:"type"`
	OperatorID       string          `json:"operator_id,omitempty"`
	OperatorName     string          `json:"operator_name,omitempty"`
	Note             string          `json:"note,omitempty"`
	MessageRequestID string          `json:"message_request_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// --- Live session state ---

// SessionState is the shared-store view of a session, served by the live
// session read API. Entries live on a sliding TTL.
type SessionState struct {
	ID              string      `json:"id"`
	BoundProviderID string      `json:"bound_provider_id,omitempty"`
	Usage           Usage       `json:"usage"`
	CostUSD         float64     `json:"cost_usd"`
	LastStatus      int         `json:"last_status,omitempty"`
	LastModel       string      `json:"last_model,omitempty"`
	Requests        int64       `json:"requests"`
	Chain           []ChainItem `json:"chain,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Principal field is set later by the proxy handler via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Principal *Principal
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// PrincipalFromContext extracts the authenticated principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	if m := metaFromContext(ctx); m != nil {
		return m.Principal
	}
	return nil
}

// ContextWithPrincipal stores the principal in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g., in tests).
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Principal = p
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Principal: p})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// KeyDisplayPrefix is the prefix for all Switchyard API keys.
const KeyDisplayPrefix = "sy_"

// HashKey returns the hex-encoded HMAC-SHA256 of a raw bearer under the
// server-side hashing secret. The hash is deterministic so the prefix can be
// indexed for lookup.
func HashKey(secret, raw string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashPrefixLen is the number of hex characters of the key hash stored in
// the indexed prefix column.
const HashPrefixLen = 16

// HashPrefix returns the indexed prefix of a full key hash.
func HashPrefix(hash string) string {
	if len(hash) < HashPrefixLen {
		return hash
	}
	return hash[:HashPrefixLen]
}

// --- Authenticator interface ---

// Authenticator validates a bearer credential and returns the caller
// principal.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (*Principal, error)
}

// --- Provider catalog interface ---

// Catalog serves the enabled provider set to the selector and forwarder.
// Implementations are read-mostly with explicit invalidation on edits.
type Catalog interface {
	Providers(ctx context.Context) ([]*Provider, error)
	Invalidate()
}
