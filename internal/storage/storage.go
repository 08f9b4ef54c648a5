// Package storage defines persistence interfaces for the relay.
package storage

import (
	"context"
	"time"

	relay "github.com/eugener/switchyard/internal"
)

// UserStore manages user persistence.
type UserStore interface {
	CreateUser(ctx context.Context, u *relay.User) error
	GetUser(ctx context.Context, id string) (*relay.User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]*relay.User, error)
	UpdateUser(ctx context.Context, u *relay.User) error
	DeleteUser(ctx context.Context, id string) error
}

// APIKeyStore manages API key persistence. Lookups by bearer go through
// GetKeysByHashPrefix: the prefix is indexed, the caller does the full
// constant-time hash comparison over the candidate set.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *relay.APIKey) error
	GetKey(ctx context.Context, id string) (*relay.APIKey, error)
	GetKeysByHashPrefix(ctx context.Context, prefix string) ([]*relay.APIKey, error)
	ListKeys(ctx context.Context, userID string, offset, limit int) ([]*relay.APIKey, error)
	UpdateKey(ctx context.Context, key *relay.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// ProviderStore manages provider persistence.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *relay.Provider) error
	GetProvider(ctx context.Context, id string) (*relay.Provider, error)
	ListProviders(ctx context.Context) ([]*relay.Provider, error)
	ListEnabledProviders(ctx context.Context) ([]*relay.Provider, error)
	UpdateProvider(ctx context.Context, p *relay.Provider) error
	DeleteProvider(ctx context.Context, id string) error
}

// PriceStore manages versioned model prices. GetPrice returns the row with
// the latest effective_at that is not after `at`.
type PriceStore interface {
	UpsertPrice(ctx context.Context, p *relay.ModelPrice) error
	GetPrice(ctx context.Context, model string, at time.Time) (*relay.ModelPrice, error)
	ListPrices(ctx context.Context) ([]*relay.ModelPrice, error)
}

// SpendFilter scopes a durable spend sum. Exactly one of UserID, KeyHash or
// OwnerKeyID is set; Since bounds the window (zero means all time).
type SpendFilter struct {
	UserID     string
	KeyHash    string
	OwnerKeyID string
	Since      time.Time
}

// MessageRequestStore manages the progressive audit rows and serves as the
// durable fallback for spend windows when the counter store has no value.
type MessageRequestStore interface {
	CreateMessageRequest(ctx context.Context, m *relay.MessageRequest) error
	UpdateMessageRequest(ctx context.Context, m *relay.MessageRequest) error
	GetMessageRequest(ctx context.Context, id string) (*relay.MessageRequest, error)
	ListMessageRequests(ctx context.Context, userID string, offset, limit int) ([]*relay.MessageRequest, error)
	// SumPackageSpend totals package_cost_usd over finalized rows in scope.
	SumPackageSpend(ctx context.Context, f SpendFilter) (float64, error)
	// SumProviderSpend totals full cost_usd routed through a provider since
	// the given time. Provider spend ceilings bound upstream cost, so both
	// payment tracks count.
	SumProviderSpend(ctx context.Context, providerID string, since time.Time) (float64, error)
}

// BalanceLedger provides transactional balance movement. Debit must read
// the user's balance for update, reject drafts below zero with
// relay.ErrInsufficientFunds, append a ledger row and commit atomically.
type BalanceLedger interface {
	Debit(ctx context.Context, userID string, amount float64, note, messageRequestID string) (*relay.BalanceTransaction, error)
	Credit(ctx context.Context, userID string, amount float64, txType relay.TransactionType, operatorID, operatorName, note string) (*relay.BalanceTransaction, error)
	ListTransactions(ctx context.Context, userID string, offset, limit int) ([]*relay.BalanceTransaction, error)
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	APIKeyStore
	ProviderStore
	PriceStore
	MessageRequestStore
	BalanceLedger
	Ping(ctx context.Context) error
	Close() error
}
