// Package testutil provides in-memory fakes shared by tests across packages.
package testutil

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/storage"
)

// Store is an in-memory storage.Store. All methods are safe for concurrent
// use; reads return copies so tests cannot mutate stored state through
// returned pointers. Setting Err makes every call fail with it, which is how
// tests simulate a store outage.
type Store struct {
	mu        sync.RWMutex
	users     map[string]*relay.User
	keys      map[string]*relay.APIKey
	providers map[string]*relay.Provider
	prices    map[string][]*relay.ModelPrice
	requests  map[string]*relay.MessageRequest
	txs       []*relay.BalanceTransaction

	Err error
}

var _ storage.Store = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		users:     make(map[string]*relay.User),
		keys:      make(map[string]*relay.APIKey),
		providers: make(map[string]*relay.Provider),
		prices:    make(map[string][]*relay.ModelPrice),
		requests:  make(map[string]*relay.MessageRequest),
	}
}

// --- Seed helpers (no stamping, no conflict checks) ---

// AddUser inserts a user directly.
func (s *Store) AddUser(u *relay.User) {
	s.mu.Lock()
	s.users[u.ID] = cloneUser(u)
	s.mu.Unlock()
}

// AddKey inserts an API key directly.
func (s *Store) AddKey(k *relay.APIKey) {
	s.mu.Lock()
	s.keys[k.ID] = cloneKey(k)
	s.mu.Unlock()
}

// AddProvider inserts a provider directly.
func (s *Store) AddProvider(p *relay.Provider) {
	s.mu.Lock()
	s.providers[p.ID] = cloneProvider(p)
	s.mu.Unlock()
}

// AddPrice inserts a price row directly.
func (s *Store) AddPrice(p *relay.ModelPrice) {
	s.mu.Lock()
	c := *p
	s.prices[p.Model] = append(s.prices[p.Model], &c)
	s.mu.Unlock()
}

// Balance returns the current prepaid balance of a user, for assertions.
func (s *Store) Balance(userID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[userID]; ok {
		return u.BalanceUSD
	}
	return 0
}

// Requests returns every stored audit row, for assertions.
func (s *Store) Requests() []*relay.MessageRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.MessageRequest, 0, len(s.requests))
	for _, m := range s.requests {
		out = append(out, cloneMessage(m))
	}
	slices.SortFunc(out, func(a, b *relay.MessageRequest) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// --- UserStore ---

func (s *Store) CreateUser(_ context.Context, u *relay.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, relay.ErrConflict)
	}
	stamp(&u.CreatedAt, &u.UpdatedAt)
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*relay.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) ListUsers(_ context.Context, offset, limit int) ([]*relay.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	all := make([]*relay.User, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, cloneUser(u))
	}
	slices.SortFunc(all, func(a, b *relay.User) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return page(all, offset, limit), nil
}

// UpdateUser rewrites a user. The balance field is owned by the ledger and
// kept from the stored row.
func (s *Store) UpdateUser(_ context.Context, u *relay.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cur, ok := s.users[u.ID]
	if !ok {
		return relay.ErrNotFound
	}
	u.UpdatedAt = time.Now().UTC()
	c := cloneUser(u)
	c.BalanceUSD = cur.BalanceUSD
	c.CreatedAt = cur.CreatedAt
	s.users[u.ID] = c
	return nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.users[id]; !ok {
		return relay.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

// --- APIKeyStore ---

func (s *Store) CreateKey(_ context.Context, key *relay.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.keys[key.ID]; ok {
		return fmt.Errorf("key %s: %w", key.ID, relay.ErrConflict)
	}
	stamp(&key.CreatedAt, &key.UpdatedAt)
	s.keys[key.ID] = cloneKey(key)
	return nil
}

func (s *Store) GetKey(_ context.Context, id string) (*relay.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	k, ok := s.keys[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return cloneKey(k), nil
}

func (s *Store) GetKeysByHashPrefix(_ context.Context, prefix string) ([]*relay.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*relay.APIKey
	for _, k := range s.keys {
		if k.KeyHashPrefix == prefix {
			out = append(out, cloneKey(k))
		}
	}
	return out, nil
}

func (s *Store) ListKeys(_ context.Context, userID string, offset, limit int) ([]*relay.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var all []*relay.APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			all = append(all, cloneKey(k))
		}
	}
	slices.SortFunc(all, func(a, b *relay.APIKey) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return page(all, offset, limit), nil
}

// UpdateKey rewrites a key's mutable fields. Hash columns, owner and
// creation time are immutable.
func (s *Store) UpdateKey(_ context.Context, key *relay.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cur, ok := s.keys[key.ID]
	if !ok {
		return relay.ErrNotFound
	}
	key.UpdatedAt = time.Now().UTC()
	c := cloneKey(key)
	c.UserID = cur.UserID
	c.KeyHash = cur.KeyHash
	c.KeyHashPrefix = cur.KeyHashPrefix
	c.KeyDisplay = cur.KeyDisplay
	c.CreatedAt = cur.CreatedAt
	c.LastUsedAt = cloneTime(cur.LastUsedAt)
	s.keys[key.ID] = c
	return nil
}

func (s *Store) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.keys[id]; !ok {
		return relay.ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

func (s *Store) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

// --- ProviderStore ---

func (s *Store) CreateProvider(_ context.Context, p *relay.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.providers[p.ID]; ok {
		return fmt.Errorf("provider %s: %w", p.ID, relay.ErrConflict)
	}
	stamp(&p.CreatedAt, &p.UpdatedAt)
	s.providers[p.ID] = cloneProvider(p)
	return nil
}

func (s *Store) GetProvider(_ context.Context, id string) (*relay.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	p, ok := s.providers[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return cloneProvider(p), nil
}

func (s *Store) ListProviders(_ context.Context) ([]*relay.Provider, error) {
	return s.listProviders(false)
}

func (s *Store) ListEnabledProviders(_ context.Context) ([]*relay.Provider, error) {
	return s.listProviders(true)
}

func (s *Store) listProviders(enabledOnly bool) ([]*relay.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*relay.Provider
	for _, p := range s.providers {
		if enabledOnly && !p.Enabled {
			continue
		}
		out = append(out, cloneProvider(p))
	}
	slices.SortFunc(out, func(a, b *relay.Provider) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) UpdateProvider(_ context.Context, p *relay.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cur, ok := s.providers[p.ID]
	if !ok {
		return relay.ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	c := cloneProvider(p)
	c.CreatedAt = cur.CreatedAt
	s.providers[p.ID] = c
	return nil
}

func (s *Store) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.providers[id]; !ok {
		return relay.ErrNotFound
	}
	delete(s.providers, id)
	return nil
}

// --- PriceStore ---

func (s *Store) UpsertPrice(_ context.Context, p *relay.ModelPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	c := *p
	rows := s.prices[p.Model]
	for i, r := range rows {
		if r.EffectiveAt.Equal(p.EffectiveAt) {
			rows[i] = &c
			return nil
		}
	}
	s.prices[p.Model] = append(rows, &c)
	return nil
}

func (s *Store) GetPrice(_ context.Context, model string, at time.Time) (*relay.ModelPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var best *relay.ModelPrice
	for _, r := range s.prices[model] {
		if r.EffectiveAt.After(at) {
			continue
		}
		if best == nil || r.EffectiveAt.After(best.EffectiveAt) {
			best = r
		}
	}
	if best == nil {
		return nil, relay.ErrNotFound
	}
	c := *best
	return &c, nil
}

func (s *Store) ListPrices(_ context.Context) ([]*relay.ModelPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*relay.ModelPrice
	for _, rows := range s.prices {
		for _, r := range rows {
			c := *r
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *relay.ModelPrice) int {
		if c := strings.Compare(a.Model, b.Model); c != 0 {
			return c
		}
		return b.EffectiveAt.Compare(a.EffectiveAt)
	})
	return out, nil
}

// --- MessageRequestStore ---

func (s *Store) CreateMessageRequest(_ context.Context, m *relay.MessageRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.requests[m.ID]; ok {
		return fmt.Errorf("message request %s: %w", m.ID, relay.ErrConflict)
	}
	stamp(&m.CreatedAt, &m.UpdatedAt)
	s.requests[m.ID] = cloneMessage(m)
	return nil
}

func (s *Store) UpdateMessageRequest(_ context.Context, m *relay.MessageRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cur, ok := s.requests[m.ID]
	if !ok {
		return relay.ErrNotFound
	}
	m.UpdatedAt = time.Now().UTC()
	c := cloneMessage(m)
	c.UserID = cur.UserID
	c.KeyHash = cur.KeyHash
	c.CreatedAt = cur.CreatedAt
	s.requests[m.ID] = c
	return nil
}

func (s *Store) GetMessageRequest(_ context.Context, id string) (*relay.MessageRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	m, ok := s.requests[id]
	if !ok || m.DeletedAt != nil {
		return nil, relay.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Store) ListMessageRequests(_ context.Context, userID string, offset, limit int) ([]*relay.MessageRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var all []*relay.MessageRequest
	for _, m := range s.requests {
		if m.UserID == userID && m.DeletedAt == nil {
			all = append(all, cloneMessage(m))
		}
	}
	slices.SortFunc(all, func(a, b *relay.MessageRequest) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return page(all, offset, limit), nil
}

func (s *Store) SumPackageSpend(_ context.Context, f storage.SpendFilter) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return 0, s.Err
	}

	// OwnerKeyID aggregates a key and all of its children by hash.
	var hashes map[string]bool
	if f.OwnerKeyID != "" {
		hashes = make(map[string]bool)
		for _, k := range s.keys {
			if k.ID == f.OwnerKeyID || k.OwnerKeyID == f.OwnerKeyID {
				hashes[k.KeyHash] = true
			}
		}
	}

	var sum float64
	for _, m := range s.requests {
		if m.DeletedAt != nil {
			continue
		}
		if f.UserID != "" && m.UserID != f.UserID {
			continue
		}
		if f.KeyHash != "" && m.KeyHash != f.KeyHash {
			continue
		}
		if hashes != nil && !hashes[m.KeyHash] {
			continue
		}
		if !f.Since.IsZero() && m.CreatedAt.Before(f.Since) {
			continue
		}
		sum += m.PackageCostUSD
	}
	return sum, nil
}

func (s *Store) SumProviderSpend(_ context.Context, providerID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var sum float64
	for _, m := range s.requests {
		if m.DeletedAt != nil || m.ProviderID != providerID {
			continue
		}
		if m.CreatedAt.Before(since) {
			continue
		}
		sum += m.CostUSD
	}
	return sum, nil
}

// --- BalanceLedger ---

func (s *Store) Debit(_ context.Context, userID string, amount float64, note, messageRequestID string) (*relay.BalanceTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount %v: %w", amount, relay.ErrBadRequest)
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, relay.ErrNotFound
	}
	after := u.BalanceUSD - amount
	if after < 0 {
		return nil, relay.ErrInsufficientFunds
	}

	bt := &relay.BalanceTransaction{
		ID:               uuid.Must(uuid.NewV7()).String(),
		UserID:           userID,
		Amount:           -amount,
		BalanceBefore:    u.BalanceUSD,
		BalanceAfter:     after,
		Type:             relay.TxDeduction,
		Note:             note,
		MessageRequestID: messageRequestID,
		CreatedAt:        time.Now().UTC(),
	}
	u.BalanceUSD = after
	s.txs = append(s.txs, bt)
	c := *bt
	return &c, nil
}

func (s *Store) Credit(_ context.Context, userID string, amount float64, txType relay.TransactionType, operatorID, operatorName, note string) (*relay.BalanceTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount %v: %w", amount, relay.ErrBadRequest)
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, relay.ErrNotFound
	}

	bt := &relay.BalanceTransaction{
		ID:            uuid.Must(uuid.NewV7()).String(),
		UserID:        userID,
		Amount:        amount,
		BalanceBefore: u.BalanceUSD,
		BalanceAfter:  u.BalanceUSD + amount,
		Type:          txType,
		OperatorID:    operatorID,
		OperatorName:  operatorName,
		Note:          note,
		CreatedAt:     time.Now().UTC(),
	}
	u.BalanceUSD = bt.BalanceAfter
	s.txs = append(s.txs, bt)
	c := *bt
	return &c, nil
}

func (s *Store) ListTransactions(_ context.Context, userID string, offset, limit int) ([]*relay.BalanceTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var all []*relay.BalanceTransaction
	for _, bt := range s.txs {
		if bt.UserID == userID {
			c := *bt
			all = append(all, &c)
		}
	}
	slices.Reverse(all)
	return page(all, offset, limit), nil
}

// --- Lifecycle ---

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Err
}

func (s *Store) Close() error { return nil }

// --- helpers ---

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

func page[T any](all []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit >= 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneUser(u *relay.User) *relay.User {
	c := *u
	c.BillingCycleStart = cloneTime(u.BillingCycleStart)
	c.ExpiresAt = cloneTime(u.ExpiresAt)
	return &c
}

func cloneKey(k *relay.APIKey) *relay.APIKey {
	c := *k
	c.ExpiresAt = cloneTime(k.ExpiresAt)
	c.LastUsedAt = cloneTime(k.LastUsedAt)
	return &c
}

func cloneProvider(p *relay.Provider) *relay.Provider {
	c := *p
	c.ModelRedirects = maps.Clone(p.ModelRedirects)
	c.AllowedModels = slices.Clone(p.AllowedModels)
	c.ExpiresAt = cloneTime(p.ExpiresAt)
	return &c
}

func cloneMessage(m *relay.MessageRequest) *relay.MessageRequest {
	c := *m
	c.ProviderChain = slices.Clone(m.ProviderChain)
	c.DeletedAt = cloneTime(m.DeletedAt)
	return &c
}
