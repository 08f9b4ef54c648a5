// Package metering settles upstream exchanges. It relays the response to
// the client, captures the usage block, prices it, recomputes the payment
// plan at actual cost and writes the audit trail. The client never waits on
// settlement; finalization failures are logged, not propagated.
package metering

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/pricing"
	"github.com/eugener/switchyard/internal/quota"
	"github.com/eugener/switchyard/internal/session"
	"github.com/eugener/switchyard/internal/storage"
	"github.com/eugener/switchyard/internal/telemetry"
	"github.com/eugener/switchyard/internal/tokencount"
)

// Config bounds the response handler.
type Config struct {
	// SessionTTL is the sliding lifetime of tracked conversation state,
	// refreshed on every settlement.
	SessionTTL time.Duration
	// MaxBodyBytes caps how much of a non-stream response body is buffered.
	MaxBodyBytes int64
	// SettleTimeout bounds the detached writes that run after the client
	// is gone (audit row, tracker).
	SettleTimeout time.Duration
	// Metrics, when set, receives the settled token and spend counters.
	Metrics *telemetry.Metrics
}

// DefaultConfig returns the production settlement bounds.
func DefaultConfig() Config {
	return Config{
		SessionTTL:    time.Hour,
		MaxBodyBytes:  32 << 20,
		SettleTimeout: 10 * time.Second,
	}
}

// Handler is the response side of the proxy pipeline. It owns the audit row
// lifecycle: Begin opens the row when forwarding starts, Deliver relays a
// successful exchange and finalizes it, Settle records exchanges that never
// produced a deliverable response.
type Handler struct {
	guard   *quota.Guard
	gate    *quota.ProviderGate
	prices  *pricing.Table
	rows    storage.MessageRequestStore
	tracker session.Tracker
	tasks   *session.Manager
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Handler. Zero config fields fall back to DefaultConfig.
func New(guard *quota.Guard, gate *quota.ProviderGate, prices *pricing.Table, rows storage.MessageRequestStore, tracker session.Tracker, tasks *session.Manager, cfg Config, logger *slog.Logger) *Handler {
	def := DefaultConfig()
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = def.SettleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		guard:   guard,
		gate:    gate,
		prices:  prices,
		rows:    rows,
		tracker: tracker,
		tasks:   tasks,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Begin opens the audit row for a request about to be forwarded. The row id
// sticks to the session so finalization and ledger rows can reference it.
func (h *Handler) Begin(ctx context.Context, sess *session.Session) error {
	id := uuid.Must(uuid.NewV7()).String()
	now := h.now()
	row := &relay.MessageRequest{
		ID:            id,
		UserID:        sess.Principal.User.ID,
		KeyHash:       sess.Principal.Key.KeyHash,
		SessionID:     sess.ID,
		Model:         sess.OriginalModel,
		OriginalModel: sess.OriginalModel,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := h.rows.CreateMessageRequest(ctx, row); err != nil {
		return fmt.Errorf("open audit row: %w", err)
	}
	sess.MessageID = id
	return nil
}

// Settle records a request that produced no deliverable response: forward
// errors, quota denials after Begin, client aborts before dispatch. The row
// gets the status, the error text and the chain; no usage, no cost.
func (h *Handler) Settle(ctx context.Context, sess *session.Session, status int, errMsg string) {
	sess.LastStatus = status
	ctx, cancel := h.settleContext(ctx)
	defer cancel()
	h.writeRow(ctx, sess, nil, relay.Usage{}, 0, relay.PaymentPlan{}, status, errMsg)
	h.saveSession(ctx, sess)
}

// finalize runs the settlement sequence after a delivered response: price
// the usage, recompute the payment plan at the actual cost, debit, record
// provider spend, persist the audit row and refresh the tracked session.
// The client already has its bytes, so every failure here is log-only.
func (h *Handler) finalize(ctx context.Context, sess *session.Session, p *relay.Provider, usage relay.Usage, estimated bool, status int) {
	var cost float64
	if !usage.Zero() {
		price, err := h.prices.Lookup(ctx, sess.OriginalModel, sess.CurrentModel)
		if err != nil {
			h.logger.Warn("model unpriced, recording zero cost",
				"model", sess.CurrentModel,
				"original_model", sess.OriginalModel,
				"error", err)
		}
		cost = pricing.Cost(usage, price, p.CostMultiplier)
	}

	var plan relay.PaymentPlan
	fin, err := h.guard.Finalize(ctx, sess.Principal, cost, sess.MessageID)
	if err != nil {
		h.logger.Error("payment finalization failed",
			"message_id", sess.MessageID,
			"cost_usd", cost,
			"error", err)
	} else {
		plan = fin.Plan
	}

	if err := h.gate.RecordUsage(ctx, p.ID, cost, usage.Total()); err != nil {
		h.logger.Warn("provider spend recording failed", "provider_id", p.ID, "error", err)
	}

	if m := h.cfg.Metrics; m != nil {
		m.AddUsage(sess.CurrentModel, usage.InputTokens, usage.OutputTokens,
			usage.CacheCreationInputTokens, usage.CacheReadInputTokens)
		m.AddSpend(plan.FromPackageUSD, plan.FromBalanceUSD)
	}

	h.writeRow(ctx, sess, p, usage, cost, plan, status, "")
	sess.AddUsage(usage, cost)
	h.saveSession(ctx, sess)

	h.logger.Info("request settled",
		"session_id", sess.ID,
		"message_id", sess.MessageID,
		"provider_id", p.ID,
		"model", sess.CurrentModel,
		"status", status,
		"tokens", usage.Total(),
		"cost_usd", cost,
		"source", plan.Source,
		"estimated", estimated,
		"duration_ms", h.now().Sub(sess.StartTime).Milliseconds())
}

// settleAborted records a client abort mid-delivery. Usage captured so far
// is incomplete, so nothing is priced or debited; the row keeps the status
// and the chain for auditability.
func (h *Handler) settleAborted(ctx context.Context, sess *session.Session, p *relay.Provider) {
	sess.AppendChain(relay.ChainItem{
		ProviderID: p.ID,
		Reason:     relay.ReasonSystemError,
		Attempt:    len(sess.Chain) + 1,
		Error:      &relay.ChainError{Kind: relay.KindClientAbort, Message: "client closed connection"},
	})
	sess.LastStatus = relay.StatusClientClosed

	ctx, cancel := h.settleContext(ctx)
	defer cancel()
	h.writeRow(ctx, sess, p, relay.Usage{}, 0, relay.PaymentPlan{}, relay.StatusClientClosed, "client closed connection")
	h.saveSession(ctx, sess)

	h.logger.Info("client aborted mid-stream",
		"session_id", sess.ID,
		"message_id", sess.MessageID,
		"provider_id", p.ID)
}

// writeRow fills the audit row opened by Begin. The update covers every
// mutable column, so all of them must be populated here.
func (h *Handler) writeRow(ctx context.Context, sess *session.Session, p *relay.Provider, usage relay.Usage, cost float64, plan relay.PaymentPlan, status int, errMsg string) {
	if sess.MessageID == "" {
		return
	}
	row := &relay.MessageRequest{
		ID:             sess.MessageID,
		SessionID:      sess.ID,
		Model:          sess.CurrentModel,
		OriginalModel:  sess.OriginalModel,
		StatusCode:     status,
		Usage:          usage,
		DurationMs:     h.now().Sub(sess.StartTime).Milliseconds(),
		CostUSD:        cost,
		PackageCostUSD: plan.FromPackageUSD,
		BalanceCostUSD: plan.FromBalanceUSD,
		PaymentSource:  plan.Source,
		ErrorMessage:   errMsg,
		ProviderChain:  sess.Chain,
	}
	if p != nil {
		row.ProviderID = p.ID
		row.CostMultiplier = p.CostMultiplier
	}
	if err := h.rows.UpdateMessageRequest(ctx, row); err != nil {
		h.logger.Error("audit row update failed", "message_id", sess.MessageID, "error", err)
	}
}

// saveSession snapshots the session into the tracker and refreshes its
// sliding TTL.
func (h *Handler) saveSession(ctx context.Context, sess *session.Session) {
	if err := h.tracker.Save(ctx, sess.State(h.now()), h.cfg.SessionTTL); err != nil {
		h.logger.Warn("session save failed", "session_id", sess.ID, "error", err)
	}
}

// settleContext detaches settlement writes from client cancellation. The
// audit row and tracker must be written even when the caller's context died
// with the connection.
func (h *Handler) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), h.cfg.SettleTimeout)
}

// fallbackUsage estimates token counts when a completed response carried no
// usage block, so settlement never silently records zero. outputBytes is the
// accumulated length of the response text.
func (h *Handler) fallbackUsage(sess *session.Session, outputBytes int) relay.Usage {
	return relay.Usage{
		InputTokens:  tokencount.EstimateRequest(sess.Body),
		OutputTokens: tokencount.EstimateBytes(outputBytes),
	}
}

// estimable reports whether a usage estimate is appropriate for this
// request. Probes and token-count lookups are unbilled upstream; inventing
// tokens for them would charge for canaries.
func estimable(sess *session.Session) bool {
	return !sess.Body.Probe() && !strings.HasSuffix(sess.Path, "/count_tokens")
}
