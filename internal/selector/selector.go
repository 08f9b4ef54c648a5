// Package selector picks the upstream provider for one forwarding attempt:
// static eligibility, circuit state, sticky session binding, then a weighted
// draw within the most-preferred priority tier. Admission against the
// provider's own ceilings happens after the draw so rpm, rpd and session
// counters only tick for the provider actually chosen.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/circuit"
	"github.com/eugener/switchyard/internal/wire"
)

// halfOpenWeightFactor scales a half-open provider's weight so it receives
// probe traffic without taking a full share while recovering.
const halfOpenWeightFactor = 0.1

// Gate admits a picked provider against its rate and spend ceilings.
type Gate interface {
	Admit(ctx context.Context, p *relay.Provider) (func(context.Context), error)
}

// Request carries the selection inputs derived from the inbound session.
type Request struct {
	Model           string
	ClientFormat    relay.WireFormat
	UserAgent       string
	ProviderGroup   string // from the user row; empty matches untagged providers only
	BoundProviderID string // sticky binding from the session, empty on first contact
}

// Pick is a successful selection: the provider, its circuit record at pick
// time, and the concurrency release when the provider holds a session slot.
type Pick struct {
	Provider *relay.Provider
	Circuit  circuit.Record
	Reason   relay.ChainReason
	Release  func(context.Context)
}

type candidate struct {
	p   *relay.Provider
	rec circuit.Record
}

// Selector owns the selection policy over the provider catalog.
type Selector struct {
	catalog relay.Catalog
	breaker *circuit.Breaker
	gate    Gate
	logger  *slog.Logger

	randFloat func() float64
	randIntN  func(int) int
	now       func() time.Time
}

// New returns a Selector over the given catalog, breaker and admission gate.
func New(catalog relay.Catalog, breaker *circuit.Breaker, gate Gate, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		catalog:   catalog,
		breaker:   breaker,
		gate:      gate,
		logger:    logger,
		randFloat: rand.Float64,
		randIntN:  rand.IntN,
		now:       time.Now,
	}
}

// Select returns the provider for the next attempt, or ErrNoProvider when
// nothing can serve the request. Exhaustion caused purely by provider
// ceilings surfaces as a provider-scope RateLimitError instead, so the
// client sees 429 rather than 503.
func (s *Selector) Select(ctx context.Context, req *Request, exclude map[string]bool) (*Pick, error) {
	providers, err := s.catalog.Providers(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider catalog: %w", err)
	}
	now := s.now()

	var candidates []candidate
	for _, p := range providers {
		if !eligible(p, req, exclude, now) {
			continue
		}
		rec, ok := s.circuitRecord(ctx, p)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{p: p, rec: rec})
	}

	failOpen := false
	if len(candidates) == 0 {
		candidates = s.failOpenCohort(ctx, providers, req, exclude, now)
		failOpen = len(candidates) > 0
		if failOpen {
			s.logger.Debug("selection falling back to claude pool",
				"model", req.Model, "cohort_size", len(candidates))
		}
	}
	if len(candidates) == 0 {
		return nil, relay.ErrNoProvider
	}

	var rateLimited bool
	for len(candidates) > 0 {
		c := s.pick(candidates, req, failOpen)

		release, err := s.gate.Admit(ctx, c.p)
		if err != nil {
			var rle *relay.RateLimitError
			if errors.As(err, &rle) {
				rateLimited = true
				s.logger.Debug("provider at capacity",
					"provider", c.p.Name, "reason", rle.Reason)
			} else {
				s.logger.Warn("provider admission check failed",
					"provider", c.p.Name, "error", err)
			}
			candidates = drop(candidates, c.p.ID)
			continue
		}

		reason := relay.ReasonInitialSelection
		if c.p.ID == req.BoundProviderID {
			reason = relay.ReasonSessionReuse
		}
		return &Pick{Provider: c.p, Circuit: c.rec, Reason: reason, Release: release}, nil
	}

	if rateLimited {
		return nil, &relay.RateLimitError{
			Scope:  "provider",
			Reason: "all providers at capacity",
			Err:    relay.ErrRateLimited,
		}
	}
	return nil, relay.ErrNoProvider
}

// circuitRecord reads the provider's circuit, filtering out open circuits.
// A failed read counts as closed: sidelining every provider on a store blip
// would turn a cache outage into a full relay outage.
func (s *Selector) circuitRecord(ctx context.Context, p *relay.Provider) (circuit.Record, bool) {
	rec, err := s.breaker.State(ctx, p)
	if err != nil {
		s.logger.Warn("circuit state read failed, treating as closed",
			"provider", p.Name, "error", err)
		return circuit.Record{}, true
	}
	if rec.State == circuit.StateOpen {
		return circuit.Record{}, false
	}
	return rec, true
}

// eligible applies the static filter: lifecycle, exclusions, group fencing,
// model allow-list (against the model the provider would actually see),
// dialect compatibility and the official-CLI restriction.
func eligible(p *relay.Provider, req *Request, exclude map[string]bool, now time.Time) bool {
	if !p.Enabled || p.Expired(now) || exclude[p.ID] {
		return false
	}
	if p.GroupTag != "" && p.GroupTag != req.ProviderGroup {
		return false
	}
	if !p.AllowsModel(p.RedirectModel(req.Model)) {
		return false
	}
	if p.WireFormat() != req.ClientFormat && !wire.CanTransform(req.ClientFormat, p.WireFormat()) {
		return false
	}
	if p.OnlyClaudeCLI && !isClaudeCLI(req.UserAgent) {
		return false
	}
	return true
}

// failOpenCohort is the last-resort pool for Claude-dialect traffic: pool
// members keep their lifecycle, model and CLI restrictions but ignore group
// fencing and priority, and are drawn with equal weights.
func (s *Selector) failOpenCohort(ctx context.Context, providers []*relay.Provider, req *Request, exclude map[string]bool, now time.Time) []candidate {
	if req.ClientFormat != relay.FormatClaude {
		return nil
	}
	var cohort []candidate
	for _, p := range providers {
		if !p.JoinClaudePool || !p.Enabled || p.Expired(now) || exclude[p.ID] {
			continue
		}
		if !p.AllowsModel(p.RedirectModel(req.Model)) {
			continue
		}
		if p.OnlyClaudeCLI && !isClaudeCLI(req.UserAgent) {
			continue
		}
		rec, ok := s.circuitRecord(ctx, p)
		if !ok {
			continue
		}
		cohort = append(cohort, candidate{p: p, rec: rec})
	}
	return cohort
}

// pick chooses one candidate: the sticky binding when it survived
// filtering, a uniform draw for the fail-open cohort, otherwise a weighted
// draw within the lowest priority tier.
func (s *Selector) pick(candidates []candidate, req *Request, failOpen bool) candidate {
	if req.BoundProviderID != "" {
		for _, c := range candidates {
			if c.p.ID == req.BoundProviderID {
				return c
			}
		}
	}
	if failOpen {
		return candidates[s.randIntN(len(candidates))]
	}

	best := candidates[0].p.Priority
	for _, c := range candidates[1:] {
		if c.p.Priority < best {
			best = c.p.Priority
		}
	}
	tier := candidates[:0:0]
	for _, c := range candidates {
		if c.p.Priority == best {
			tier = append(tier, c)
		}
	}
	return s.weighted(tier)
}

// weighted samples one candidate with probability proportional to effective
// weight. Half-open circuits probe at a fraction of their weight; a tier
// with no positive weight falls back to a uniform draw.
func (s *Selector) weighted(tier []candidate) candidate {
	weights := make([]float64, len(tier))
	var total float64
	for i, c := range tier {
		w := float64(c.p.Weight)
		if c.rec.State == circuit.StateHalfOpen {
			w *= halfOpenWeightFactor
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return tier[s.randIntN(len(tier))]
	}
	r := s.randFloat() * total
	for i, c := range tier {
		r -= weights[i]
		if r < 0 {
			return c
		}
	}
	return tier[len(tier)-1]
}

func drop(candidates []candidate, id string) []candidate {
	kept := candidates[:0:0]
	for _, c := range candidates {
		if c.p.ID != id {
			kept = append(kept, c)
		}
	}
	return kept
}

// isClaudeCLI reports whether the user agent is an official Claude CLI
// build ("claude-cli/<version> ...").
func isClaudeCLI(ua string) bool {
	return strings.HasPrefix(ua, "claude-cli/")
}
