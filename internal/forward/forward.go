// Package forward drives the upstream dispatch loop for one relayed request:
// render the body in the provider's dialect, send it, and walk the failover
// ladder when the attempt fails. Every completed attempt leaves exactly one
// entry on the session's provider chain.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/cache"
	"github.com/eugener/switchyard/internal/circuit"
	"github.com/eugener/switchyard/internal/selector"
	"github.com/eugener/switchyard/internal/session"
	"github.com/eugener/switchyard/internal/wire"
)

const (
	// snippetCap bounds the upstream error body kept on chain items and
	// audit rows.
	snippetCap = 1024

	// instructionsRejected marks the Codex validation failure the
	// instructions repair recovers from.
	instructionsRejected = "Instructions are not valid"

	// codexUserAgent stands in when a request reaches a Codex upstream
	// without a client user agent.
	codexUserAgent = "codex_cli_rs/0.0.0 (switchyard)"
)

// Config tunes the failover ladder.
type Config struct {
	// MaxProviderSwitches caps how many distinct providers one request may
	// try.
	MaxProviderSwitches int
	// MaxAttemptsPerProvider caps attempts against a single provider. The
	// second attempt is either the transient-error retry or the
	// instructions repair.
	MaxAttemptsPerProvider int
	// SystemRetryDelay pauses between the two attempts after a
	// transport-level failure.
	SystemRetryDelay time.Duration
	// BodyTimeout bounds one attempt end to end, including streaming the
	// response body. Long generations stream for minutes, so this is
	// deliberately generous; time to response headers is bounded separately
	// by the transport.
	BodyTimeout time.Duration
	// InstructionsTTL bounds how long accepted Codex instructions stay
	// reusable for repairs.
	InstructionsTTL time.Duration
	// CountNetworkErrors makes transport-level failures count against
	// circuits alongside upstream rejections.
	CountNetworkErrors bool
}

// DefaultConfig returns the production failover ladder.
func DefaultConfig() Config {
	return Config{
		MaxProviderSwitches:    20,
		MaxAttemptsPerProvider: 2,
		SystemRetryDelay:       100 * time.Millisecond,
		BodyTimeout:            15 * time.Minute,
		InstructionsTTL:        24 * time.Hour,
	}
}

// ProviderSelector yields the provider for the next attempt. Implemented by
// selector.Selector.
type ProviderSelector interface {
	Select(ctx context.Context, req *selector.Request, exclude map[string]bool) (*selector.Pick, error)
}

// CredentialSource resolves the upstream credential for a provider.
type CredentialSource interface {
	Bearer(ctx context.Context, p *relay.Provider) (string, error)
}

// StaticCredentials resolves every provider to its stored key. OAuth-backed
// providers swap in a refreshing source.
type StaticCredentials struct{}

func (StaticCredentials) Bearer(_ context.Context, p *relay.Provider) (string, error) {
	return p.Key, nil
}

// Result is a successful upstream exchange. Resp.Body is open; the caller
// streams it to the client and must close it. Release frees the provider's
// concurrency slot once the response settles.
type Result struct {
	Resp     *http.Response
	Provider *relay.Provider
	Release  func(context.Context)
}

// Forwarder owns the dispatch loop.
type Forwarder struct {
	sel        ProviderSelector
	breaker    *circuit.Breaker
	catalog    relay.Catalog
	transports *Transports
	creds      CredentialSource
	instr      cache.Cache
	cfg        Config
	logger     *slog.Logger

	sleep func(context.Context, time.Duration) error
}

// New returns a Forwarder. Zero Config fields fall back to DefaultConfig;
// a nil creds means providers authenticate with their stored keys.
func New(sel ProviderSelector, breaker *circuit.Breaker, catalog relay.Catalog, transports *Transports, creds CredentialSource, instr cache.Cache, cfg Config, logger *slog.Logger) *Forwarder {
	def := DefaultConfig()
	if cfg.MaxProviderSwitches <= 0 {
		cfg.MaxProviderSwitches = def.MaxProviderSwitches
	}
	if cfg.MaxAttemptsPerProvider <= 0 {
		cfg.MaxAttemptsPerProvider = def.MaxAttemptsPerProvider
	}
	if cfg.SystemRetryDelay <= 0 {
		cfg.SystemRetryDelay = def.SystemRetryDelay
	}
	if cfg.BodyTimeout <= 0 {
		cfg.BodyTimeout = def.BodyTimeout
	}
	if cfg.InstructionsTTL <= 0 {
		cfg.InstructionsTTL = def.InstructionsTTL
	}
	if creds == nil {
		creds = StaticCredentials{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		sel:        sel,
		breaker:    breaker,
		catalog:    catalog,
		transports: transports,
		creds:      creds,
		instr:      instr,
		cfg:        cfg,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Forward runs the failover ladder until a provider answers 2xx or nothing
// is left to try. Selection denials pass through unchanged: a
// *relay.RateLimitError stays a 429 and a first-selection ErrNoProvider
// stays a 503. Once at least one provider has been attempted, exhaustion
// surfaces as ErrAllProvidersFailed. A client disconnect aborts the ladder
// with ErrClientAbort.
func (f *Forwarder) Forward(ctx context.Context, sess *session.Session) (*Result, error) {
	selReq := &selector.Request{
		Model:           sess.OriginalModel,
		ClientFormat:    sess.ClientFormat,
		UserAgent:       sess.UserAgent,
		BoundProviderID: sess.BoundProviderID,
	}
	if sess.Principal != nil && sess.Principal.User != nil {
		selReq.ProviderGroup = sess.Principal.User.ProviderGroup
	}

	exclude := make(map[string]bool)
	repaired := false // at most one instructions repair per request
	attempted := 0

	for attempted < f.cfg.MaxProviderSwitches {
		pick, err := f.sel.Select(ctx, selReq, exclude)
		if err != nil {
			var rle *relay.RateLimitError
			if errors.As(err, &rle) {
				return nil, err
			}
			if attempted > 0 && errors.Is(err, relay.ErrNoProvider) {
				return nil, fmt.Errorf("%d providers tried: %w", attempted, relay.ErrAllProvidersFailed)
			}
			return nil, err
		}

		res, err := f.tryProvider(ctx, sess, pick, &repaired)
		if res != nil || err != nil {
			return res, err
		}

		attempted++
		exclude[pick.Provider.ID] = true
		if selReq.BoundProviderID == pick.Provider.ID {
			selReq.BoundProviderID = ""
		}
	}
	return nil, fmt.Errorf("%d providers tried: %w", attempted, relay.ErrAllProvidersFailed)
}

// tryProvider runs up to MaxAttemptsPerProvider attempts against one pick.
// It returns (nil, nil) to move on to the next provider; any error is
// terminal for the whole ladder.
func (f *Forwarder) tryProvider(ctx context.Context, sess *session.Session, pick *selector.Pick, repaired *bool) (*Result, error) {
	p := pick.Provider

	held := true
	release := func() {
		if held {
			held = false
			if pick.Release != nil {
				pick.Release(ctx)
			}
		}
	}
	defer release()

	model := p.RedirectModel(sess.OriginalModel)
	sess.CurrentModel = model
	sess.ProviderFormat = p.WireFormat()

	body, err := renderBody(sess, p, model)
	if err != nil {
		f.logger.Warn("request render failed",
			"provider", p.Name, "model", model, "error", err)
		f.appendChain(sess, p, pick.Circuit, relay.ReasonSystemError, 0, &relay.ChainError{
			Kind:    relay.KindSystemError,
			Message: bound(err.Error(), snippetCap),
		})
		return nil, nil
	}

	probe := sess.Body.Probe()
	var repairReason relay.ChainReason

	for attempt := 1; attempt <= f.cfg.MaxAttemptsPerProvider; attempt++ {
		f.logger.Debug("forwarding to provider",
			"provider", p.Name, "model", model, "attempt", attempt, "session", sess.ID)

		resp, err := f.dispatch(ctx, sess, p, body)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || sess.IsAborted() {
				f.appendChain(sess, p, pick.Circuit, relay.ReasonSystemError, 0, &relay.ChainError{
					Kind:    relay.KindClientAbort,
					Message: "client closed request",
				})
				return nil, relay.ErrClientAbort
			}

			rec := pick.Circuit
			if !probe && circuit.Countable(err, f.cfg.CountNetworkErrors) {
				if r, rerr := f.breaker.RecordFailure(ctx, p); rerr == nil {
					rec = r
				} else {
					f.logger.Warn("circuit failure record failed",
						"provider", p.Name, "error", rerr)
				}
			}
			f.appendChain(sess, p, rec, relay.ReasonSystemError, 0, &relay.ChainError{
				Kind:    relay.KindSystemError,
				Message: bound(err.Error(), snippetCap),
			})
			f.logger.Warn("upstream dispatch failed",
				"provider", p.Name, "model", model, "attempt", attempt, "error", err)

			// Only transport-level failures earn the same-provider retry;
			// credential and request-build errors fail the same way twice.
			if attempt < f.cfg.MaxAttemptsPerProvider && circuit.IsNetworkError(err) {
				if err := f.sleep(ctx, f.cfg.SystemRetryDelay); err != nil {
					return nil, relay.ErrClientAbort
				}
				continue
			}
			return nil, nil
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			rec, rerr := f.breaker.RecordSuccess(ctx, p)
			if rerr != nil {
				f.logger.Warn("circuit success record failed",
					"provider", p.Name, "error", rerr)
				rec = pick.Circuit
			}
			// request_success covers a provider's first attempt even after
			// switches; retry_success marks a same-provider retry paying off.
			reason := relay.ReasonRequestSuccess
			switch {
			case repairReason != "":
				reason = repairReason
			case attempt > 1:
				reason = relay.ReasonRetrySuccess
			}
			f.appendChain(sess, p, rec, reason, resp.StatusCode, nil)
			sess.LastStatus = resp.StatusCode
			f.bind(ctx, sess, p)
			f.storeInstructions(ctx, p, model, body)
			held = false // slot ownership moves to the Result
			return &Result{Resp: resp, Provider: p, Release: pick.Release}, nil
		}

		upErr := drainError(resp)
		rec := pick.Circuit
		if !probe {
			if r, rerr := f.breaker.RecordFailure(ctx, p); rerr == nil {
				rec = r
			} else {
				f.logger.Warn("circuit failure record failed",
					"provider", p.Name, "error", rerr)
			}
		}
		reason := relay.ReasonRetryFailed
		if repairReason != "" {
			reason = repairReason
		}
		f.appendChain(sess, p, rec, reason, upErr.Status, &relay.ChainError{
			Kind:    relay.KindProviderError,
			Status:  upErr.Status,
			Message: upErr.Snippet,
		})
		sess.LastStatus = upErr.Status
		f.logger.Warn("upstream rejected request",
			"provider", p.Name, "model", model, "status", upErr.Status, "attempt", attempt)

		if attempt < f.cfg.MaxAttemptsPerProvider && !*repaired && repairableInstructions(p, upErr) {
			*repaired = true
			instr, source := f.repairInstructions(ctx, p.ID, model)
			repairReason = source
			body = body.WithInstructions(instr)
			f.logger.Info("retrying with repaired instructions",
				"provider", p.Name, "model", model, "source", string(source))
			continue
		}
		return nil, nil
	}
	return nil, nil
}

// dispatch sends one rendered attempt. On success the returned response body
// keeps the attempt's deadline armed until closed.
func (f *Forwarder) dispatch(ctx context.Context, sess *session.Session, p *relay.Provider, body wire.Body) (*http.Response, error) {
	bearer, err := f.creds.Bearer(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("credential for %s: %w", p.Name, err)
	}
	tr, err := f.transports.For(p)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.BodyTimeout)
	req, err := buildRequest(attemptCtx, sess, p, body, bearer)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := (&http.Client{Transport: tr}).Do(req)
	if err != nil && p.ProxyURL != "" && p.ProxyFallbackToDirect && isProxyError(err) && attemptCtx.Err() == nil {
		f.logger.Warn("egress proxy unreachable, retrying direct",
			"provider", p.Name, "error", err)
		req, err = buildRequest(attemptCtx, sess, p, body, bearer)
		if err == nil {
			resp, err = (&http.Client{Transport: f.transports.Direct()}).Do(req)
		}
	}
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &deadlineBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// buildRequest assembles the upstream request: joined URL, forwarded
// headers, provider credentials. Accept-Encoding is pinned to identity so
// response bodies can be transformed inline.
func buildRequest(ctx context.Context, sess *session.Session, p *relay.Provider, body wire.Body, bearer string) (*http.Request, error) {
	target := strings.TrimRight(p.URL, "/") + upstreamPath(sess, p)
	if sess.Query != "" {
		target += "?" + sess.Query
	}
	req, err := http.NewRequestWithContext(ctx, sess.Method, target, bytes.NewReader(body.Raw))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	copyHeaders(req.Header, sess.Header)
	req.Header.Set("Authorization", "Bearer "+bearer)
	if p.Type != relay.ProviderClaudeAuth {
		req.Header.Set("x-api-key", bearer)
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Content-Type", "application/json")
	if p.WireFormat() == relay.FormatCodex && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", codexUserAgent)
	}
	return req, nil
}

// upstreamPath picks the upstream endpoint. Matching dialects keep the
// client's path so subresources ride along; transformed requests go to the
// dialect's canonical endpoint. Codex upstreams always take /v1/responses.
func upstreamPath(sess *session.Session, p *relay.Provider) string {
	pf := p.WireFormat()
	if pf == sess.ClientFormat && pf != relay.FormatCodex {
		return sess.Path
	}
	switch pf {
	case relay.FormatCodex:
		return "/v1/responses"
	case relay.FormatOpenAI:
		return "/v1/chat/completions"
	}
	return "/v1/messages"
}

// hopByHopHeaders are connection-scoped and never forwarded upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// copyHeaders forwards client headers upstream, dropping hop-by-hop headers
// and anything carrying the client's own credentials.
func copyHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		switch strings.ToLower(key) {
		case "authorization", "x-api-key", "api-key", "x-goog-api-key",
			"accept-encoding", "content-length", "host":
			continue
		}
		dst[key] = vals
	}
}

// renderBody produces the attempt body in the provider's dialect with the
// redirected model applied. Codex bodies are normalized unless they come
// from the official CLI under strategy auto.
func renderBody(sess *session.Session, p *relay.Provider, model string) (wire.Body, error) {
	raw, err := wire.TransformRequest(sess.Body, p.WireFormat(), model)
	if err != nil {
		return wire.Body{}, err
	}
	b := wire.ParseBody(p.WireFormat(), raw)
	if p.WireFormat() == relay.FormatCodex {
		b = wire.NormalizeCodex(b, p.InstructionsStrategy)
	}
	return b, nil
}

// drainError consumes a non-2xx response into an UpstreamError with a
// bounded body snippet.
func drainError(resp *http.Response) *relay.UpstreamError {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, snippetCap))
	return &relay.UpstreamError{Status: resp.StatusCode, Snippet: string(raw)}
}

// repairableInstructions reports whether a rejection is the Codex
// instructions validation failure that swapping in known-good instructions
// can fix. Only strategy-auto providers qualify: force_official and
// keep_original pin the instructions deliberately.
func repairableInstructions(p *relay.Provider, e *relay.UpstreamError) bool {
	if p.WireFormat() != relay.FormatCodex {
		return false
	}
	if p.InstructionsStrategy != relay.InstructionsAuto && p.InstructionsStrategy != "" {
		return false
	}
	return e.Status == http.StatusBadRequest && strings.Contains(e.Snippet, instructionsRejected)
}

// repairInstructions returns the replacement instructions for a repair
// attempt: the last instructions this provider accepted for the model when
// cached, the official CLI instructions otherwise.
func (f *Forwarder) repairInstructions(ctx context.Context, providerID, model string) (string, relay.ChainReason) {
	if f.instr != nil {
		if v, ok := f.instr.Get(ctx, instructionsKey(providerID, model)); ok && len(v) > 0 {
			return string(v), relay.ReasonRetryCachedInstr
		}
	}
	return wire.OfficialInstructions, relay.ReasonRetryOfficialInstr
}

// storeInstructions remembers the instructions a Codex provider accepted so
// later repairs can reuse them.
func (f *Forwarder) storeInstructions(ctx context.Context, p *relay.Provider, model string, body wire.Body) {
	if f.instr == nil || p.WireFormat() != relay.FormatCodex {
		return
	}
	if p.InstructionsStrategy != relay.InstructionsAuto && p.InstructionsStrategy != "" {
		return
	}
	if instr := body.Instructions(); instr != "" {
		f.instr.Set(ctx, instructionsKey(p.ID, model), []byte(instr), f.cfg.InstructionsTTL)
	}
}

func instructionsKey(providerID, model string) string {
	return "instr:" + providerID + ":" + model
}

// bind points the session at the provider that served it. A clean
// first-attempt success always moves the binding; after failovers it only
// moves to an equal-or-better priority provider, so a temporary dip to a
// backup does not capture the conversation.
func (f *Forwarder) bind(ctx context.Context, sess *session.Session, p *relay.Provider) {
	if sess.BoundProviderID == "" || sess.BoundProviderID == p.ID || len(sess.Chain) == 1 {
		sess.BoundProviderID = p.ID
		return
	}
	prev := f.lookupProvider(ctx, sess.BoundProviderID)
	if prev == nil || p.Priority <= prev.Priority {
		sess.BoundProviderID = p.ID
	}
}

func (f *Forwarder) lookupProvider(ctx context.Context, id string) *relay.Provider {
	if f.catalog == nil {
		return nil
	}
	providers, err := f.catalog.Providers(ctx)
	if err != nil {
		return nil
	}
	for _, p := range providers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// appendChain logs one completed attempt. Attempt numbers are
// request-global: the third attempt overall is attempt 3 even when it is
// the first against its provider.
func (f *Forwarder) appendChain(sess *session.Session, p *relay.Provider, rec circuit.Record, reason relay.ChainReason, status int, cerr *relay.ChainError) {
	cfg := f.breaker.ConfigFor(p)
	sess.AppendChain(relay.ChainItem{
		ProviderID:       p.ID,
		Reason:           reason,
		Attempt:          len(sess.Chain) + 1,
		CircuitState:     rec.State.String(),
		FailureCount:     rec.FailureCount,
		FailureThreshold: cfg.FailureThreshold,
		StatusCode:       status,
		Error:            cerr,
	})
}

// deadlineBody ties the attempt context to the response body: the deadline
// stays armed while the caller streams, and its resources free on Close.
type deadlineBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *deadlineBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// sleepCtx pauses between attempts, returning early when the client goes
// away.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func bound(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
