package metering

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/counter"
	"github.com/eugener/switchyard/internal/forward"
	"github.com/eugener/switchyard/internal/pricing"
	"github.com/eugener/switchyard/internal/quota"
	"github.com/eugener/switchyard/internal/session"
	"github.com/eugener/switchyard/internal/storage"
)

const claudeBody = `{"model":"claude-sonnet-4","stream":false,"messages":[{"role":"user","content":"hello there"}]}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fakes ---

type fakeRows struct {
	mu      sync.Mutex
	rows    map[string]*relay.MessageRequest
	created []string
	updates int
}

func newFakeRows() *fakeRows {
	return &fakeRows{rows: make(map[string]*relay.MessageRequest)}
}

func (f *fakeRows) CreateMessageRequest(_ context.Context, m *relay.MessageRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.rows[m.ID] = &cp
	f.created = append(f.created, m.ID)
	return nil
}

func (f *fakeRows) UpdateMessageRequest(_ context.Context, m *relay.MessageRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[m.ID]
	if !ok {
		return relay.ErrNotFound
	}
	cp := *m
	cp.CreatedAt = row.CreatedAt
	cp.UserID = row.UserID
	cp.KeyHash = row.KeyHash
	f.rows[m.ID] = &cp
	f.updates++
	return nil
}

func (f *fakeRows) GetMessageRequest(_ context.Context, id string) (*relay.MessageRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeRows) ListMessageRequests(context.Context, string, int, int) ([]*relay.MessageRequest, error) {
	return nil, nil
}

func (f *fakeRows) SumPackageSpend(context.Context, storage.SpendFilter) (float64, error) {
	return 0, nil
}

func (f *fakeRows) SumProviderSpend(context.Context, string, time.Time) (float64, error) {
	return 0, nil
}

func (f *fakeRows) get(t *testing.T, id string) *relay.MessageRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		t.Fatalf("no audit row %q", id)
	}
	cp := *row
	return &cp
}

type fakeQuotaStore struct {
	mu   sync.Mutex
	user *relay.User
}

func (f *fakeQuotaStore) SumPackageSpend(context.Context, storage.SpendFilter) (float64, error) {
	return 0, nil
}

func (f *fakeQuotaStore) GetUser(_ context.Context, id string) (*relay.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.user == nil || f.user.ID != id {
		return nil, relay.ErrNotFound
	}
	cp := *f.user
	return &cp, nil
}

func (f *fakeQuotaStore) GetKey(context.Context, string) (*relay.APIKey, error) {
	return nil, relay.ErrNotFound
}

type fakeLedger struct {
	mu     sync.Mutex
	store  *fakeQuotaStore
	debits []*relay.BalanceTransaction
}

func (l *fakeLedger) Debit(_ context.Context, userID string, amount float64, note, mrID string) (*relay.BalanceTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if l.store.user.BalanceUSD < amount {
		return nil, relay.ErrInsufficientFunds
	}
	before := l.store.user.BalanceUSD
	l.store.user.BalanceUSD = pricing.Round6(before - amount)
	tx := &relay.BalanceTransaction{
		ID:               "tx1",
		UserID:           userID,
		Amount:           -amount,
		BalanceBefore:    before,
		BalanceAfter:     l.store.user.BalanceUSD,
		Type:             relay.TxDeduction,
		Note:             note,
		MessageRequestID: mrID,
		CreatedAt:        time.Now(),
	}
	l.debits = append(l.debits, tx)
	return tx, nil
}

type fakeProviderSpend struct{}

func (fakeProviderSpend) SumProviderSpend(context.Context, string, time.Time) (float64, error) {
	return 0, nil
}

type fakePrices struct {
	prices map[string]*relay.ModelPrice
}

func (f *fakePrices) GetPrice(_ context.Context, model string, _ time.Time) (*relay.ModelPrice, error) {
	p, ok := f.prices[model]
	if !ok {
		return nil, relay.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// --- environment ---

type env struct {
	h       *Handler
	rows    *fakeRows
	ledger  *fakeLedger
	qstore  *fakeQuotaStore
	tracker *session.MemoryTracker
	tasks   *session.Manager
}

func newEnv(t *testing.T, prices map[string]*relay.ModelPrice, balance float64) *env {
	t.Helper()
	qstore := &fakeQuotaStore{user: &relay.User{ID: "u1", Enabled: true, BalanceUSD: balance}}
	ledger := &fakeLedger{store: qstore}
	guard := quota.New(counter.NewMemory(), qstore, ledger, quota.Config{})
	gate := quota.NewProviderGate(counter.NewMemory(), fakeProviderSpend{}, quota.Config{})
	table, err := pricing.NewTable(&fakePrices{prices: prices})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	rows := newFakeRows()
	tracker := session.NewMemoryTracker()
	tasks := session.NewManager(discardLogger())
	return &env{
		h:       New(guard, gate, table, rows, tracker, tasks, Config{}, discardLogger()),
		rows:    rows,
		ledger:  ledger,
		qstore:  qstore,
		tracker: tracker,
		tasks:   tasks,
	}
}

// settle waits for spawned settlement tasks to finish.
func (e *env) settle(t *testing.T) {
	t.Helper()
	if err := e.tasks.Shutdown(context.Background()); err != nil {
		t.Fatalf("task shutdown: %v", err)
	}
}

func testSession(t *testing.T, path, body string) *session.Session {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	principal := &relay.Principal{
		User: &relay.User{ID: "u1", Enabled: true},
		Key:  &relay.APIKey{ID: "k1", UserID: "u1", KeyHash: "deadbeef", Enabled: true},
	}
	sess := session.New(req, []byte(body), principal)
	sess.ProviderFormat = sess.ClientFormat
	return sess
}

func prov(id string) *relay.Provider {
	return &relay.Provider{ID: id, Type: relay.ProviderClaude, CostMultiplier: 1, Enabled: true}
}

// delivered simulates the forwarder's success bookkeeping before handing the
// response to Deliver.
func delivered(sess *session.Session, p *relay.Provider, status int) {
	sess.LastStatus = status
	sess.BoundProviderID = p.ID
	sess.AppendChain(relay.ChainItem{
		ProviderID: p.ID,
		Reason:     relay.ReasonRequestSuccess,
		Attempt:    1,
		StatusCode: status,
	})
}

func upstreamResult(p *relay.Provider, status int, contentType, body string, released *bool) *forward.Result {
	return &forward.Result{
		Resp: &http.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": []string{contentType}},
			Body:       io.NopCloser(strings.NewReader(body)),
		},
		Provider: p,
		Release:  func(context.Context) { *released = true },
	}
}

func wantUSD(t *testing.T, got, want float64, what string) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s = %v, want %v", what, got, want)
	}
}

var sonnetPrice = map[string]*relay.ModelPrice{
	"claude-sonnet-4": {Model: "claude-sonnet-4", InputUSD: 0.01, OutputUSD: 0.01},
}

// --- tests ---

func TestBegin_OpensAuditRow(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, 0)
	sess := testSession(t, "/v1/messages", claudeBody)

	if err := e.h.Begin(context.Background(), sess); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if sess.MessageID == "" {
		t.Fatal("MessageID not assigned")
	}
	row := e.rows.get(t, sess.MessageID)
	if row.UserID != "u1" || row.KeyHash != "deadbeef" {
		t.Fatalf("row identity = %q/%q, want u1/deadbeef", row.UserID, row.KeyHash)
	}
	if row.SessionID != sess.ID {
		t.Fatalf("row session = %q, want %q", row.SessionID, sess.ID)
	}
	if row.Model != "claude-sonnet-4" || row.OriginalModel != "claude-sonnet-4" {
		t.Fatalf("row models = %q/%q", row.Model, row.OriginalModel)
	}
}

func TestDeliver_PlainBillsFromBalance(t *testing.T) {
	t.Parallel()
	e := newEnv(t, sonnetPrice, 10.0)
	sess := testSession(t, "/v1/messages", claudeBody)
	if err := e.h.Begin(context.Background(), sess); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	p := prov("a")
	delivered(sess, p, 200)

	upstream := `{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"Hi"}],"usage":{"input_tokens":100,"output_tokens":200}}`
	released := false
	res := upstreamResult(p, 200, "application/json", upstream, &released)
	rec := httptest.NewRecorder()

	e.h.Deliver(context.Background(), sess, res, rec)
	e.settle(t)

	if rec.Code != 200 {
		t.Fatalf("client status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != upstream {
		t.Fatalf("client body = %q, want upstream body", got)
	}
	if !released {
		t.Fatal("provider slot not released")
	}

	row := e.rows.get(t, sess.MessageID)
	if row.StatusCode != 200 {
		t.Fatalf("row status = %d, want 200", row.StatusCode)
	}
	if row.Usage.InputTokens != 100 || row.Usage.OutputTokens != 200 {
		t.Fatalf("row usage = %+v, want 100/200", row.Usage)
	}
	wantUSD(t, row.CostUSD, 3.0, "row cost")
	wantUSD(t, row.BalanceCostUSD, 3.0, "row balance cost")
	wantUSD(t, row.PackageCostUSD, 0, "row package cost")
	if row.PaymentSource != relay.PaymentBalance {
		t.Fatalf("payment source = %q, want balance", row.PaymentSource)
	}
	if row.ProviderID != "a" {
		t.Fatalf("row provider = %q, want a", row.ProviderID)
	}
	if len(row.ProviderChain) != 1 || row.ProviderChain[0].Reason != relay.ReasonRequestSuccess {
		t.Fatalf("row chain = %+v, want one request_success item", row.ProviderChain)
	}
	if row.DurationMs < 0 {
		t.Fatalf("row duration = %d", row.DurationMs)
	}

	wantUSD(t, e.qstore.user.BalanceUSD, 7.0, "balance after")
	if len(e.ledger.debits) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(e.ledger.debits))
	}
	tx := e.ledger.debits[0]
	if tx.Type != relay.TxDeduction {
		t.Fatalf("tx type = %q, want deduction", tx.Type)
	}
	wantUSD(t, tx.Amount, -3.0, "tx amount")
	if tx.MessageRequestID != sess.MessageID {
		t.Fatalf("tx message id = %q, want %q", tx.MessageRequestID, sess.MessageID)
	}

	st, err := e.tracker.Load(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("tracker load: %v", err)
	}
	if st.Requests != 1 || st.LastStatus != 200 || st.BoundProviderID != "a" {
		t.Fatalf("tracked state = %+v", st)
	}
	wantUSD(t, st.CostUSD, 3.0, "tracked cost")
}

func TestDeliver_PlainTransformsDialect(t *testing.T) {
	t.Parallel()
	e := newEnv(t, sonnetPrice, 10.0)
	sess := testSession(t, "/v1/messages", claudeBody)
	if err := e.h.Begin(context.Background(), sess); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	p := prov("oai")
	delivered(sess, p, 200)
	sess.ProviderFormat = relay.FormatOpenAI
	sess.CurrentModel = "gpt-4o"

	upstream := `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"Hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`
	released := false
	res := upstreamResult(p, 200, "application/json", upstream, &released)
	rec := httptest.NewRecorder()

	e.h.Deliver(context.Background(), sess, res, rec)
	e.settle(t)

	body := rec.Body.String()
	if !strings.Contains(body, `"type":"message"`) || !strings.Contains(body, `"Hi"`) {
		t.Fatalf("client body not in claude shape: %s", body)
	}
	if rec.Header().Get("Content-Length") != "" {
		t.Fatal("content-length must be stripped")
	}

	row := e.rows.get(t, sess.MessageID)
	if row.Usage.InputTokens != 10 || row.Usage.OutputTokens != 5 {
		t.Fatalf("row usage = %+v, want 10/5 from openai spellings", row.Usage)
	}
	if row.Model != "gpt-4o" || row.OriginalModel != "claude-sonnet-4" {
		t.Fatalf("row models = %q/%q", row.Model, row.OriginalModel)
	}
	// Price resolves via the original model; the redirected name is unpriced.
	wantUSD(t, row.CostUSD, 0.15, "row cost")
}

func TestDeliver_PlainUsageFallback(t *testing.T) {
	t.Parallel()
	e := newEnv(t, sonnetPrice, 10.0)
	sess := testSession(t, "/v1/messages", claudeBody)
	if err := e.h.Begin(context.Background(), sess); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	p := prov("a")
	delivered(sess, p, 200)

	upstream := `{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"Hello there, world!"}]}`
	released := false
	res := upstreamResult(p, 200, "application/json", upstream, &released)
	rec := httptest.NewRecorder()

	e.h.Deliver(context.Background(), sess, res, rec)
	e.settle(t)

	row := e.rows.get(t, sess.MessageID)
	if row.Usage.InputTokens <= 0 || row.Usage.OutputTokens <= 0 {
		t.Fatalf("row usage = %+v, want estimated non-zero tokens", row.Usage)
	}
	// "Hello there, world!" is 19 bytes, ~5 tokens at 4 bytes each.
	if row.Usage.OutputTokens != 5 {
		t.Fatalf("output tokens = %d, want 5", row.Usage.OutputTokens)
	}
	if row.CostUSD <= 0 {
		t.Fatalf("row cost = %v, want > 0", row.CostUSD)
	}
}

func TestDeliver_ProbeSkipsEstimation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, sonnetPrice, 10.0)
	probeBody := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"foo"}]}`
	sess := testSession(t, "/v1/messages", probeBody)
	if err := e.h.Begin(context.Background(), sess); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	p := prov("a")
	delivered(sess, p, 200)

	released := false
	res := upstreamResult(p, 200, "application/json", `{"id":"msg_1","type":"message","content":[]}`, &released)
	rec := httptest.NewRecorder()

	e.h.Deliver(context.Background(), sess, res, rec)
	e.settle(t)

	row := e.rows.get(t, sess.MessageID)
	if !row.Usage.Zero() {
		t.Fatalf("row usage = %+v, want zero for probe", row.Usage)
	}
	wantUSD(t, row.CostUSD, 0, "row cost")
	if len(e.ledger.debits) != 0 {
		t.Fatalf("ledger rows = %d, want 0", len(e.ledger.debits))
	}
}

func TestDeliver_UnpricedModelRecordsZeroCost(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, 10.0)
	sess := testSession(t, "/v1/messages", claudeBody)
	if err := e.h.Begin(context.Background(), sess); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	p := prov("a")
	delivered(sess, p, 200)

	upstream := `{"id":"msg_1","usage":{"input_tokens":100,"output_tokens":200}}`
	released := false
	res := upstreamResult(p, 200, "application/json", upstream, &released)
	rec := httptest.NewRecorder()

	e.h.Deliver(context.Background(), sess, res, rec)
	e.settle(t)

	row := e.rows.get(t, sess.MessageID)
	if row.Usage.InputTokens != 100 {
		t.Fatalf("row usage = %+v", row.Usage)
	}
	wantUSD(t, row.CostUSD, 0, "row cost")
	if len(e.ledger.debits) != 0 {
		t.Fatalf("ledger rows = %d, want 0", len(e.ledger.debits))
	}
}

func TestSettle_RecordsFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, 0)
	sess := testSession(t, "/v1/messages", claudeBody)
	if err := e.h.Begin(context.Background(), sess); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	sess.AppendChain(relay.ChainItem{
		ProviderID: "a",
		Reason:     relay.ReasonRetryFailed,
		Attempt:    1,
		StatusCode: 502,
		Error:      &relay.ChainError{Kind: relay.KindProviderError, Status: 502},
	})

	e.h.Settle(context.Background(), sess, 503, "all providers failed")

	row := e.rows.get(t, sess.MessageID)
	if row.StatusCode != 503 {
		t.Fatalf("row status = %d, want 503", row.StatusCode)
	}
	if row.ErrorMessage != "all providers failed" {
		t.Fatalf("row error = %q", row.ErrorMessage)
	}
	if len(row.ProviderChain) != 1 || row.ProviderChain[0].Reason != relay.ReasonRetryFailed {
		t.Fatalf("row chain = %+v", row.ProviderChain)
	}
	wantUSD(t, row.CostUSD, 0, "row cost")

	st, err := e.tracker.Load(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("tracker load: %v", err)
	}
	if st.LastStatus != 503 {
		t.Fatalf("tracked status = %d, want 503", st.LastStatus)
	}
}

func TestSettle_SurvivesCanceledContext(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, 0)
	sess := testSession(t, "/v1/messages", claudeBody)
	if err := e.h.Begin(context.Background(), sess); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.h.Settle(ctx, sess, relay.StatusClientClosed, "client closed request")

	row := e.rows.get(t, sess.MessageID)
	if row.StatusCode != relay.StatusClientClosed {
		t.Fatalf("row status = %d, want 499", row.StatusCode)
	}
}

func TestEstimable(t *testing.T) {
	t.Parallel()
	normal := testSession(t, "/v1/messages", claudeBody)
	if !estimable(normal) {
		t.Fatal("normal request should be estimable")
	}
	probe := testSession(t, "/v1/messages", `{"model":"m","messages":[{"role":"user","content":"Count"}]}`)
	if estimable(probe) {
		t.Fatal("probe request should not be estimable")
	}
	count := testSession(t, "/v1/messages/count_tokens", claudeBody)
	if estimable(count) {
		t.Fatal("count_tokens request should not be estimable")
	}
}

func TestErrorBodyShape(t *testing.T) {
	t.Parallel()
	got := string(relay.ErrorBody(relay.ErrorKindForStatus(429), "too many"))
	want := `{"type":"error","error":{"type":"rate_limit_error","message":"too many"}}`
	if got != want {
		t.Fatalf("error body = %s, want %s", got, want)
	}
}

func TestDeliver_UpstreamReadFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, 0)
	sess := testSession(t, "/v1/messages", claudeBody)
	if err := e.h.Begin(context.Background(), sess); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	p := prov("a")
	delivered(sess, p, 200)

	released := false
	res := &forward.Result{
		Resp: &http.Response{
			StatusCode: 200,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(&failingReader{}),
		},
		Provider: p,
		Release:  func(context.Context) { released = true },
	}
	rec := httptest.NewRecorder()

	e.h.Deliver(context.Background(), sess, res, rec)
	e.settle(t)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("client status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "api_error") {
		t.Fatalf("client body = %s, want api_error envelope", rec.Body.String())
	}
	if !released {
		t.Fatal("provider slot not released")
	}
	row := e.rows.get(t, sess.MessageID)
	if row.StatusCode != http.StatusBadGateway {
		t.Fatalf("row status = %d, want 502", row.StatusCode)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
