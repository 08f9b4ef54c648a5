// Package session holds the per-request pipeline state, the shared
// live-session registry behind the admin API, and the task manager that
// ties stream-side background work to the client's cancellation signal.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/wire"
)

// anchorHead bounds how much of the system prompt and first turn feed the
// session id. Conversations repeat both verbatim on every follow-up, so a
// bounded prefix is as stable as the full text and much cheaper to hash.
const anchorHead = 2048

// Session is the per-request pipeline state. Created at ingestion, mutated
// in turn by the guard, selector, forwarder and response handler, released
// when the response stream closes. Exactly one goroutine owns it at a time;
// handoff between pipeline stages is explicit, never concurrent.
type Session struct {
	ID        string
	MessageID string // audit row id, assigned when forwarding starts
	StartTime time.Time

	Method    string
	Path      string
	Query     string
	Header    http.Header
	UserAgent string

	ClientFormat   relay.WireFormat
	ProviderFormat relay.WireFormat // set per attempt by the forwarder
	Body           wire.Body
	Stream         bool

	Principal *relay.Principal
	Plan      relay.PaymentPlan

	OriginalModel string // model as the client sent it
	CurrentModel  string // after provider redirects

	BoundProviderID string // sticky binding adopted from the tracker
	Requests        int64  // settled requests in this conversation so far

	Usage      relay.Usage
	CostUSD    float64
	LastStatus int

	Chain []relay.ChainItem

	abortOnce sync.Once
	abortCh   chan struct{}
}

// New ingests an inbound proxy request: captures method, path and headers,
// tags the buffered body with the dialect implied by the path, and derives
// the stable conversation id. Invalid JSON bodies get a random id; they
// cannot anchor a conversation.
func New(r *http.Request, raw []byte, principal *relay.Principal) *Session {
	format := relay.FormatFromPath(r.URL.Path)
	body := wire.ParseBody(format, raw)

	s := &Session{
		StartTime:     time.Now(),
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.RawQuery,
		Header:        r.Header.Clone(),
		UserAgent:     r.UserAgent(),
		ClientFormat:  format,
		Body:          body,
		Stream:        body.Stream(),
		Principal:     principal,
		OriginalModel: body.Model(),
		CurrentModel:  body.Model(),
		abortCh:       make(chan struct{}),
	}
	if body.Valid {
		s.ID = DeriveID(principal.Key.KeyHash, body)
	} else {
		s.ID = uuid.Must(uuid.NewV7()).String()
	}
	return s
}

// DeriveID returns the stable session id for a conversation: a hash over
// the key identity, the system prompt head and the first conversation turn.
// Follow-ups in one conversation repeat those inputs, so every request of
// the conversation maps to the same id.
func DeriveID(keyHash string, b wire.Body) string {
	h := sha256.New()
	io.WriteString(h, keyHash)
	h.Write([]byte{0})
	io.WriteString(h, head(b.System()))
	h.Write([]byte{0})
	io.WriteString(h, head(b.FirstTurnText()))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func head(s string) string {
	if len(s) > anchorHead {
		return s[:anchorHead]
	}
	return s
}

// Adopt folds previously tracked conversation state into a fresh ingestion:
// the sticky provider binding and the running totals. The chain is not
// adopted; it logs the current request's attempts only.
func (s *Session) Adopt(st *relay.SessionState) {
	if st == nil {
		return
	}
	s.BoundProviderID = st.BoundProviderID
	s.Requests = st.Requests
	s.Usage = st.Usage
	s.CostUSD = st.CostUSD
}

// AppendChain adds one step to the provider decision log.
func (s *Session) AppendChain(item relay.ChainItem) {
	s.Chain = append(s.Chain, item)
}

// AddUsage accumulates a usage block and its cost into the running totals.
func (s *Session) AddUsage(u relay.Usage, costUSD float64) {
	s.Usage.Add(u)
	s.CostUSD += costUSD
}

// State snapshots the session for the tracker. One snapshot is saved per
// settled request, so the request counter advances here.
func (s *Session) State(now time.Time) *relay.SessionState {
	return &relay.SessionState{
		ID:              s.ID,
		BoundProviderID: s.BoundProviderID,
		Usage:           s.Usage,
		CostUSD:         s.CostUSD,
		LastStatus:      s.LastStatus,
		LastModel:       s.CurrentModel,
		Requests:        s.Requests + 1,
		Chain:           s.Chain,
		UpdatedAt:       now,
	}
}

// Abort signals client cancellation to every task watching this session.
// Aborting more than once is a no-op.
func (s *Session) Abort() {
	s.abortOnce.Do(func() { close(s.abortCh) })
}

// Aborted returns the channel closed when the client cancels.
func (s *Session) Aborted() <-chan struct{} { return s.abortCh }

// IsAborted reports whether the client has cancelled.
func (s *Session) IsAborted() bool {
	select {
	case <-s.abortCh:
		return true
	default:
		return false
	}
}
