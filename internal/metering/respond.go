package metering

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/forward"
	"github.com/eugener/switchyard/internal/session"
	"github.com/eugener/switchyard/internal/sse"
	"github.com/eugener/switchyard/internal/wire"
)

// streamBufSize is the read granularity for relaying SSE bodies. Reads are
// paced by client writes, so the upstream is never read ahead unboundedly.
const streamBufSize = 32 * 1024

// Deliver relays a successful upstream exchange to the client and settles
// it. The provider concurrency slot is released when the response stream
// closes; settlement itself runs on a managed background task, so callers
// must not touch the session after Deliver returns.
func (h *Handler) Deliver(ctx context.Context, sess *session.Session, res *forward.Result, w http.ResponseWriter) {
	defer res.Resp.Body.Close()
	if res.Release != nil {
		defer func() {
			rctx, cancel := h.settleContext(ctx)
			defer cancel()
			res.Release(rctx)
		}()
	}

	if isEventStream(res.Resp) {
		h.stream(ctx, sess, res, w)
		return
	}
	h.plain(ctx, sess, res, w)
}

// plain handles a buffered JSON response: rewrite to the client dialect,
// write it out, then parse usage and finalize in the background.
func (h *Handler) plain(ctx context.Context, sess *session.Session, res *forward.Result, w http.ResponseWriter) {
	p := res.Provider
	raw, err := io.ReadAll(io.LimitReader(res.Resp.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		if ctx.Err() != nil || sess.IsAborted() {
			h.settleAborted(ctx, sess, p)
			return
		}
		h.logger.Error("upstream body read failed",
			"session_id", sess.ID,
			"provider_id", p.ID,
			"error", err)
		h.Settle(ctx, sess, http.StatusBadGateway, "upstream response could not be read")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write(relay.ErrorBody(relay.ErrorKindForStatus(http.StatusBadGateway), "upstream response could not be read"))
		return
	}

	out := raw
	if sess.ProviderFormat != sess.ClientFormat {
		rewritten, terr := wire.TransformResponse(sess.ProviderFormat, sess.ClientFormat, raw)
		if terr != nil {
			h.logger.Warn("response transform failed, passing raw body",
				"session_id", sess.ID,
				"from", string(sess.ProviderFormat),
				"to", string(sess.ClientFormat),
				"error", terr)
		} else {
			out = rewritten
		}
	}

	copyResponseHeaders(w.Header(), res.Resp.Header)
	w.WriteHeader(res.Resp.StatusCode)
	if _, werr := w.Write(out); werr != nil {
		// The upstream finished the exchange, so the tokens are real and
		// settlement proceeds even though the client missed the body.
		h.logger.Debug("client write failed after upstream completion",
			"session_id", sess.ID, "error", werr)
	}

	status := res.Resp.StatusCode
	h.spawnSettlement(ctx, sess, func(tctx context.Context) {
		usage, ok := wire.ExtractUsage(raw)
		estimated := false
		if (!ok || usage.Zero()) && estimable(sess) {
			usage = h.fallbackUsage(sess, len(responseText(raw)))
			estimated = true
		}
		h.finalize(tctx, sess, p, usage, estimated, status)
	})
}

// stream relays an SSE body chunk by chunk: every complete event is scanned
// for usage, rewritten to the client dialect when the formats differ, and
// flushed. Finalization runs when the upstream closes the stream.
func (h *Handler) stream(ctx context.Context, sess *session.Session, res *forward.Result, w http.ResponseWriter) {
	p := res.Provider

	copyResponseHeaders(w.Header(), res.Resp.Header)
	hdr := w.Header()
	if hdr.Get("Cache-Control") == "" {
		hdr.Set("Cache-Control", "no-cache")
	}
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(res.Resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	tr, transform := wire.NewStream(sess.ProviderFormat, sess.ClientFormat)
	var st wire.StreamState
	if transform {
		st = tr.Init()
	}

	var (
		splitter    sse.Splitter
		usage       relay.Usage
		gotUsage    bool
		outputBytes int
		aborted     bool
	)

	buf := make([]byte, streamBufSize)
	for {
		n, readErr := res.Resp.Body.Read(buf)
		if n > 0 {
			events := splitter.Feed(buf[:n])
			for _, ev := range events {
				if u, ok := wire.UsageFromEvent(ev); ok {
					wire.MergeUsage(&usage, u)
					gotUsage = true
				}
				outputBytes += len(deltaText(ev))
			}

			out := buf[:n]
			if transform {
				out = nil
				for i := range events {
					if events[i].Comment() {
						out = append(out, events[i].Raw...)
						continue
					}
					var emitted []sse.Event
					st, emitted = tr.Transform(st, events[i])
					for _, e := range emitted {
						out = append(out, e.Raw...)
					}
				}
			}
			if len(out) > 0 {
				if _, werr := w.Write(out); werr != nil {
					sess.Abort()
					aborted = true
					break
				}
				flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				if ctx.Err() != nil || sess.IsAborted() {
					aborted = true
				} else {
					h.logger.Warn("upstream stream truncated",
						"session_id", sess.ID,
						"provider_id", p.ID,
						"error", readErr)
				}
			}
			break
		}
	}

	if aborted {
		h.settleAborted(ctx, sess, p)
		return
	}

	// A truncated trailing event is forwarded verbatim; in passthrough mode
	// its bytes already went out with the chunk that carried them.
	if transform {
		if rest := splitter.Rest(); len(rest) > 0 {
			if _, werr := w.Write(rest); werr == nil {
				flush()
			}
		}
	}

	estimated := false
	if (!gotUsage || usage.Zero()) && estimable(sess) {
		usage = h.fallbackUsage(sess, outputBytes)
		estimated = true
	}
	status := res.Resp.StatusCode
	h.spawnSettlement(ctx, sess, func(tctx context.Context) {
		h.finalize(tctx, sess, p, usage, estimated, status)
	})
}

// spawnSettlement runs fn as a managed task detached from client
// cancellation; the numbers are final by the time it runs, and billing must
// survive the handler returning. During shutdown fn runs synchronously so
// the last exchanges still settle.
func (h *Handler) spawnSettlement(ctx context.Context, sess *session.Session, fn func(ctx context.Context)) {
	if _, err := h.tasks.Go("finalize:"+sess.MessageID, nil, fn); err != nil {
		sctx, cancel := h.settleContext(ctx)
		defer cancel()
		fn(sctx)
	}
}

// isEventStream reports whether the upstream reply is an SSE body.
func isEventStream(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}

// responseHopHeaders are never relayed to the client. Content-Length is
// dropped too: the dialect rewrite changes the byte count.
var responseHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

func copyResponseHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := responseHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// deltaText pulls the user-visible text growth out of one stream event, fed
// to the usage estimate when the upstream never reports usage.
func deltaText(ev sse.Event) string {
	switch ev.Name {
	case "content_block_delta":
		return gjson.GetBytes(ev.Data, "delta.text").String()
	case "response.output_text.delta":
		return gjson.GetBytes(ev.Data, "delta").String()
	case "":
		return gjson.GetBytes(ev.Data, "choices.0.delta.content").String()
	}
	return ""
}

// responseText extracts the assistant text from a buffered response body,
// covering the three dialect shapes.
func responseText(raw []byte) string {
	root := gjson.ParseBytes(raw)
	if s := root.Get("choices.0.message.content"); s.Exists() {
		return s.String()
	}
	var b strings.Builder
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
		return true
	})
	if b.Len() > 0 {
		return b.String()
	}
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		item.Get("content").ForEach(func(_, c gjson.Result) bool {
			if c.Get("type").String() == "output_text" {
				b.WriteString(c.Get("text").String())
			}
			return true
		})
		return true
	})
	return b.String()
}
