// Package intercept implements the local boundary the host process points
// its API base URL at. Matched calls are captured, handed to an exchange
// handler, and their request/response pairs logged; everything else is
// reverse-proxied untouched.
package intercept

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/llm-bridge/internal/capture"
)

// maxRequestBody bounds how much of a request body is read before handing
// off. Requests larger than this are rejected rather than silently
// truncated, since the body must reach the target intact.
const maxRequestBody = 32 << 20

// ExchangeHandler processes one intercepted call. The request body has
// already been read in full and is passed alongside the original request.
type ExchangeHandler interface {
	ServeExchange(w http.ResponseWriter, r *http.Request, body []byte)
}

// ExchangeHandlerFunc adapts a function to ExchangeHandler.
type ExchangeHandlerFunc func(w http.ResponseWriter, r *http.Request, body []byte)

func (f ExchangeHandlerFunc) ServeExchange(w http.ResponseWriter, r *http.Request, body []byte) {
	f(w, r, body)
}

// Interceptor is the capability the bridge needs from its boundary: the
// ability to claim calls matching a destination pattern.
type Interceptor interface {
	Intercept(m Matcher, h ExchangeHandler)
}

// TraceSink receives completed and orphaned pairs.
type TraceSink interface {
	AppendPair(pair *capture.TracePair)
}

type route struct {
	matcher Matcher
	handler ExchangeHandler
}

// Proxy is the boundary implementation. It owns the correlation store for
// calls in flight and reverse-proxies non-matching destinations without
// producing trace entries.
type Proxy struct {
	store        *capture.Store
	sink         TraceSink
	logger       *slog.Logger
	passthrough  *httputil.ReverseProxy
	routes       []route
	captureLimit int
	installed    atomic.Bool
}

// NewProxy creates a boundary that forwards non-matching calls to upstream.
func NewProxy(store *capture.Store, sink TraceSink, upstream *url.URL, logger *slog.Logger) *Proxy {
	return &Proxy{
		store:        store,
		sink:         sink,
		logger:       logger,
		passthrough:  httputil.NewSingleHostReverseProxy(upstream),
		captureLimit: defaultCaptureLimit,
	}
}

// Intercept registers a handler for calls matching m. Registration order is
// match order.
func (p *Proxy) Intercept(m Matcher, h ExchangeHandler) {
	p.routes = append(p.routes, route{matcher: m, handler: h})
}

// Install mounts the boundary onto the router. Guarded by a one-time flag;
// repeat calls are no-ops so double installation cannot double-log calls.
func (p *Proxy) Install(r chi.Router) {
	if !p.installed.CompareAndSwap(false, true) {
		p.logger.Warn("interceptor already installed")
		return
	}
	r.Handle("/*", p)
}

// Installed reports whether Install has run.
func (p *Proxy) Installed() bool {
	return p.installed.Load()
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, rt := range p.routes {
		if rt.matcher.Matches(r) {
			p.serveIntercepted(w, r, rt.handler)
			return
		}
	}
	p.passthrough.ServeHTTP(w, r)
}

// serveIntercepted runs the capture wrapping around one matched exchange:
// record the sanitized request, delegate, then pair and log the response.
// Capture failures degrade to diagnostics; they never affect delivery.
func (p *Proxy) serveIntercepted(w http.ResponseWriter, r *http.Request, h ExchangeHandler) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		p.logger.Error("read request body", slog.String("error", err.Error()))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxRequestBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	captured := &capture.CapturedRequest{
		Timestamp: capture.Now(),
		Method:    r.Method,
		URL:       requestURL(r),
		Headers:   capture.RedactHeaders(r.Header),
	}
	captured.SetBody(body)
	id := p.store.Begin(captured)

	recorder := newResponseRecorder(w, p.captureLimit)
	h.ServeExchange(recorder, r, body)

	resp := &capture.CapturedResponse{
		Timestamp:  capture.Now(),
		StatusCode: recorder.statusCode,
		Headers:    capture.RedactHeaders(recorder.Header()),
	}
	respBody, truncated := recorder.Body()
	resp.SetBody(respBody)

	pair := p.store.Complete(id, resp)
	if pair == nil {
		return
	}
	if truncated {
		pair.Note = "response body truncated for capture"
	}
	p.sink.AppendPair(pair)
}

// DrainOrphans sweeps still-pending pairs into the trace sink. Called once
// from teardown.
func (p *Proxy) DrainOrphans() int {
	orphans := p.store.DrainOrphans()
	for _, pair := range orphans {
		p.sink.AppendPair(pair)
	}
	return len(orphans)
}

func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
