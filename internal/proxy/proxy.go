// Package proxy forwards one request to a resolved upstream, measures
// latency up to the point response headers are received, classifies the
// outcome for the circuit breaker, and streams the response body back
// without buffering it.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zalando-incubator/gatekeeper/internal/routing"
)

// hopHeaders lists the headers stripped from both the forwarded request and
// the returned response.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Outcome classifies a dispatch for the circuit breaker.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeCancelled marks a dispatch the client aborted before any
	// response was available; the breaker neither credits nor penalizes it.
	OutcomeCancelled
)

var (
	ErrTimeout     = errors.New("upstream timeout")
	ErrUnreachable = errors.New("upstream unreachable")
	// ErrCancelled marks a dispatch aborted because the client disconnected
	// before a response was available. It counts as neither a success nor
	// a failure for the breaker.
	ErrCancelled = errors.New("client disconnected")
)

// Result summarizes one dispatch for metrics and the breaker.
type Result struct {
	StatusCode int
	Latency    time.Duration
	Outcome    Outcome
	Err        error
}

// Dispatcher forwards requests to upstream services.
type Dispatcher struct {
	client *http.Client
}

// NewDispatcher builds a Dispatcher. Per-request deadlines come from the
// route's configured timeout, not a client-wide timeout, so each route can
// carry its own budget.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{client: &http.Client{}}
}

// Dispatch forwards r to route's upstream at the given rest path and writes
// the upstream's response to w, streaming the body. requestID is attached
// as X-Request-ID if the client did not already supply one.
func (d *Dispatcher) Dispatch(ctx context.Context, route routing.Route, rest string, w http.ResponseWriter, r *http.Request, requestID string) Result {
	ctx, cancel := context.WithTimeout(ctx, route.Timeout)
	defer cancel()

	targetURL := strings.TrimRight(route.UpstreamBaseURL, "/") + "/" + rest
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		return Result{Outcome: OutcomeFailure, Err: fmt.Errorf("build upstream request: %w", err)}
	}

	copyHeadersExcludingHopByHop(outReq.Header, r.Header)
	appendForwardedFor(outReq.Header, r)
	outReq.Header.Set("X-Forwarded-Proto", forwardedProto(r))
	if outReq.Header.Get("X-Request-ID") == "" {
		if requestID == "" {
			requestID = uuid.NewString()
		}
		outReq.Header.Set("X-Request-ID", requestID)
	}

	start := time.Now()
	resp, err := d.client.Do(outReq)
	latency := time.Since(start)

	if err != nil {
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			return Result{Latency: latency, Outcome: OutcomeFailure, Err: ErrTimeout}
		case ctx.Err() == context.Canceled:
			return Result{Latency: latency, Outcome: OutcomeCancelled, Err: ErrCancelled}
		default:
			return Result{Latency: latency, Outcome: OutcomeFailure, Err: ErrUnreachable}
		}
	}
	defer resp.Body.Close()

	copyHeadersExcludingHopByHop(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body) //nolint:errcheck // client disconnects surface as a write error we cannot act on here

	outcome := OutcomeSuccess
	if resp.StatusCode >= 500 {
		outcome = OutcomeFailure
	}

	return Result{StatusCode: resp.StatusCode, Latency: latency, Outcome: outcome}
}

func copyHeadersExcludingHopByHop(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func appendForwardedFor(header http.Header, r *http.Request) {
	clientIP := clientIP(r)
	if existing := header.Get("X-Forwarded-For"); existing != "" {
		header.Set("X-Forwarded-For", existing+", "+clientIP)
	} else {
		header.Set("X-Forwarded-For", clientIP)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
