package llm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/opscore/reasoning-core/internal/buildinfo"
	"github.com/opscore/reasoning-core/internal/signal"
)

// Transport tunables for the Anthropic HTTP client. Oracle calls can sit
// behind a slow model (thinking, long prompts) before the first byte
// arrives, so the response-header timeout is set well above a typical
// REST default; ctx deadlines (ORACLE_TIMEOUT, §5) bound the call overall.
const (
	dialTimeout           = 10 * time.Second
	dialKeepAlive         = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 120 * time.Second
	idleConnTimeout       = 90 * time.Second
	maxIdleConns          = 20
	maxIdleConnsPerHost   = 5

	// maxTransportAttempts/transportBackoff retry an oracle request the
	// same way the dispatcher retries an executor call (§4.J, §7): up to
	// this many attempts, doubling the backoff each time.
	maxTransportAttempts = 3
	transportBackoff     = 500 * time.Millisecond
)

// newHTTPClient builds the http.Client AnthropicClient uses for every
// request. There is no overall client timeout — streaming responses can
// be long-lived and the caller's context governs cancellation — but the
// transport retries transient failures (unreachable host or network,
// refused or reset connections, 429, 5xx) with
// backoff before giving up, classifying outcomes with the same
// signal.ErrKind taxonomy §7 and the dispatcher (internal/dispatch) use
// for transient-vs-permanent errors.
func newHTTPClient(logger *slog.Logger) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: &retryRoundTripper{
			base:   &userAgentRoundTripper{base: transport, ua: buildinfo.UserAgent()},
			logger: logger,
		},
	}
}

// userAgentRoundTripper stamps the module's User-Agent on every request
// that doesn't already carry one.
type userAgentRoundTripper struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// retryRoundTripper retries a request classified as transient by
// classifyTransport, up to maxTransportAttempts, with exponential
// backoff between attempts. A request with a body can only be retried if
// it supports rewinding via GetBody.
type retryRoundTripper struct {
	base   http.RoundTripper
	logger *slog.Logger
}

func (t *retryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 1; attempt <= maxTransportAttempts; attempt++ {
		resp, err = t.base.RoundTrip(req)

		if classifyTransport(resp, err) != signal.ErrKindTransient || attempt == maxTransportAttempts {
			return resp, err
		}
		if req.Body != nil && req.GetBody == nil {
			return resp, err
		}

		if resp != nil {
			drainAndClose(resp.Body, 1024)
		}

		if t.logger != nil {
			t.logger.Warn("retrying oracle request after transient error",
				"method", req.Method, "attempt", attempt, "max_attempts", maxTransportAttempts, "error", err)
		}

		timer := time.NewTimer(transportBackoff * time.Duration(1<<uint(attempt-1)))
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			req.Body = body
		}
	}

	return resp, err
}

// classifyTransport maps a completed round trip to the error-kind
// taxonomy §7 defines: the connection-level failures isTransientNetworkError
// recognizes and HTTP 429/5xx are transient; anything else (other network
// errors, timeouts, or a clean response) is treated as not-retryable.
func classifyTransport(resp *http.Response, err error) signal.ErrKind {
	if err != nil {
		if isTransientNetworkError(err) {
			return signal.ErrKindTransient
		}
		return signal.ErrKindPermanent
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return signal.ErrKindTransient
	}
	return signal.ErrKindPermanent
}

// isTransientNetworkError reports whether err is a connection-level
// failure likely to succeed on retry (host/network unreachable,
// connection refused or reset), checked both directly and unwrapped from
// a net.OpError.
func isTransientNetworkError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) && isTransientErrno(errno) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && errors.As(opErr.Err, &errno) && isTransientErrno(errno) {
		return true
	}
	return false
}

func isTransientErrno(errno syscall.Errno) bool {
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED, syscall.ECONNRESET:
		return true
	default:
		return false
	}
}

// drainAndClose reads up to limit bytes from rc and closes it, so the
// underlying connection can be returned to the pool before a retry.
func drainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// readErrorBody reads up to limit bytes from rc for an error message,
// then drains and closes the remainder.
func readErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	drainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
