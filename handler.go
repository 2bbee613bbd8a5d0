package reqshield

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/giantswarm/reqshield/internal/util"
	"github.com/giantswarm/reqshield/threat"
)

// SessionHeader carries the client's session identifier on requests and the
// minted session token on allowed responses.
const (
	SessionHeader      = "X-Session-ID"
	SessionTokenHeader = "X-Session-Token"
)

// errorResponse is the JSON body written for denied requests
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Middleware wraps an http.Handler with the full security pipeline. Denied
// requests are answered directly: 429 with Retry-After for exhausted rate
// limits, 403 for detected threats and failed verification, 503 when the
// security state backend is unavailable. Rate limit headers are set on
// every response.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := e.describeRequest(r)

		decision, err := e.Handle(r.Context(), req)
		e.setRateLimitHeaders(w, decision)

		if err != nil && r.Context().Err() != nil {
			// Client went away; nothing useful to write.
			return
		}

		if !decision.Allowed {
			if decision.Status == http.StatusTooManyRequests {
				retryAfter := int(decision.RateLimit.ResetAt.Sub(e.now()).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			}
			e.writeError(w, deniedError(decision))
			return
		}

		if decision.Verification.SessionToken != "" {
			w.Header().Set(SessionTokenHeader, decision.Verification.SessionToken)
		}
		next.ServeHTTP(w, r)
	})
}

// describeRequest flattens an http.Request into the pipeline's request
// descriptor. The body is read up to the scan limit and restored so the
// wrapped handler sees the full stream.
func (e *Engine) describeRequest(r *http.Request) *threat.Request {
	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	var body string
	if r.Body != nil && r.Body != http.NoBody {
		buf, err := io.ReadAll(io.LimitReader(r.Body, int64(e.maxBodyScan)))
		if err == nil {
			body = string(buf)
			r.Body = struct {
				io.Reader
				io.Closer
			}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
		}
	}

	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		if c, err := r.Cookie("session_id"); err == nil {
			sessionID = c.Value
		}
	}

	return &threat.Request{
		URL:       r.URL.RequestURI(),
		Method:    r.Method,
		Headers:   headers,
		Body:      body,
		Query:     query,
		IP:        util.ClientIP(r, e.proxy.TrustProxy, e.proxy.TrustedProxyCount),
		SessionID: sessionID,
	}
}

// setRateLimitHeaders exposes the limiter state to clients.
func (e *Engine) setRateLimitHeaders(w http.ResponseWriter, decision Decision) {
	cfg := e.limiter.Config()
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.RateLimit.Remaining))
	if !decision.RateLimit.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.RateLimit.ResetAt.Unix(), 10))
	}
}

// writeError writes a JSON error response for a security error.
func (e *Engine) writeError(w http.ResponseWriter, secErr *SecurityError) {
	setSecurityHeaders(w.Header())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(secErr.Status)

	if err := json.NewEncoder(w).Encode(errorResponse{
		Error:            secErr.Code,
		ErrorDescription: secErr.Description,
	}); err != nil {
		e.logger.Error("Failed to write error response", "error", err, "code", secErr.Code)
	}
}

// setSecurityHeaders hardens responses the middleware writes itself.
// Responses from the wrapped handler are the application's to shape.
func setSecurityHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store")
}

// deniedError maps a denied decision to the client-facing error.
// Descriptions are deliberately generic; detector and verifier detail stays
// in the event log.
func deniedError(decision Decision) *SecurityError {
	var secErr *SecurityError
	switch decision.Reason {
	case ErrorCodeRateLimitExceeded:
		secErr = ErrRateLimitExceeded("Rate limit exceeded. Please try again later.")
	case ErrorCodeThreatDetected:
		secErr = ErrThreatDetected("Request rejected.")
	case ErrorCodeVerificationFail:
		secErr = ErrVerificationFailed("Request could not be verified.")
	default:
		secErr = ErrServerError("Service temporarily unavailable.")
	}
	if decision.Status != 0 {
		secErr.Status = decision.Status
	}
	return secErr
}
