package reqshield

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/giantswarm/reqshield/cache"
	"github.com/giantswarm/reqshield/instrumentation"
	"github.com/giantswarm/reqshield/monitor"
	"github.com/giantswarm/reqshield/ratelimit"
	"github.com/giantswarm/reqshield/storage"
	"github.com/giantswarm/reqshield/storage/memory"
	"github.com/giantswarm/reqshield/threat"
	"github.com/giantswarm/reqshield/zerotrust"
)

// scopeIP is the rate limit scope for per-address budgets
const scopeIP = "ip"

// Decision is the outcome of running one request through the pipeline.
type Decision struct {
	// Allowed reports whether the request may proceed
	Allowed bool

	// Reason is a machine-readable code for denied decisions
	Reason string

	// Status is the HTTP status a denied decision translates to
	Status int

	// RateLimit carries the limiter result for response headers
	RateLimit ratelimit.Result

	// Threat is the detector report
	Threat threat.Report

	// Verification is the zero-trust result, including the session token
	// on allowed decisions
	Verification zerotrust.Result
}

// sourceState tracks recent request timestamps per source so the detector
// and verifier receive real timing signals.
type sourceState struct {
	mu    sync.Mutex
	times []time.Time
}

// Engine composes the security pipeline: rate limiting, threat detection,
// zero-trust verification, and monitoring. One Engine instance serves all
// requests; all methods are safe for concurrent use.
type Engine struct {
	store    storage.Store
	ownStore bool

	limiter  *ratelimit.Limiter
	detector *threat.Detector
	watcher  *threat.Watcher
	verifier *zerotrust.Verifier
	monitor  *monitor.Monitor

	sources     *cache.Cache[*sourceState]
	maxBodyScan int
	proxy       ProxyConfig

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation

	now func() time.Time
}

// NewEngine creates an engine from the configuration. Zero-value fields
// select defaults; a Warn is logged for substituted security-relevant
// defaults so operators notice.
func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	store := cfg.Store
	ownStore := false
	if store == nil {
		store = memory.New(logger)
		ownStore = true
	}

	rlCfg := cfg.RateLimit
	if rlCfg.MaxRequests == 0 && rlCfg.Window == 0 {
		logger.Warn("Rate limit not configured, using defaults",
			"max_requests", DefaultMaxRequests,
			"window", DefaultWindow)
		rlCfg.MaxRequests = DefaultMaxRequests
		rlCfg.Window = DefaultWindow
	}
	limiter, err := ratelimit.New(store, rlCfg, logger)
	if err != nil {
		return nil, err
	}

	var catalog *threat.Catalog
	if cfg.CatalogPath != "" {
		catalog, err = threat.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load threat catalog: %w", err)
		}
	}
	detector := threat.NewDetector(catalog, cfg.Detector, logger)

	var watcher *threat.Watcher
	if cfg.CatalogPath != "" {
		watcher, err = threat.NewWatcher(cfg.CatalogPath, detector, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to watch threat catalog: %w", err)
		}
	}

	verifier, err := zerotrust.NewVerifier(cfg.ZeroTrust, detector, logger)
	if err != nil {
		return nil, err
	}

	mon, err := monitor.New(cfg.Monitor, logger)
	if err != nil {
		return nil, err
	}

	maxSources := cfg.MaxSources
	if maxSources == 0 {
		maxSources = DefaultMaxSources
	}
	sources, err := cache.New[*sourceState](maxSources)
	if err != nil {
		return nil, err
	}

	maxBodyScan := cfg.MaxBodyScan
	if maxBodyScan == 0 {
		maxBodyScan = DefaultMaxBodyScan
	}

	return &Engine{
		store:       store,
		ownStore:    ownStore,
		limiter:     limiter,
		detector:    detector,
		watcher:     watcher,
		verifier:    verifier,
		monitor:     mon,
		sources:     sources,
		maxBodyScan: maxBodyScan,
		proxy:       cfg.Proxy,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the engine and
// every component it owns.
func (e *Engine) SetInstrumentation(inst *instrumentation.Instrumentation) {
	e.instrumentation = inst
	e.limiter.SetInstrumentation(inst)
	e.detector.SetInstrumentation(inst)
	e.verifier.SetInstrumentation(inst)
	e.monitor.SetInstrumentation(inst)
	e.sources.SetInstrumentation(inst)
	if ms, ok := e.store.(*memory.Store); ok {
		ms.SetInstrumentation(inst)
	}
}

// Monitor exposes the security monitor for dashboard queries, alert
// resolution, and notifier registration.
func (e *Engine) Monitor() *monitor.Monitor {
	return e.monitor
}

// Verifier exposes the zero-trust verifier for settings updates.
func (e *Engine) Verifier() *zerotrust.Verifier {
	return e.verifier
}

// Detector exposes the threat detector for catalog management.
func (e *Engine) Detector() *threat.Detector {
	return e.detector
}

// Handle runs one request through the pipeline: rate limit, threat
// analysis, zero-trust verification, monitoring. Denied decisions carry the
// reason and HTTP status; the error return is reserved for infrastructure
// failures and cancellation.
//
// A request abandoned mid-pipeline (ctx canceled) records no monitor event
// and no verification state.
func (e *Engine) Handle(ctx context.Context, req *threat.Request) (Decision, error) {
	if req == nil {
		req = &threat.Request{}
	}
	req.Normalize()
	if len(req.Body) > e.maxBodyScan {
		req.Body = req.Body[:e.maxBodyScan]
	}

	source := req.IP
	if source == "" {
		source = "unknown"
	}

	sig := e.observe(source)

	var decision Decision

	res, err := e.limiter.Check(ctx, ratelimit.Key(scopeIP, source))
	decision.RateLimit = res
	if err != nil {
		// Fail closed on storage trouble and surface it as an anomaly so
		// operators see degraded enforcement.
		e.monitor.Record(ctx, monitor.Event{
			Type:     monitor.EventAnomaly,
			Severity: threat.SeverityHigh,
			Source:   source,
			Details:  map[string]any{"error": err.Error()},
		})
		decision.Reason = ErrorCodeServerError
		decision.Status = http.StatusServiceUnavailable
		return decision, err
	}
	if !res.Allowed {
		severity := threat.SeverityMedium
		eventType := monitor.EventSuspicious
		if res.Blocked {
			severity = threat.SeverityHigh
			eventType = monitor.EventAttack
		}
		e.monitor.Record(ctx, monitor.Event{
			Type:     eventType,
			Severity: severity,
			Source:   source,
			ClientID: req.SessionID,
			Details: map[string]any{
				"reset_at": res.ResetAt,
				"blocked":  res.Blocked,
			},
		})
		decision.Reason = ErrorCodeRateLimitExceeded
		decision.Status = http.StatusTooManyRequests
		return decision, nil
	}

	report := e.detector.Analyze(ctx, req, sig)
	decision.Threat = report
	if report.Action == threat.ActionBlock {
		e.recordThreat(ctx, req, source, report)
		decision.Reason = ErrorCodeThreatDetected
		decision.Status = http.StatusForbidden
		return decision, nil
	}

	verification, err := e.verifier.VerifyRequest(ctx, req, sig)
	decision.Verification = verification
	if err != nil {
		if ctx.Err() != nil {
			return decision, err
		}
		e.logger.Error("Verification failed", "source", source, "error", err)
		decision.Reason = ErrorCodeServerError
		decision.Status = http.StatusServiceUnavailable
		return decision, err
	}
	if !verification.Allowed {
		e.monitor.Record(ctx, monitor.Event{
			Type:     monitor.EventSuspicious,
			Severity: threat.SeverityMedium,
			Source:   source,
			ClientID: req.SessionID,
			Details: map[string]any{
				"risk_score": verification.RiskScore,
				"challenges": verification.Challenges,
			},
		})
		decision.Reason = ErrorCodeVerificationFail
		decision.Status = http.StatusForbidden
		return decision, nil
	}

	// Requests that pass with elevated signals are still worth a trace in
	// the event log.
	if report.IsThreat {
		e.recordThreat(ctx, req, source, report)
	}

	decision.Allowed = true
	return decision, nil
}

// recordThreat turns a detector report into a monitor event.
func (e *Engine) recordThreat(ctx context.Context, req *threat.Request, source string, report threat.Report) {
	severity := threat.SeverityMedium
	if len(report.Threats) > 0 {
		severity = report.Threats[0].Severity
	}

	categories := make([]string, 0, len(report.Threats))
	for _, p := range report.Threats {
		categories = append(categories, string(p.Category))
	}

	e.monitor.Record(ctx, monitor.Event{
		Type:     monitor.EventThreat,
		Severity: severity,
		Source:   source,
		ClientID: req.SessionID,
		Details: map[string]any{
			"action":     string(report.Action),
			"risk_score": report.RiskScore,
			"categories": categories,
			"anomalies":  report.Anomalies,
		},
	})
}

// observe records a request timestamp for the source and derives the timing
// signals handed to the detector and verifier.
func (e *Engine) observe(source string) threat.Signals {
	now := e.now()

	state, ok := e.sources.Get(source)
	if !ok {
		// GetOrSet keeps concurrent first requests from the same source on
		// one shared state, so no timestamp is lost.
		state, _ = e.sources.GetOrSet(source, &sourceState{})
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	var sig threat.Signals
	if n := len(state.times); n > 0 {
		sig.SinceLastRequest = now.Sub(state.times[n-1])
	}

	cutoff := now.Add(-time.Minute)
	kept := state.times[:0]
	for _, t := range state.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	state.times = append(kept, now)
	if len(state.times) > DefaultSourceHistory {
		state.times = state.times[len(state.times)-DefaultSourceHistory:]
	}

	sig.RequestsLastMinute = len(state.times)
	return sig
}

// Close releases background resources. The store is closed only when the
// engine created it.
func (e *Engine) Close() error {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	e.monitor.Close()
	if e.ownStore {
		return e.store.Close()
	}
	return nil
}
