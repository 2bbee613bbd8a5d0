package threat

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/giantswarm/reqshield/instrumentation"
)

// Risk score thresholds mapping an accumulated score to an action.
const (
	BlockThreshold     = 80
	ChallengeThreshold = 50
	MonitorThreshold   = 20
)

const (
	// anomalyWeight is the score contribution of each anomaly heuristic
	anomalyWeight = 10

	// patternConfidence and anomalyConfidence accumulate into the report
	// confidence, capped at 1.0
	patternConfidence = 0.25
	anomalyConfidence = 0.15

	// DefaultRateAnomalyThreshold is the per-source request count in the
	// trailing minute above which the rate anomaly fires
	DefaultRateAnomalyThreshold = 60

	// DefaultMinRequestGap is the inter-request gap below which timing
	// looks scripted rather than human
	DefaultMinRequestGap = 100 * time.Millisecond
)

// suspiciousAgentMarkers are substrings of User-Agent values associated with
// scanners and attack tooling. Matched against the lower-cased header.
var suspiciousAgentMarkers = []string{
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"acunetix",
	"dirbuster",
	"metasploit",
	"havij",
}

// Signals carries the caller-owned recent history the anomaly heuristics
// read. The detector itself is stateless so it can run on the hot request
// path; request-rate and timing counters belong to the caller (the engine
// tracks them per source IP).
type Signals struct {
	// RequestsLastMinute is how many requests the source sent in the
	// trailing 60 seconds, including this one.
	RequestsLastMinute int

	// SinceLastRequest is the gap since the source's previous request.
	// Zero means unknown (first request observed).
	SinceLastRequest time.Duration
}

// Report is the outcome of analyzing one request.
type Report struct {
	// IsThreat is true when any pattern matched or the score exceeds the
	// monitor threshold
	IsThreat bool

	// Threats lists the catalog patterns that matched, most severe first
	Threats []Pattern

	// Anomalies names the heuristic signals that fired
	Anomalies []string

	// RiskScore is the severity-weighted accumulation of all signals
	RiskScore int

	// Action is the recommended response derived from RiskScore
	Action Action

	// Confidence is in [0, 1], accumulated per matching signal
	Confidence float64
}

// Detector scans request content against the threat pattern catalog and runs
// anomaly heuristics. Analyze is side-effect-free and safe for concurrent
// use; the catalog is swapped atomically on reload, so reads never lock.
type Detector struct {
	catalog atomic.Pointer[Catalog]
	logger  *slog.Logger

	rateThreshold int
	minGap        time.Duration

	instrumentation *instrumentation.Instrumentation
}

// DetectorConfig tunes the anomaly heuristics. The zero value selects
// defaults.
type DetectorConfig struct {
	// RateAnomalyThreshold is the trailing-minute request count above
	// which the rate anomaly fires. Default: DefaultRateAnomalyThreshold.
	RateAnomalyThreshold int

	// MinRequestGap is the inter-request gap under which timing counts as
	// scripted. Default: DefaultMinRequestGap.
	MinRequestGap time.Duration
}

// NewDetector creates a detector over the given catalog. A nil catalog
// selects the built-in signature set.
func NewDetector(catalog *Catalog, cfg DetectorConfig, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if cfg.RateAnomalyThreshold <= 0 {
		cfg.RateAnomalyThreshold = DefaultRateAnomalyThreshold
	}
	if cfg.MinRequestGap <= 0 {
		cfg.MinRequestGap = DefaultMinRequestGap
	}

	d := &Detector{
		logger:        logger,
		rateThreshold: cfg.RateAnomalyThreshold,
		minGap:        cfg.MinRequestGap,
	}
	d.catalog.Store(catalog)
	return d
}

// SetInstrumentation sets OpenTelemetry instrumentation for the detector
func (d *Detector) SetInstrumentation(inst *instrumentation.Instrumentation) {
	d.instrumentation = inst
}

// Catalog returns the active catalog.
func (d *Detector) Catalog() *Catalog {
	return d.catalog.Load()
}

// SetCatalog atomically replaces the active catalog. In-flight Analyze calls
// finish against the catalog they started with.
func (d *Detector) SetCatalog(catalog *Catalog) {
	if catalog == nil {
		return
	}
	d.catalog.Store(catalog)
	d.logger.Info("Threat pattern catalog replaced", "patterns", catalog.Len())
}

// Analyze scans the request against the catalog and anomaly heuristics and
// returns a well-formed report. A nil request or missing fields analyze as
// empty content and default toward ActionAllow.
func (d *Detector) Analyze(ctx context.Context, req *Request, sig Signals) Report {
	buf := scanBuffer(req)
	catalog := d.catalog.Load()

	var report Report
	for i := range catalog.patterns {
		p := &catalog.patterns[i]
		if p.Matches(buf) {
			report.Threats = append(report.Threats, *p)
			report.RiskScore += p.Severity.Weight()
			report.Confidence += patternConfidence
		}
	}

	sort.SliceStable(report.Threats, func(i, j int) bool {
		return report.Threats[i].Severity.Weight() > report.Threats[j].Severity.Weight()
	})

	for _, anomaly := range d.anomalies(req, sig) {
		report.Anomalies = append(report.Anomalies, anomaly)
		report.RiskScore += anomalyWeight
		report.Confidence += anomalyConfidence
	}

	if report.Confidence > 1.0 {
		report.Confidence = 1.0
	}

	report.Action = actionFor(report.RiskScore)
	report.IsThreat = len(report.Threats) > 0 || report.RiskScore > MonitorThreshold

	if d.instrumentation != nil {
		d.instrumentation.Metrics().RecordThreatAnalysis(ctx, string(report.Action), report.IsThreat, report.RiskScore)
	}

	return report
}

// anomalies runs the behavioral heuristics and returns the names of those
// that fired.
func (d *Detector) anomalies(req *Request, sig Signals) []string {
	var fired []string

	if sig.RequestsLastMinute > d.rateThreshold {
		fired = append(fired, "excessive_request_rate")
	}

	agent := strings.ToLower(req.Header("User-Agent"))
	for _, marker := range suspiciousAgentMarkers {
		if strings.Contains(agent, marker) {
			fired = append(fired, "suspicious_user_agent")
			break
		}
	}

	if sig.SinceLastRequest > 0 && sig.SinceLastRequest < d.minGap {
		fired = append(fired, "sub_human_timing")
	}

	return fired
}

// actionFor maps an accumulated risk score to the recommended action.
func actionFor(score int) Action {
	switch {
	case score >= BlockThreshold:
		return ActionBlock
	case score >= ChallengeThreshold:
		return ActionChallenge
	case score >= MonitorThreshold:
		return ActionMonitor
	default:
		return ActionAllow
	}
}

// scanBuffer concatenates and lower-cases the request's scannable attributes
// into one buffer. Nil requests and nil maps contribute nothing.
func scanBuffer(req *Request) string {
	if req == nil {
		return ""
	}

	var b strings.Builder
	b.Grow(len(req.URL) + len(req.Method) + len(req.Body) + 64)

	b.WriteString(req.URL)
	b.WriteByte('\n')
	b.WriteString(req.Method)
	b.WriteByte('\n')
	for k, v := range req.Headers {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	b.WriteString(req.Body)
	b.WriteByte('\n')
	for k, v := range req.Query {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}

	return strings.ToLower(b.String())
}
