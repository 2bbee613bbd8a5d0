package threat

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Pattern is an immutable catalog entry describing one attack signature.
// Patterns are loaded once (at process start or on catalog reload) and never
// mutated afterwards, so catalog reads are lock-free.
type Pattern struct {
	ID          string
	Name        string
	Expr        string
	Severity    Severity
	Category    Category
	Description string
	Mitigation  string

	re *regexp.Regexp
}

// Matches reports whether the pattern matches the scan buffer.
func (p *Pattern) Matches(buf string) bool {
	return p.re != nil && p.re.MatchString(buf)
}

// Catalog is an immutable set of compiled threat patterns.
type Catalog struct {
	patterns []Pattern
}

// Patterns returns the catalog entries. Callers must not modify the slice.
func (c *Catalog) Patterns() []Pattern {
	return c.patterns
}

// Len returns the number of patterns in the catalog.
func (c *Catalog) Len() int {
	return len(c.patterns)
}

// patternJSON is the file representation of a catalog entry
type patternJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
	Mitigation  string `json:"mitigation,omitempty"`
}

// NewCatalog compiles a catalog from pattern definitions. Entries with an
// empty ID, an invalid severity, or an expression that does not compile are
// rejected so a bad signature file cannot silently weaken detection.
func NewCatalog(patterns []Pattern) (*Catalog, error) {
	compiled := make([]Pattern, 0, len(patterns))
	seen := make(map[string]bool, len(patterns))

	for i, p := range patterns {
		if p.ID == "" {
			return nil, fmt.Errorf("pattern %d: id is required", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("pattern %q: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if !p.Severity.Valid() {
			return nil, fmt.Errorf("pattern %q: unknown severity %q", p.ID, p.Severity)
		}

		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: invalid expression: %w", p.ID, err)
		}
		p.re = re
		compiled = append(compiled, p)
	}

	return &Catalog{patterns: compiled}, nil
}

// LoadCatalog reads a JSON signature file and compiles it into a catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var entries []patternJSON
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	patterns := make([]Pattern, 0, len(entries))
	for _, e := range entries {
		patterns = append(patterns, Pattern{
			ID:          e.ID,
			Name:        e.Name,
			Expr:        e.Pattern,
			Severity:    Severity(e.Severity),
			Category:    Category(e.Category),
			Description: e.Description,
			Mitigation:  e.Mitigation,
		})
	}

	catalog, err := NewCatalog(patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return catalog, nil
}

// DefaultCatalog returns the built-in signature set. The expressions assume a
// lower-cased scan buffer, which is what Detector builds.
func DefaultCatalog() *Catalog {
	catalog, err := NewCatalog(defaultPatterns())
	if err != nil {
		// The built-in set is covered by tests; a compile failure here is a
		// programming error, not a runtime condition.
		panic(fmt.Sprintf("built-in threat catalog invalid: %v", err))
	}
	return catalog
}

func defaultPatterns() []Pattern {
	return []Pattern{
		{
			ID:          "sqli-union",
			Name:        "SQL injection: UNION-based extraction",
			Expr:        `union[\s/*]+select`,
			Severity:    SeverityCritical,
			Category:    CategorySQLInjection,
			Description: "UNION SELECT used to append attacker-controlled rows to a query result",
			Mitigation:  "Use parameterized queries; never interpolate user input into SQL",
		},
		{
			ID:          "sqli-tautology",
			Name:        "SQL injection: tautology",
			Expr:        `(\bor\b|\band\b)\s+['"]?\d+['"]?\s*=\s*['"]?\d+`,
			Severity:    SeverityCritical,
			Category:    CategorySQLInjection,
			Description: "Always-true condition such as OR 1=1 injected into a WHERE clause",
			Mitigation:  "Use parameterized queries; validate numeric parameters",
		},
		{
			ID:          "sqli-select-from",
			Name:        "SQL injection: query structure in request content",
			Expr:        `\bselect\b.+\bfrom\b\s+\w+`,
			Severity:    SeverityHigh,
			Category:    CategorySQLInjection,
			Description: "Full SELECT ... FROM query embedded in a request field",
			Mitigation:  "Use parameterized queries; reject raw SQL in request parameters",
		},
		{
			ID:          "sqli-statement",
			Name:        "SQL injection: piggybacked statement",
			Expr:        `;\s*(drop|delete|insert|update|truncate)\s`,
			Severity:    SeverityCritical,
			Category:    CategorySQLInjection,
			Description: "Statement terminator followed by a data-modifying command",
			Mitigation:  "Use parameterized queries; restrict database account privileges",
		},
		{
			ID:          "sqli-comment",
			Name:        "SQL injection: comment truncation",
			Expr:        `['"]\s*(--|#|/\*)`,
			Severity:    SeverityHigh,
			Category:    CategorySQLInjection,
			Description: "Quote followed by a SQL comment to truncate the remainder of a query",
			Mitigation:  "Use parameterized queries",
		},
		{
			ID:          "xss-script-tag",
			Name:        "XSS: script tag",
			Expr:        `<\s*script[^>]*>`,
			Severity:    SeverityHigh,
			Category:    CategoryXSS,
			Description: "Inline script element in request content",
			Mitigation:  "Encode output; apply a restrictive Content-Security-Policy",
		},
		{
			ID:          "xss-event-handler",
			Name:        "XSS: inline event handler",
			Expr:        `\bon(error|load|click|mouseover|focus)\s*=`,
			Severity:    SeverityHigh,
			Category:    CategoryXSS,
			Description: "HTML event handler attribute carrying script",
			Mitigation:  "Encode output; strip event attributes from user HTML",
		},
		{
			ID:          "xss-js-uri",
			Name:        "XSS: javascript URI",
			Expr:        `javascript\s*:`,
			Severity:    SeverityMedium,
			Category:    CategoryXSS,
			Description: "javascript: scheme in a URL-bearing field",
			Mitigation:  "Allow-list URL schemes on user-supplied links",
		},
		{
			ID:          "rce-shell-meta",
			Name:        "Command injection: shell metacharacters",
			Expr:        "[;&|`]\\s*(cat|ls|id|whoami|wget|curl|nc|bash|sh)\\b",
			Severity:    SeverityCritical,
			Category:    CategoryRCE,
			Description: "Shell command chained behind a metacharacter",
			Mitigation:  "Never pass user input to a shell; use exec with argument vectors",
		},
		{
			ID:          "rce-eval",
			Name:        "Code injection: eval construct",
			Expr:        `\b(eval|exec|system|passthru|popen)\s*\(`,
			Severity:    SeverityCritical,
			Category:    CategoryRCE,
			Description: "Dynamic code evaluation call in request content",
			Mitigation:  "Remove dynamic evaluation of user input",
		},
		{
			ID:          "lfi-traversal",
			Name:        "Path traversal",
			Expr:        `(\.\./|\.\.\\|%2e%2e%2f)`,
			Severity:    SeverityHigh,
			Category:    CategoryLFI,
			Description: "Directory traversal sequence in a path parameter",
			Mitigation:  "Resolve and validate paths against an allow-listed root",
		},
		{
			ID:          "lfi-sensitive-file",
			Name:        "Local file disclosure target",
			Expr:        `(etc/passwd|etc/shadow|proc/self/environ|win\.ini)`,
			Severity:    SeverityHigh,
			Category:    CategoryLFI,
			Description: "Reference to a well-known sensitive system file",
			Mitigation:  "Never build file paths from user input",
		},
		{
			ID:          "xxe-doctype",
			Name:        "XXE: external entity declaration",
			Expr:        `<!(doctype|entity)[^>]*(system|public)`,
			Severity:    SeverityCritical,
			Category:    CategoryXXE,
			Description: "XML external entity declaration in request body",
			Mitigation:  "Disable DTD processing in the XML parser",
		},
		{
			ID:          "csrf-host-mismatch",
			Name:        "CSRF: cross-site state change markers",
			Expr:        `csrf[_-]?token\s*=\s*(null|undefined|\s|$)`,
			Severity:    SeverityMedium,
			Category:    CategoryCSRF,
			Description: "Empty or stripped CSRF token on a state-changing request",
			Mitigation:  "Require and validate per-session CSRF tokens server-side",
		},
	}
}
