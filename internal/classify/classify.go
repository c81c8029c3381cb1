// Package classify turns raw cloudflared/API output into a closed set of
// ErrorKinds using an ordered, first-match-wins pattern list.
package classify

import (
	"regexp"
	"strings"
	"sync"
)

// Kind is a closed tagged set of recognized error conditions.
type Kind string

const (
	AuthMissingCert        Kind = "AUTH_MISSING_CERT"
	AuthExpiredCert        Kind = "AUTH_EXPIRED_CERT"
	AuthPermissionDenied   Kind = "AUTH_PERMISSION_DENIED"
	DNSRecordExists        Kind = "DNS_RECORD_EXISTS"
	DNSZoneNotFound        Kind = "DNS_ZONE_NOT_FOUND"
	DNSPermissionDenied    Kind = "DNS_PERMISSION_DENIED"
	DNSInvalidDomain       Kind = "DNS_INVALID_DOMAIN"
	TunnelAlreadyExists    Kind = "TUNNEL_ALREADY_EXISTS"
	TunnelNotFound         Kind = "TUNNEL_NOT_FOUND"
	TunnelDeletionFailed   Kind = "TUNNEL_DELETION_FAILED"
	TunnelConnectionFailed Kind = "TUNNEL_CONNECTION_FAILED"
	NetworkTimeout         Kind = "NETWORK_TIMEOUT"
	NetworkConnectionFail  Kind = "NETWORK_CONNECTION_FAILED"
	ConfigFileMissing      Kind = "CONFIG_FILE_MISSING"
	ConfigFileInvalid      Kind = "CONFIG_FILE_INVALID"
	ProcessStartupFailed   Kind = "PROCESS_STARTUP_FAILED"
	ProcessUnexpectedExit  Kind = "PROCESS_UNEXPECTED_EXIT"
	Unknown                Kind = "UNKNOWN"
)

// Severity of a classified error.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Action is a recommended next step for a classified error.
type Action string

const (
	ActionResolveDNSConflict Action = "resolve_dns_conflict"
	ActionRunLogin           Action = "run_login"
	ActionRetry              Action = "retry"
	ActionGenerateConfig     Action = "generate_config"
	ActionManual             Action = "manual"
)

// Result is the outcome of classifying one chunk of output.
type Result struct {
	Kind      Kind
	Severity  Severity
	Action    Action
	Raw       string
}

type rule struct {
	kind     Kind
	severity Severity
	action   Action
	pattern  *regexp.Regexp
}

// rules is the ordered, first-match-wins classification table. More specific
// patterns precede broader ones so a specific message is never shadowed by a
// generic catch-all with the same trailing words.
var rules = []rule{
	{AuthMissingCert, SeverityError, ActionRunLogin, regexp.MustCompile(`(?i)cert(ificate)?\.pem.*(not found|missing|no such file)`)},
	{AuthMissingCert, SeverityError, ActionRunLogin, regexp.MustCompile(`(?i)no certificate found|please run.*login`)},
	{AuthExpiredCert, SeverityError, ActionRunLogin, regexp.MustCompile(`(?i)certificate.*expired|certificate has expired`)},
	{AuthPermissionDenied, SeverityError, ActionRunLogin, regexp.MustCompile(`(?i)failed to authenticate|authentication failed|unauthorized|invalid.*token`)},

	{DNSRecordExists, SeverityWarning, ActionResolveDNSConflict, regexp.MustCompile(`(?i)an a, aaaa, or cname record with that host already exists`)},
	{DNSRecordExists, SeverityWarning, ActionResolveDNSConflict, regexp.MustCompile(`(?i)record.*already exists`)},
	{DNSZoneNotFound, SeverityError, ActionManual, regexp.MustCompile(`(?i)zone (could not be found|not found)|could not find zone`)},
	{DNSPermissionDenied, SeverityError, ActionManual, regexp.MustCompile(`(?i)dns.*permission denied|insufficient permissions.*dns|not authorized.*zone`)},
	{DNSInvalidDomain, SeverityError, ActionManual, regexp.MustCompile(`(?i)invalid.*(domain|hostname)|hostname.*invalid`)},

	{TunnelAlreadyExists, SeverityWarning, ActionRetry, regexp.MustCompile(`(?i)tunnel.*already exists|tunnel with name.*already exists`)},
	{TunnelNotFound, SeverityError, ActionManual, regexp.MustCompile(`(?i)tunnel.*not found|no tunnel.*found|could not find tunnel`)},
	{TunnelDeletionFailed, SeverityError, ActionManual, regexp.MustCompile(`(?i)failed to delete tunnel|could not delete tunnel`)},
	{TunnelConnectionFailed, SeverityError, ActionRetry, regexp.MustCompile(`(?i)failed to (register|connect).*tunnel|unable to reach the origin`)},

	{NetworkTimeout, SeverityWarning, ActionRetry, regexp.MustCompile(`(?i)(context deadline exceeded|i/o timeout|timed? ?out)`)},
	{NetworkConnectionFail, SeverityWarning, ActionRetry, regexp.MustCompile(`(?i)(connection refused|no such host|network is unreachable|dial tcp.*connect)`)},

	{ConfigFileMissing, SeverityError, ActionGenerateConfig, regexp.MustCompile(`(?i)config(uration)? file.*(not found|missing|no such file)`)},
	{ConfigFileInvalid, SeverityError, ActionGenerateConfig, regexp.MustCompile(`(?i)(failed to parse|invalid) config(uration)?`)},

	{ProcessStartupFailed, SeverityError, ActionRetry, regexp.MustCompile(`(?i)failed to start|exec format error|no such file or directory.*cloudflared`)},
}

// Classifier applies the rule table and keeps a recognition-rate statistic.
// It holds no other state: Classify(x) is a pure function of x and ctx.
type Classifier struct {
	mu         sync.Mutex
	total      int
	recognized int
}

// New returns a ready-to-use Classifier.
func New() *Classifier {
	return &Classifier{}
}

// Classify pattern-matches raw, first-match-wins. ctx carries operation
// metadata (operation tag, hostname, tunnel id) that callers may consult
// when building suggestions; it does not affect which rule matches.
func (c *Classifier) Classify(raw string, ctx map[string]string) Result {
	res := Match(raw)

	c.mu.Lock()
	c.total++
	if res.Kind != Unknown {
		c.recognized++
	}
	c.mu.Unlock()

	return res
}

// Match is the stateless, pure core of classification: same input always
// yields the same output. Classifier wraps it to additionally track a
// recognition-rate statistic.
func Match(raw string) Result {
	for _, r := range rules {
		if r.pattern.MatchString(raw) {
			return Result{Kind: r.kind, Severity: r.severity, Action: r.action, Raw: raw}
		}
	}
	return Result{Kind: Unknown, Severity: SeverityError, Action: ActionManual, Raw: raw}
}

// IsAlreadyExists is a convenience check used by layers that only care
// whether a "resource already exists" condition was classified, regardless
// of which resource kind.
func IsAlreadyExists(res Result) bool {
	return res.Kind == DNSRecordExists || res.Kind == TunnelAlreadyExists
}

// ContainsAny reports whether s contains any of substrs, case-insensitively.
// Exposed for components (e.g. the DNS reconciler) that need a narrower,
// ad-hoc check than the full rule table without duplicating Classify's logic.
func ContainsAny(s string, substrs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// Stats returns the running total/recognized counts used for the
// recognition-rate statistic.
func (c *Classifier) Stats() (total, recognized int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, c.recognized
}
