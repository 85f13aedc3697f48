// Package normalize implements the conversion of a model.RawEvent into a
// canonical model.SecurityEvent. Classification and field extraction are
// pure functions of the frame bytes plus the clock — no shared state, no
// locks, trivially parallelizable across a worker pool.
//
// Invalid events (unparseable frame, no extractable source IP) are
// dropped with a counter increment; nothing here ever blocks or panics
// on malformed input.
package normalize

import (
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sentrystack/siemcore/internal/model"
	"github.com/sentrystack/siemcore/internal/observability"
	"github.com/sentrystack/siemcore/internal/syslogfmt"
)

// DefaultClockSkewAllowance bounds how far event_time may run ahead of
// ingest_time before normalize clamps it; earlier event times are not
// clamped.
const DefaultClockSkewAllowance = 300 * time.Second

// Normalizer converts RawEvent to SecurityEvent.
type Normalizer struct {
	clockSkewAllowance time.Duration
	metrics            *observability.Metrics
}

// New constructs a Normalizer. clockSkewAllowance <= 0 uses the default.
func New(clockSkewAllowance time.Duration, metrics *observability.Metrics) *Normalizer {
	if clockSkewAllowance <= 0 {
		clockSkewAllowance = DefaultClockSkewAllowance
	}
	return &Normalizer{clockSkewAllowance: clockSkewAllowance, metrics: metrics}
}

var (
	authFailureRE = regexp.MustCompile(`(?i)(failed password|authentication failure|invalid user)`)
	authSuccessRE = regexp.MustCompile(`(?i)(accepted password|accepted publickey|session opened)`)
	portAccessRE  = regexp.MustCompile(`(?i)(connection attempt to port|deny|drop).*?\b(dpt|port)\b`)

	// Username extraction; extractUsername tries rhostUserRE, then
	// userEqRE, then userForRE.
	userForRE  = regexp.MustCompile(`(?i)\bfor\s+(?:invalid user\s+)?([a-zA-Z0-9_.\-]+)\b`)
	userEqRE   = regexp.MustCompile(`(?i)\buser=([a-zA-Z0-9_.\-]+)`)
	rhostUserRE = regexp.MustCompile(`(?i)rhost=\S+\s+user=([a-zA-Z0-9_.\-]+)`)

	// Source IP extraction from common firewall/auth log shapes.
	srcIPRE = regexp.MustCompile(`(?i)\b(?:from|src=|rhost=)\s*([0-9]{1,3}(?:\.[0-9]{1,3}){3})\b`)

	// Destination port extraction, tried in order of the keys named in §4.2.
	dptRE    = regexp.MustCompile(`(?i)\bdpt=(\d{1,5})\b`)
	portKwRE = regexp.MustCompile(`(?i)\bport\s+(\d{1,5})\b`)
	toPortRE = regexp.MustCompile(`(?i)\bto port\s+(\d{1,5})\b`)
)

// Normalize converts one RawEvent into a SecurityEvent. ok is false when
// the frame could not be parsed or lacks a usable source IP; the caller
// must drop the event and increment its own counter (kept out of this
// function so callers can label the drop reason precisely).
func (n *Normalizer) Normalize(raw model.RawEvent) (model.SecurityEvent, bool) {
	parsed, err := syslogfmt.Parse(raw.Bytes, raw.ReceiptTime)
	if err != nil {
		n.metrics.NormalizeFailuresTotal.Inc()
		return model.SecurityEvent{}, false
	}

	sourceIP := extractSourceIP(parsed.Hostname, parsed.Msg)
	if sourceIP == "" {
		n.metrics.NormalizeFailuresTotal.Inc()
		return model.SecurityEvent{}, false
	}

	if raw.TenantID == "" {
		n.metrics.NormalizeFailuresTotal.Inc()
		return model.SecurityEvent{}, false
	}

	eventTime := raw.ReceiptTime
	if parsed.TimestampValid {
		eventTime = parsed.Timestamp
	}

	ev := model.SecurityEvent{
		EventID:    uuid.NewString(),
		TenantID:   raw.TenantID,
		IngestTime: raw.ReceiptTime,
		SourceIP:   sourceIP,
		Username:   extractUsername(parsed.Msg),
		Kind:       classify(parsed.Msg),
		Protocol:   string(raw.Transport),
		Facility:   parsed.Facility,
		Severity:   parsed.Severity,
		Raw:        parsed.Msg,
	}

	if dp, ok := extractDestPort(parsed.Msg); ok {
		ev.DestPort = dp
	}

	ev.EventTime, ev.Clamped = clampEventTime(eventTime, raw.ReceiptTime, n.clockSkewAllowance)
	if ev.Clamped {
		n.metrics.ClockSkewClampedTotal.Inc()
	}

	n.metrics.SecurityEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	return ev, true
}

// clampEventTime enforces the invariant event_time <= ingest_time +
// allowance: if event_time is further in the future than the
// allowance permits, it is clamped to ingest_time and flagged.
func clampEventTime(eventTime, ingestTime time.Time, allowance time.Duration) (time.Time, bool) {
	if eventTime.After(ingestTime.Add(allowance)) {
		return ingestTime, true
	}
	return eventTime, false
}

// classify maps message content to an EventKind.
func classify(msg string) model.EventKind {
	switch {
	case authFailureRE.MatchString(msg):
		return model.EventAuthFailure
	case authSuccessRE.MatchString(msg):
		return model.EventAuthSuccess
	case portAccessRE.MatchString(msg), dptRE.MatchString(msg):
		return model.EventPortAccess
	default:
		return model.EventOther
	}
}

// extractUsername tries each username pattern in turn, returning the
// first match.
func extractUsername(msg string) string {
	if m := rhostUserRE.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	if m := userEqRE.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	if m := userForRE.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	return ""
}

// extractSourceIP recovers the originating address: prefers an explicit
// from=/src=/rhost= token in the message body, falling back to the
// syslog HOSTNAME field (the common case for firewall/relay-forwarded
// logs where HOSTNAME is the reporting device, not useful — so this
// fallback is only used when it parses as an IP literal).
func extractSourceIP(hostname, msg string) string {
	if m := srcIPRE.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	if isIPv4Literal(hostname) {
		return hostname
	}
	return ""
}

func isIPv4Literal(s string) bool {
	parts := regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)
	return parts.MatchString(s)
}

// extractDestPort recovers a destination port, rejecting 0 and values
// above 65535.
func extractDestPort(msg string) (int, bool) {
	for _, re := range []*regexp.Regexp{dptRE, toPortRE, portKwRE} {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		p, err := strconv.Atoi(m[1])
		if err != nil || p < 1 || p > 65535 {
			continue
		}
		return p, true
	}
	return 0, false
}
