package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// PayloadInspector scans compute payloads before they reach an
// executor, and executor results before they are written back to the
// ledger. It is a screening layer on top of the capability sandbox,
// not a substitute for it.
type PayloadInspector struct {
	patterns   []InspectionPattern
	maxPayload int
}

// InspectionPattern defines a suspicious pattern to match.
type InspectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for inspector findings.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Finding represents a suspicious pattern located in a payload.
type Finding struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewPayloadInspector creates an inspector with default patterns and
// payload size limit.
func NewPayloadInspector(maxPayload int) *PayloadInspector {
	if maxPayload <= 0 {
		maxPayload = 64 << 10
	}
	return &PayloadInspector{
		patterns:   defaultPatterns(),
		maxPayload: maxPayload,
	}
}

// Inspect checks a compute payload for suspicious patterns before
// execution.
func (d *PayloadInspector) Inspect(payload []byte) []Finding {
	var findings []Finding

	if len(payload) > d.maxPayload {
		findings = append(findings, Finding{
			Pattern:  "oversized_payload",
			Severity: SeverityCritical.String(),
			Detail:   "payload exceeds the inspection size limit",
		})
		log.Warn().Int("size", len(payload)).Int("limit", d.maxPayload).
			Msg("oversized compute payload rejected")
		return findings
	}

	lines := strings.Split(string(payload), "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if p.Regex.MatchString(line) {
				f := Finding{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				}
				findings = append(findings, f)

				log.Warn().
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("suspicious pattern in compute payload")
			}
		}
	}

	return findings
}

// InspectResult checks an executor result for content that must never
// reach the ledger, key material above all.
func (d *PayloadInspector) InspectResult(result []byte) []Finding {
	var findings []Finding

	resultPatterns := []struct {
		name   string
		substr string
		sev    Severity
	}{
		{"pem_private_key", "PRIVATE KEY-----", SeverityCritical},
		{"seed_phrase_leak", "seed phrase", SeverityCritical},
		{"enclave_env_leak", "ENCLAVE_", SeverityHigh},
		{"connection_string", "postgres://", SeverityMedium},
	}

	out := string(result)
	for _, p := range resultPatterns {
		if strings.Contains(out, p.substr) {
			findings = append(findings, Finding{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in executor result: " + p.name,
			})
		}
	}

	return findings
}

// ShouldBlock reports whether any finding is severe enough to veto
// execution.
func ShouldBlock(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical.String() {
			return true
		}
	}
	return false
}

func defaultPatterns() []InspectionPattern {
	return []InspectionPattern{
		{
			Name:        "env_exfiltration",
			Description: "Reading the executor environment wholesale",
			Regex:       regexp.MustCompile(`(?i)(process\.env|os\.environ|printenv|env\s*\|\s*curl)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "key_material_probe",
			Description: "Probing for key material or wallet secrets",
			Regex:       regexp.MustCompile(`(?i)(private[_\s-]?key|master[_\s-]?key|seed[_\s-]?phrase|mnemonic|keystore)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "enclave_device_probe",
			Description: "Touching enclave runtime devices or pseudo-files",
			Regex:       regexp.MustCompile(`/dev/attestation|/dev/sgx|/proc/self/(root|exe|fd|ns|maps)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "reverse_shell",
			Description: "Potential reverse shell command",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "loopback_probe",
			Description: "Targeting platform-internal loopback services",
			Regex:       regexp.MustCompile(`(?i)(localhost|127\.0\.0\.1|0\.0\.0\.0):\d{2,5}`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "outbound_exfiltration",
			Description: "Piping local data to a remote endpoint",
			Regex:       regexp.MustCompile(`(?i)(curl|wget)\s+.*(-d\s|--data|--upload-file|-T\s)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
