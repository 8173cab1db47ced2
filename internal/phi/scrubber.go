// Package phi implements the deny-pattern filter that keeps patient-
// identifying data out of evidence bundles and remote-execution output
// (spec §3.6 "No-PHI" invariant, §4.8 Windows target executor output
// scrubbing).
//
// IP addresses are intentionally excluded: they are infrastructure
// identifiers, not patient data, and the drift detector and self-healer
// need them intact to reason about network topology.
package phi

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
)

type pattern struct {
	category string
	re       *regexp.Regexp
	tag      string
}

// Scrubber redacts PHI/PII-shaped substrings from strings and map trees.
type Scrubber struct {
	patterns []pattern
}

// NewScrubber builds a Scrubber with the full deny-pattern set.
func NewScrubber() *Scrubber {
	return &Scrubber{patterns: compilePatterns()}
}

func compilePatterns() []pattern {
	defs := []struct {
		category string
		re       string
		tag      string
	}{
		{"ssn", `\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`, "SSN-REDACTED"},
		{"mrn", `(?i)\bMRN[:\s#]*\d{4,12}\b`, "MRN-REDACTED"},
		{"patient_id", `(?i)\bpatient[_\s]?id[:\s#]*[A-Za-z0-9\-]{3,20}\b`, "PATIENT-ID-REDACTED"},
		{"phone", `(?:\(\d{3}\)\s*\d{3}[-.]?\d{4}|\b\d{3}[-.]?\d{3}[-.]?\d{4}\b)`, "PHONE-REDACTED"},
		{"email", `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, "EMAIL-REDACTED"},
		{"credit_card", `\b(?:\d{4}[-\s]?){3}\d{4}\b`, "CC-REDACTED"},
		{"dob", `(?i)\b(?:DOB|date\s*of\s*birth)[:\s]*\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}\b`, "DOB-REDACTED"},
		{"address", `\b\d{1,6}\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\s+(?:Street|St|Avenue|Ave|Boulevard|Blvd|Drive|Dr|Road|Rd|Lane|Ln|Court|Ct|Way|Place|Pl|Circle|Cir)\b`, "ADDRESS-REDACTED"},
		{"zip", `\b\d{5}-\d{4}\b`, "ZIP-REDACTED"},
		{"account_number", `(?i)\b(?:account|acct)[:\s#]*\d{4,20}\b`, "ACCOUNT-REDACTED"},
		{"insurance_id", `(?i)\b(?:insurance|policy)\s*(?:id|#|number)[:\s]*[A-Za-z0-9\-]{4,20}\b`, "INSURANCE-REDACTED"},
		{"medicare", `(?i)\bmedicare[:\s#]*[A-Za-z0-9]{4}[-\s]?[A-Za-z0-9]{3}[-\s]?[A-Za-z0-9]{4}\b`, "MEDICARE-REDACTED"},
	}

	patterns := make([]pattern, 0, len(defs))
	for _, d := range defs {
		patterns = append(patterns, pattern{category: d.category, re: regexp.MustCompile(d.re), tag: d.tag})
	}
	return patterns
}

func hashSuffix(value string) string {
	h := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", h[:4])
}

// Redact replaces every PHI match in input with a tagged, hash-suffixed
// placeholder: "[SSN-REDACTED-a1b2c3d4]". The hash lets two scrubbed
// strings be correlated without revealing the original value.
func (s *Scrubber) Redact(input string) string {
	result := input
	for _, p := range s.patterns {
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			return fmt.Sprintf("[%s-%s]", p.tag, hashSuffix(match))
		})
	}
	return result
}

// RedactValue recursively redacts every string found in v, which must be
// one of the types produced by encoding/json.Unmarshal into interface{}
// (map[string]interface{}, []interface{}, string, or a scalar). Returns a
// new value; the input is not mutated.
func (s *Scrubber) RedactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return s.Redact(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = s.RedactValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.RedactValue(item)
		}
		return out
	default:
		return v
	}
}

// Contains reports whether input matches any PHI pattern.
func (s *Scrubber) Contains(input string) bool {
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			return true
		}
	}
	return false
}

// Categories returns which PHI categories matched in input.
func (s *Scrubber) Categories(input string) []string {
	var found []string
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			found = append(found, p.category)
		}
	}
	return found
}

// ipPattern is exposed for tests confirming IPs survive redaction.
var ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// PreservesIPs reports whether every IPv4-shaped substring in input is
// still present, unchanged, after redaction.
func (s *Scrubber) PreservesIPs(input string) bool {
	scrubbed := s.Redact(input)
	orig := ipPattern.FindAllString(input, -1)
	after := ipPattern.FindAllString(scrubbed, -1)
	if len(orig) != len(after) {
		return false
	}
	for i := range orig {
		if orig[i] != after[i] {
			return false
		}
	}
	return true
}

func (s *Scrubber) String() string {
	cats := make([]string, len(s.patterns))
	for i, p := range s.patterns {
		cats[i] = p.category
	}
	return fmt.Sprintf("Scrubber(%d patterns: %s)", len(s.patterns), strings.Join(cats, ", "))
}
