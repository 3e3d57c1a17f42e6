package commit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// messagePattern is the canonical commit message format:
// [PERSONA] [STEP-nnn] description
var messagePattern = regexp.MustCompile(`^\[([A-Z][A-Z0-9_-]*)\] \[STEP-(\d{3})\] (.+)$`)

// knownPersonas are the pipeline roles commits are attributed to.
// Unknown personas are warned about, never rejected.
var knownPersonas = map[string]bool{
	"ANALYST":   true,
	"ARCHITECT": true,
	"DEVELOPER": true,
	"QA":        true,
	"REVIEWER":  true,
	"OPS":       true,
}

const (
	minDescriptionLen = 10
	maxDescriptionLen = 120
)

// FormatMessage renders the canonical commit message form.
// The persona is uppercased, the step id zero-padded to three digits, and
// quotes and newlines in the description escaped.
func FormatMessage(persona string, stepID int, description string) string {
	return fmt.Sprintf("[%s] [STEP-%03d] %s",
		strings.ToUpper(strings.TrimSpace(persona)),
		stepID,
		escapeDescription(description),
	)
}

func escapeDescription(description string) string {
	replacer := strings.NewReplacer(
		"\"", "\\\"",
		"\n", "\\n",
		"\r", "",
	)
	return replacer.Replace(strings.TrimSpace(description))
}

// ParseMessage splits a canonical commit message into its parts.
func ParseMessage(message string) (persona string, stepID int, description string, err error) {
	m := messagePattern.FindStringSubmatch(message)
	if m == nil {
		return "", 0, "", fmt.Errorf("message %q does not match format [PERSONA] [STEP-nnn] description", message)
	}
	step, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, "", fmt.Errorf("invalid step id %q: %w", m[2], err)
	}
	return m[1], step, m[3], nil
}

// ValidationWarning is an advisory finding about a commit message.
type ValidationWarning struct {
	Field  string
	Detail string
}

// ValidateMessage checks message against the canonical pattern and
// returns advisory warnings. Only a structural mismatch is an error.
func ValidateMessage(message string, stepID int) ([]ValidationWarning, error) {
	var warnings []ValidationWarning

	m := messagePattern.FindStringSubmatch(message)
	if m == nil {
		return nil, fmt.Errorf("message %q does not match format [PERSONA] [STEP-nnn] description", message)
	}

	if !knownPersonas[m[1]] {
		warnings = append(warnings, ValidationWarning{
			Field:  "persona",
			Detail: fmt.Sprintf("unknown persona %q", m[1]),
		})
	}

	if stepID < 1 || stepID > 999 {
		warnings = append(warnings, ValidationWarning{
			Field:  "step",
			Detail: fmt.Sprintf("step id %d outside typical range 1-999", stepID),
		})
	}

	desc := m[3]
	if len(desc) < minDescriptionLen {
		warnings = append(warnings, ValidationWarning{
			Field:  "description",
			Detail: fmt.Sprintf("description is only %d characters", len(desc)),
		})
	}
	if len(desc) > maxDescriptionLen {
		warnings = append(warnings, ValidationWarning{
			Field:  "description",
			Detail: fmt.Sprintf("description is %d characters (over %d)", len(desc), maxDescriptionLen),
		})
	}

	return warnings, nil
}

// Correction is the result of a best-effort message repair.
type Correction struct {
	Corrected        bool
	CorrectedMessage string
	Corrections      []string
}

// Near-miss patterns repaired by CorrectMessageFormat.
var (
	// [persona] [STEP-n] desc with lowercase persona or short step number
	looseFormPattern = regexp.MustCompile(`^\[([A-Za-z][A-Za-z0-9_-]*)\]\s*\[STEP-(\d{1,3})\]\s*(.+)$`)
	// [PERSONA] desc — missing the STEP block entirely
	missingStepPattern = regexp.MustCompile(`^\[([A-Za-z][A-Za-z0-9_-]*)\]\s+([^[].*)$`)
	// PERSONA: desc or type: desc — bare prefix without brackets
	barePrefixPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_-]*):\s+(.+)$`)
)

// CorrectMessageFormat reformats near-miss messages into canonical form.
// The original message is returned unchanged when no pattern matches.
func CorrectMessageFormat(message string) *Correction {
	trimmed := strings.TrimSpace(message)

	if messagePattern.MatchString(trimmed) {
		return &Correction{Corrected: false, CorrectedMessage: trimmed}
	}

	if m := looseFormPattern.FindStringSubmatch(trimmed); m != nil {
		var corrections []string
		persona := strings.ToUpper(m[1])
		if persona != m[1] {
			corrections = append(corrections, "uppercased persona")
		}
		if len(m[2]) < 3 {
			corrections = append(corrections, "zero-padded step id")
		}
		fixed := fmt.Sprintf("[%s] [STEP-%s] %s", persona, padStep(m[2]), m[3])
		if len(corrections) == 0 {
			corrections = append(corrections, "normalized spacing")
		}
		return &Correction{Corrected: true, CorrectedMessage: fixed, Corrections: corrections}
	}

	if m := missingStepPattern.FindStringSubmatch(trimmed); m != nil {
		fixed := fmt.Sprintf("[%s] [STEP-000] %s", strings.ToUpper(m[1]), m[2])
		return &Correction{
			Corrected:        true,
			CorrectedMessage: fixed,
			Corrections:      []string{"added missing STEP block", "uppercased persona"},
		}
	}

	if m := barePrefixPattern.FindStringSubmatch(trimmed); m != nil {
		fixed := fmt.Sprintf("[%s] [STEP-000] %s", strings.ToUpper(m[1]), m[2])
		return &Correction{
			Corrected:        true,
			CorrectedMessage: fixed,
			Corrections:      []string{"bracketed bare prefix", "added missing STEP block"},
		}
	}

	return &Correction{Corrected: false, CorrectedMessage: message}
}

func padStep(digits string) string {
	for len(digits) < 3 {
		digits = "0" + digits
	}
	return digits
}
