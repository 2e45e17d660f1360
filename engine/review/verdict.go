package review

import (
	"strings"
	"time"

	"github.com/atelier-sh/atelier/engine/runctx"
)

// Approval tokens the critic is instructed to emit. The critic prompt asks
// for a leading "## Review Status: APPROVED" or
// "## Review Status: NEEDS_REVISION" header.
const (
	tokenApproved      = "APPROVED"
	tokenNeedsRevision = "NEEDS_REVISION"
)

// FallbackFeedback is used when the critic response is empty or unparseable.
// Parsing fails open toward another revision, never toward silent approval.
const FallbackFeedback = "Reviewer returned no usable feedback; revise the " +
	"artifact for correctness, error handling, and completeness."

// Parse classifies critic text as a verdict.
//
// The decision rule, matched case-insensitively:
//   - The first non-empty line, stripped of markdown prefixes, is Approved
//     iff it contains APPROVED and not NEEDS_REVISION (a status header can
//     echo both tokens from the prompt template, which is not approval).
//   - If the first line carries neither token, the whole text is scanned the
//     same way.
//   - Anything else is NeedsRevision with the full text as feedback.
//   - Blank text is NeedsRevision with FallbackFeedback.
func Parse(text string) runctx.Verdict {
	now := time.Now().UTC()

	if strings.TrimSpace(text) == "" {
		return runctx.Verdict{
			Kind:     runctx.VerdictNeedsRevision,
			Feedback: FallbackFeedback,
			At:       now,
		}
	}

	if approved, decided := scanLine(firstLine(text)); decided {
		return verdictFor(approved, text, now)
	}
	if approved, decided := scanLine(text); decided {
		return verdictFor(approved, text, now)
	}

	return runctx.Verdict{
		Kind:     runctx.VerdictNeedsRevision,
		Feedback: text,
		At:       now,
	}
}

func verdictFor(approved bool, text string, at time.Time) runctx.Verdict {
	if approved {
		return runctx.Verdict{Kind: runctx.VerdictApproved, At: at}
	}
	return runctx.Verdict{Kind: runctx.VerdictNeedsRevision, Feedback: text, At: at}
}

// scanLine reports (approved, decided). decided is false when the text
// carries neither token.
func scanLine(s string) (bool, bool) {
	up := strings.ToUpper(s)
	hasApproved := strings.Contains(up, tokenApproved)
	hasNeedsRevision := strings.Contains(up, tokenNeedsRevision)

	switch {
	case hasApproved && !hasNeedsRevision:
		return true, true
	case hasNeedsRevision:
		return false, true
	default:
		return false, false
	}
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimLeft(line, "#*->\t ")
		if strings.TrimSpace(trimmed) != "" {
			return trimmed
		}
	}
	return ""
}
