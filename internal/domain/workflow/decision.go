package workflow

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Decision represents the human review decision at a gate
type Decision string

const (
	DecisionApproved  Decision = "approved"   // Advance past the gate
	DecisionRejected  Decision = "rejected"   // Regenerate the reviewed artifact
	DecisionNeedsInfo Decision = "needs_info" // Stay paused, record a pending task
)

// String returns the string representation of the decision
func (d Decision) String() string {
	return string(d)
}

// IsValid returns true if the decision is valid
func (d Decision) IsValid() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionNeedsInfo:
		return true
	default:
		return false
	}
}

// ResolvesGate returns true if the decision moves the session off the gate
func (d Decision) ResolvesGate() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ParseDecision parses a string into a Decision
func ParseDecision(s string) (Decision, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)

	switch normalized {
	case "APPROVED", "APPROVE", "OK", "LGTM":
		return DecisionApproved, nil
	case "REJECTED", "REJECT", "NEEDS_CHANGES":
		return DecisionRejected, nil
	case "NEEDS_INFO", "NEEDS_MORE_INFO", "INFO":
		return DecisionNeedsInfo, nil
	default:
		return "", ErrInvalidDecision.WithDetails(map[string]interface{}{"decision": s})
	}
}

// Feedback is a human decision submitted at a gate
type Feedback struct {
	Decision    Decision          `json:"decision"`
	Comments    string            `json:"comments,omitempty"`
	Constraints []string          `json:"constraints,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Normalize trims and NFKC-normalizes the free-text parts of the feedback
func (f Feedback) Normalize() Feedback {
	out := Feedback{
		Decision: f.Decision,
		Comments: normalizeText(f.Comments),
	}
	for _, c := range f.Constraints {
		if c = normalizeText(c); c != "" {
			out.Constraints = append(out.Constraints, c)
		}
	}
	if len(f.Preferences) > 0 {
		out.Preferences = make(map[string]string, len(f.Preferences))
		for k, v := range f.Preferences {
			out.Preferences[normalizeText(k)] = normalizeText(v)
		}
	}
	return out
}

// FeedbackRecord is one entry of the session's feedback history
type FeedbackRecord struct {
	Stage       Stage             `json:"stage"`
	Decision    Decision          `json:"decision"`
	Comments    string            `json:"comments,omitempty"`
	Constraints []string          `json:"constraints,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

func normalizeText(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}
