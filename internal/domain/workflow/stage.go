package workflow

import "strings"

// Stage is one step of the document-to-architecture pipeline
type Stage string

const (
	StageStarting           Stage = "starting"
	StageDocumentAnalysis   Stage = "document_analysis"
	StageRequirementsReview Stage = "requirements_review" // gate
	StageArchitectureDesign Stage = "architecture_design"
	StageArchitectureReview Stage = "architecture_review" // gate
	StageCompleted          Stage = "completed"
	StageFailed             Stage = "failed"
)

// happyPath is the fixed total order of stages for a successful session
var happyPath = []Stage{
	StageStarting,
	StageDocumentAnalysis,
	StageRequirementsReview,
	StageArchitectureDesign,
	StageArchitectureReview,
	StageCompleted,
}

// HappyPath returns a copy of the fixed stage order
func HappyPath() []Stage {
	out := make([]Stage, len(happyPath))
	copy(out, happyPath)
	return out
}

// ExecutableStages returns the stages that run an external routine
func ExecutableStages() []Stage {
	return []Stage{StageStarting, StageDocumentAnalysis, StageArchitectureDesign}
}

// String returns the string representation of the stage
func (s Stage) String() string {
	return string(s)
}

// ParseStage parses a stage name, rejecting anything outside the enumeration
func ParseStage(name string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(name)))
	if !s.IsValid() {
		return "", ErrInvalidStage.WithDetails(map[string]interface{}{"stage": name})
	}
	return s, nil
}

// IsValid returns true if the stage is part of the enumeration
func (s Stage) IsValid() bool {
	switch s {
	case StageStarting, StageDocumentAnalysis, StageRequirementsReview,
		StageArchitectureDesign, StageArchitectureReview,
		StageCompleted, StageFailed:
		return true
	default:
		return false
	}
}

// IsGate returns true if the stage waits for human feedback
func (s Stage) IsGate() bool {
	return s == StageRequirementsReview || s == StageArchitectureReview
}

// IsTerminal returns true if no further transition is possible
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IsExecutable returns true if the stage runs an external routine
func (s Stage) IsExecutable() bool {
	return s.IsValid() && !s.IsGate() && !s.IsTerminal()
}

// Order returns the position of the stage on the happy path (0-based), -1 for failed/unknown
func (s Stage) Order() int {
	for i, st := range happyPath {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the following stage on the happy path
func (s Stage) Next() (Stage, bool) {
	i := s.Order()
	if i < 0 || i >= len(happyPath)-1 {
		return "", false
	}
	return happyPath[i+1], true
}

// Producer returns the stage whose artifact a gate reviews
func (s Stage) Producer() (Stage, bool) {
	switch s {
	case StageRequirementsReview:
		return StageDocumentAnalysis, true
	case StageArchitectureReview:
		return StageArchitectureDesign, true
	default:
		return "", false
	}
}

// CanTransitionTo checks if transition to another stage is allowed
func (s Stage) CanTransitionTo(next Stage) bool {
	validTransitions := map[Stage][]Stage{
		StageStarting:           {StageDocumentAnalysis, StageFailed},
		StageDocumentAnalysis:   {StageRequirementsReview, StageFailed},
		StageRequirementsReview: {StageArchitectureDesign, StageDocumentAnalysis, StageFailed},
		StageArchitectureDesign: {StageArchitectureReview, StageFailed},
		StageArchitectureReview: {StageCompleted, StageArchitectureDesign, StageFailed},
		StageCompleted:          {}, // No transitions from completed
		StageFailed:             {},
	}

	allowed, exists := validTransitions[s]
	if !exists {
		return false
	}

	for _, validNext := range allowed {
		if validNext == next {
			return true
		}
	}

	return false
}
