package workflow

import "testing"

func TestParseStage(t *testing.T) {
	tests := []struct {
		input   string
		want    Stage
		wantErr bool
	}{
		{"starting", StageStarting, false},
		{"document_analysis", StageDocumentAnalysis, false},
		{" Requirements_Review ", StageRequirementsReview, false},
		{"architecture_design", StageArchitectureDesign, false},
		{"architecture_review", StageArchitectureReview, false},
		{"completed", StageCompleted, false},
		{"failed", StageFailed, false},
		{"deploy", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStage(tt.input)
			if tt.wantErr {
				if !IsInvalidStage(err) {
					t.Fatalf("Expected ErrInvalidStage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestStage_Classification(t *testing.T) {
	tests := []struct {
		stage      Stage
		gate       bool
		terminal   bool
		executable bool
	}{
		{StageStarting, false, false, true},
		{StageDocumentAnalysis, false, false, true},
		{StageRequirementsReview, true, false, false},
		{StageArchitectureDesign, false, false, true},
		{StageArchitectureReview, true, false, false},
		{StageCompleted, false, true, false},
		{StageFailed, false, true, false},
	}

	for _, tt := range tests {
		if got := tt.stage.IsGate(); got != tt.gate {
			t.Errorf("%s.IsGate() = %t, want %t", tt.stage, got, tt.gate)
		}
		if got := tt.stage.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %t, want %t", tt.stage, got, tt.terminal)
		}
		if got := tt.stage.IsExecutable(); got != tt.executable {
			t.Errorf("%s.IsExecutable() = %t, want %t", tt.stage, got, tt.executable)
		}
	}

	for _, st := range ExecutableStages() {
		if !st.IsExecutable() {
			t.Errorf("ExecutableStages contains non-executable %s", st)
		}
	}
}

func TestStage_NextFollowsHappyPath(t *testing.T) {
	path := HappyPath()
	for i := 0; i < len(path)-1; i++ {
		next, ok := path[i].Next()
		if !ok || next != path[i+1] {
			t.Errorf("%s.Next() = %s,%t want %s", path[i], next, ok, path[i+1])
		}
		if !path[i].CanTransitionTo(path[i+1]) {
			t.Errorf("Expected %s -> %s to be allowed", path[i], path[i+1])
		}
	}

	if _, ok := StageCompleted.Next(); ok {
		t.Error("Expected no stage after completed")
	}
	if _, ok := StageFailed.Next(); ok {
		t.Error("Expected no stage after failed")
	}
}

func TestStage_Producer(t *testing.T) {
	if p, ok := StageRequirementsReview.Producer(); !ok || p != StageDocumentAnalysis {
		t.Errorf("requirements_review producer = %s", p)
	}
	if p, ok := StageArchitectureReview.Producer(); !ok || p != StageArchitectureDesign {
		t.Errorf("architecture_review producer = %s", p)
	}
	if _, ok := StageDocumentAnalysis.Producer(); ok {
		t.Error("Expected non-gate stage to have no producer")
	}
}

func TestStage_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StageStarting, StageDocumentAnalysis, true},
		{StageStarting, StageRequirementsReview, false},
		{StageDocumentAnalysis, StageFailed, true},
		{StageRequirementsReview, StageDocumentAnalysis, true},
		{StageArchitectureReview, StageArchitectureDesign, true},
		{StageArchitectureReview, StageDocumentAnalysis, false},
		{StageCompleted, StageStarting, false},
		{StageFailed, StageStarting, false},
		{Stage("bogus"), StageStarting, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %t, want %t", tt.from, tt.to, got, tt.want)
		}
	}
}
