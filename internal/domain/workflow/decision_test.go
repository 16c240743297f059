package workflow

import "testing"

func TestParseDecision(t *testing.T) {
	tests := []struct {
		input   string
		want    Decision
		wantErr bool
	}{
		{"approved", DecisionApproved, false},
		{"APPROVE", DecisionApproved, false},
		{" ok ", DecisionApproved, false},
		{"rejected", DecisionRejected, false},
		{"needs-changes", DecisionRejected, false},
		{"needs_info", DecisionNeedsInfo, false},
		{"needs more info", DecisionNeedsInfo, false},
		{"maybe", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDecision(tt.input)
			if tt.wantErr {
				if !IsInvalidDecision(err) {
					t.Fatalf("Expected ErrInvalidDecision, got %v", err)
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

func TestDecision_ResolvesGate(t *testing.T) {
	if !DecisionApproved.ResolvesGate() || !DecisionRejected.ResolvesGate() {
		t.Error("approved and rejected should resolve the gate")
	}
	if DecisionNeedsInfo.ResolvesGate() {
		t.Error("needs_info should not resolve the gate")
	}
}

func TestFeedback_Normalize(t *testing.T) {
	fb := Feedback{
		Decision:    DecisionRejected,
		Comments:    "  needs more detail　",
		Constraints: []string{" ＡＷＳ only ", "   "},
		Preferences: map[string]string{" db ": " postgres "},
	}

	got := fb.Normalize()

	if got.Comments != "needs more detail" {
		t.Errorf("Comments = %q", got.Comments)
	}
	if len(got.Constraints) != 1 || got.Constraints[0] != "AWS only" {
		t.Errorf("Constraints = %q", got.Constraints)
	}
	if got.Preferences["db"] != "postgres" {
		t.Errorf("Preferences = %v", got.Preferences)
	}
	if fb.Comments != "  needs more detail　" {
		t.Error("Normalize must not modify the receiver")
	}
}
