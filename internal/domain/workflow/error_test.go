package workflow

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_IsMatchesCodeThroughDetailsAndWrapping(t *testing.T) {
	err := ErrNotFound.WithDetails(map[string]interface{}{"session_id": "WS-1"})
	wrapped := fmt.Errorf("load session: %w", err)

	if !IsNotFound(wrapped) {
		t.Error("Expected wrapped detailed error to match ErrNotFound")
	}
	if IsConflict(wrapped) {
		t.Error("ErrNotFound must not match ErrConflict")
	}
	if !errors.Is(wrapped, ErrNotFound) {
		t.Error("errors.Is should match on code")
	}

	var wfErr Error
	if !errors.As(wrapped, &wfErr) || wfErr.Details["session_id"] != "WS-1" {
		t.Errorf("Expected details to survive wrapping, got %+v", wfErr)
	}
}

func TestError_Message(t *testing.T) {
	if got := ErrConflict.Error(); got != "[WF_CONFLICT] Workflow session was modified concurrently" {
		t.Errorf("Unexpected message %q", got)
	}

	err := NewError("WF_CUSTOM", "custom", map[string]interface{}{"k": "v"})
	if !strings.Contains(err.Error(), "k:v") {
		t.Errorf("Expected details in message, got %q", err.Error())
	}
}

func TestError_Helpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", ErrNotFound, IsNotFound},
		{"already running", ErrAlreadyRunning, IsAlreadyRunning},
		{"conflict", ErrConflict, IsConflict},
		{"invalid state", ErrInvalidState, IsInvalidState},
		{"duplicate", ErrDuplicateSession, IsDuplicateSession},
		{"invalid decision", ErrInvalidDecision, IsInvalidDecision},
		{"invalid stage", ErrInvalidStage, IsInvalidStage},
		{"validation", ErrValidation, IsValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("helper did not match %v", tt.err)
			}
			if tt.check(errors.New("plain")) {
				t.Error("helper matched a plain error")
			}
		})
	}
}
