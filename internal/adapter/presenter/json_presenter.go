package presenter

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/archmesh/archmesh/internal/application/dto"
	"github.com/archmesh/archmesh/internal/application/port/output"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// JSONPresenter implements output.SessionPresenter for JSON output
// Formats all output as JSON for programmatic consumption
type JSONPresenter struct {
	output io.Writer
}

// NewJSONPresenter creates a new JSON presenter
func NewJSONPresenter(output io.Writer) output.SessionPresenter {
	return &JSONPresenter{output: output}
}

func (p *JSONPresenter) encode(v interface{}) error {
	enc := json.NewEncoder(p.output)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PresentSuccess presents a successful result as JSON
func (p *JSONPresenter) PresentSuccess(message string, data interface{}) error {
	return p.encode(map[string]interface{}{
		"success": true,
		"message": message,
		"data":    data,
	})
}

// PresentError presents an error as JSON, with code and details for workflow errors
func (p *JSONPresenter) PresentError(err error) error {
	result := map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	}
	var wfErr wf.Error
	if errors.As(err, &wfErr) {
		result["code"] = wfErr.Code
		result["error"] = wfErr.Message
		if len(wfErr.Details) > 0 {
			result["details"] = wfErr.Details
		}
	}
	return p.encode(result)
}

// PresentProgress presents progress information as JSON
func (p *JSONPresenter) PresentProgress(message string, progress int, total int) error {
	percent := 0.0
	if total > 0 {
		percent = float64(progress) / float64(total) * 100
	}
	return p.encode(map[string]interface{}{
		"type":     "progress",
		"message":  message,
		"progress": progress,
		"total":    total,
		"percent":  percent,
	})
}

// PresentStatus writes the snapshot itself
func (p *JSONPresenter) PresentStatus(status *dto.SessionStatus) error {
	return p.encode(status)
}

// PresentSessions writes a JSON array, never null
func (p *JSONPresenter) PresentSessions(sessions []*dto.SessionStatus) error {
	if sessions == nil {
		sessions = []*dto.SessionStatus{}
	}
	return p.encode(sessions)
}
