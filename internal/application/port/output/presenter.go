package output

import "github.com/archmesh/archmesh/internal/application/dto"

// Presenter defines the interface for presenting output to users
// Different implementations can format output for CLI, JSON, or other formats
type Presenter interface {
	// PresentSuccess presents a successful result
	PresentSuccess(message string, data interface{}) error

	// PresentError presents an error
	PresentError(err error) error

	// PresentProgress presents progress information
	PresentProgress(message string, progress int, total int) error
}

// SessionPresenter renders workflow session snapshots
type SessionPresenter interface {
	Presenter

	// PresentStatus presents one session snapshot
	PresentStatus(status *dto.SessionStatus) error

	// PresentSessions presents a list of session snapshots
	PresentSessions(sessions []*dto.SessionStatus) error
}
