package workflow

import (
	"io"
	"log/slog"
	"time"
)

// Options holds runtime settings shared by the executor, gate and controller
type Options struct {
	StageTimeout  time.Duration    // Upper bound for one routine call
	UpdateRetries int              // Store.Update attempts on ErrConflict
	Workers       int              // Background drive workers (Runner)
	Clock         func() time.Time // Time source, UTC
}

// DefaultOptions returns the settings used when nothing is configured
func DefaultOptions() Options {
	return Options{
		StageTimeout:  10 * time.Minute,
		UpdateRetries: 5,
		Workers:       4,
	}
}

func (o Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock().UTC()
	}
	return time.Now().UTC()
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.StageTimeout <= 0 {
		o.StageTimeout = d.StageTimeout
	}
	if o.UpdateRetries < 1 {
		o.UpdateRetries = d.UpdateRetries
	}
	if o.Workers < 1 {
		o.Workers = d.Workers
	}
	return o
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
