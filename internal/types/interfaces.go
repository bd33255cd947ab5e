package types

import (
	"log/slog"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time.
// Calendar-day logic converts to the user's location itself, so the
// instant returned here is all that matters.
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// Logger defines the structured logging interface used by workers and
// telemetry sinks.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// SlogAdapter wraps *slog.Logger to implement Logger. slog.Logger satisfies
// Info/Error/Warn directly, but its With returns *slog.Logger.
type SlogAdapter struct {
	L *slog.Logger
}

// NewSlogAdapter returns a Logger backed by l (slog.Default when nil).
func NewSlogAdapter(l *slog.Logger) *SlogAdapter {
	if l == nil {
		l = slog.Default()
	}
	return &SlogAdapter{L: l}
}

func (a *SlogAdapter) Info(msg string, args ...any)  { a.L.Info(msg, args...) }
func (a *SlogAdapter) Error(msg string, args ...any) { a.L.Error(msg, args...) }
func (a *SlogAdapter) Warn(msg string, args ...any)  { a.L.Warn(msg, args...) }
func (a *SlogAdapter) With(args ...any) Logger {
	return &SlogAdapter{L: a.L.With(args...)}
}
