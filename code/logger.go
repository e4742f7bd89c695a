package code

// Logger is an optional interface for observability during evaluation.
// Implementations can log capability calls, timing information, and other
// events.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: logging must be best-effort; Logf should not panic.
// - Ownership: format/args are read-only.
type Logger interface {
	// Logf logs a formatted message.
	Logf(format string, args ...any)
}

// LoggerFunc adapts a printf-style function, such as the Infof method of a
// zap.SugaredLogger, to Logger.
type LoggerFunc func(format string, args ...any)

// Logf calls f.
func (f LoggerFunc) Logf(format string, args ...any) { f(format, args...) }

type nopLogger struct{}

func (nopLogger) Logf(string, ...any) {}
