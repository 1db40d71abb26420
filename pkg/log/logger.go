// Package log provides a logger interface so that the rest of the module
// does not depend on a concrete logging library directly.
package log

// Logger serves as an adapter interface for logger libraries. Every
// component takes one of these as a constructor argument instead of
// reaching for a global logger, so request-scoped fields (tenant, client_id,
// grant_type) can be attached at the HTTP boundary and threaded through.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// WithFields returns a Logger that annotates every subsequent line with
	// the given key/value pairs, e.g. WithFields(Fields{"client_id": id}).
	WithFields(fields Fields) Logger
}

// Fields is a set of structured key/value pairs attached to a log line.
type Fields map[string]interface{}
