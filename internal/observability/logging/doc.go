// Package logging builds the process-wide slog logger and carries
// request-scoped loggers through contexts.
//
// limiterd logs JSON to stdout by default. LOG_LEVEL picks the minimum level
// and LOG_FORMAT=text switches to the text handler for local runs.
//
// The HTTP Logging middleware stores a logger tagged with the request ID in
// the request context; handlers retrieve it with FromContext:
//
//	logging.FromContext(r.Context()).Warn("admission check failed",
//	    slog.String("policy", policy))
package logging
