// Package logging builds the *slog.Logger handed to every muster component.
//
// Text output is a compact colorized line per record; JSON output is slog's
// stock JSON handler for log shippers.
package logging
