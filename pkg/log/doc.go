/*
Package log provides structured logging for Pulse using zerolog.

A single package-level Logger is configured once by log.Init from the
binary's configuration. Components derive child loggers that carry a
component field, and request-scoped code adds user, connection or
business identifiers:

	pushLog := log.WithComponent("push")
	pushLog.Info().Str("user_id", userID).Int("businesses", n).Msg("pushed metrics")

	connLog := log.WithConnectionID(conn.ID)
	connLog.Debug().Str("topic", topic).Msg("joined topic")

# Output

JSON output is meant for production log shipping; console output is the
default for local runs:

	{"level":"info","component":"snapshot","created":42,"deleted":3,"time":"2026-10-15T02:00:01Z","message":"snapshot run completed"}

	2026-10-15T02:00:01Z INF snapshot run completed component=snapshot created=42 deleted=3

# Levels

	debug  per-message routing decisions, control frames
	info   lifecycle, scheduler runs, admissions
	warn   swallowed failures (event recording, dropped messages)
	error  failed runs and per-user push errors
*/
package log
