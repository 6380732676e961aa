/*
Package log provides structured logging for burrow using zerolog.

A single package-level Logger is configured once by Init from the command
line flags. Long-lived components derive child loggers that carry a fixed
field so every line can be traced back to where it came from:

	logger := log.WithComponent("session")
	logger.Info().Int64("message_id", msg.MessageID).Msg("Message received")

	jobLog := log.WithJob("dispatcher", job.JobID, job.RequestID)
	jobLog.Warn().Err(err).Msg("Worker did not exit after cancel")

# Output

Console output (the default) is meant for operators watching the agent in a
terminal or journald. JSON output (--log-json) is meant for log shippers:

	{"level":"info","component":"dispatcher","job_id":"a1b2","request_id":"42","time":"2026-10-16T10:30:00Z","message":"Job started"}

# Levels

debug, info, warn and error are accepted. Unknown levels fall back to info.
*/
package log
