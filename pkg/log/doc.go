/*
Package log provides structured logging for Marcus using zerolog.

A global logger is configured once via Init and shared by every component.
Child loggers carry stable identifying fields:

	logger := log.WithComponent("coordinator")
	logger.Info().Str("task_id", id).Msg("task assigned")

Output defaults to stderr: stdout belongs to the JSON-RPC transport and
must never carry log lines. The console format is for interactive use;
production runs set JSONOutput.
*/
package log
