/*
Package log provides structured logging for lbctl using zerolog.

Every lbctl process (the short-lived apply/remove/reload/certs invocations and
the long-running watcher) logs through the package-level Logger. Because the
periodic commands run from a scheduler, their log lines together with the exit
status are the operator's only trace of a failed reload or certificate request,
so errors are always logged with .Err() before a non-zero exit.

# Usage

Initialize once in main:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stderr,
	})

Component loggers:

	logger := log.WithComponent("watcher")
	logger.Info().Str("path", dir).Msg("Watching directory")

	domainLog := log.WithDomain("example.com")
	domainLog.Error().Err(err).Msg("Certificate request failed")

Simple helpers:

	log.Info("Reload complete")
	log.Errorf("Reload failed", err)

# Output

JSON:

	{"level":"info","component":"reload","reload_id":"2f1c…","time":"2026-10-19T10:30:00Z","message":"Reload complete"}

Console:

	2026-10-19T10:30:00Z INF Reload complete component=reload reload_id=2f1c…
*/
package log
