// Package logging provides structured logging for the session broker.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation for session, operation and phase attributes, so a
// create or attach flow can be followed across the registry, the broker
// factory and the async operation that wraps it.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* methods share the underlying handler and level.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/log/sessionbroker", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	opLogger := logger.WithSession("-1").WithOperation(opID)
//	opLogger.Info("broker created", "kind", "durable")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"broker created","session_id":"-1","operation_id":"01J...","kind":"durable"}
//
// # Level Changes
//
// [Logger.SetLevel] adjusts the threshold of a logger and all of its
// children at runtime, which the CLI uses when the config file is edited.
package logging
