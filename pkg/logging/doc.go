// Package logging provides subsystem-tagged structured logging for adoconnect,
// built on Go's standard slog package.
//
// # Usage
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Supervisor", "Connecting %d connections", n)
//	logging.Debug("AuthEngine", "Using cached token for %s", id)
//	logging.Warn("RefreshScheduler", "Token for %s already expired", id)
//	logging.Error("ConnectionEngine", err, "Client construction failed for %s", id)
//
// Every record carries a subsystem attribute. Common subsystems are
// ConnectionEngine, AuthEngine, RefreshScheduler, Supervisor,
// CredentialStore and ConfigLoader.
//
// # Audit Logging
//
// Security relevant operations (credential writes, deletes, token
// acquisition) are recorded with Audit:
//
//	logging.Audit("credential_write", slog.String("key_hash", hash))
//
// Audit records use the SECURITY_AUDIT subsystem so log aggregation can
// filter them. Secret values must never be passed to any logging function.
//
// # Thread Safety
//
// All functions are safe for concurrent use. InitForCLI may be called again
// to swap the output, which tests rely on.
package logging
