// Package errors classifies gateway failures so each layer can decide
// whether to recover locally, retry, or escalate.
//
// # Classes
//
//   - Transient: broker or control-channel connectivity problems. Reconnect loops retry these.
//   - Invalid: malformed, tampered or expired session tokens, unknown events,
//     unauthenticated requests. Recovered inside the client session.
//   - Fatal: exchange loss, bad configuration. Escalated to the worker error
//     handler, which reports "disconnect" to the supervisor.
//
// # Wrapping
//
// All wrapping follows "component.method: action failed: %w":
//
//	if err := js.Publish(ctx, subject, data); err != nil {
//	    return errors.WrapTransient(err, "JetStream", "Publish", "confirmed publish")
//	}
//
// Classified errors support errors.Is and errors.As through Unwrap.
package errors
