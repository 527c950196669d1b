// Package actor provides the minimal concurrent-actor primitive the rest of
// the runtime is built on.
//
// An actor is a state value plus an ordered mailbox. Messages are processed
// strictly sequentially by a single on-demand goroutine, even when a reducer
// blocks on another actor, so reducers never need their own locking. The two
// delivery modes are Send (fire-and-forget) and Ask (request/response).
//
// Crash isolation: a reducer error or panic rejects only the message that
// caused it and reports to the crash handler; the mailbox keeps draining.
//
// Change notification uses state identity, not equality: a reducer signals
// "changed" by returning a different (usually freshly allocated) state value
// and "unchanged" by returning its input. State types are therefore pointers
// throughout the runtime.
package actor
