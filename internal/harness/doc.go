// Package harness provides a conformance testing framework for the Tidepool
// client runtime.
//
// Scenarios are YAML files describing a linear script of client operations
// and server frames. The harness runs each scenario against a real reactor
// wired to a scripted socket, a manual scheduler, and deterministic event
// ids, so the same scenario always produces the same trace.
//
// The trace records every frame the client sent and every delivery the
// runtime made to local listeners, in order. Assertions validate the trace;
// golden files pin it byte for byte.
package harness
