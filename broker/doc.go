// Package broker is the top-level facade for sandboxed execution.
//
// A Broker accepts a RunRequest (command plus policy), drives the
// pipeline (validate the policy, prepare the isolated environment,
// attach resource limits, launch and supervise) and returns a
// structured result. Any stage failure tears down whatever was built
// and surfaces as a BrokerError naming the stage, so a caller can never
// mistake "sandbox failed to start" for the program's own exit code.
//
// The broker holds no state across calls except a registry of live runs
// backing Cancel; the instance is threaded explicitly through callers.
package broker
