// Package agent defines the process contract between remedyd and the
// external agent binaries it supervises.
//
// An agent is invoked with a working directory and a JSON task payload
// on stdin, and emits newline-delimited JSON records on stdout. The
// last record must be a terminal "result" record. The engine treats
// the agent's reasoning as opaque; only the contract here matters.
//
// Roles form a closed set. Each role maps exactly once to a process
// profile (binary, base arguments, environment allowlist) in a
// Registry, so call sites never branch on role strings.
package agent
