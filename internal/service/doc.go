package service

// Package service runs the external miner process and the event pipeline
// around it.
//
// Overview
// The Supervisor owns the pipeline: a Source produces events, Filters drop
// the ones not of interest and the Miner turns the rest into Petri nets,
// which are handed to the configured uploaders.
//
// Miner serializes all requests behind one mutex. Under that lock it keeps
// a single long lived child process through a Runner and talks to it with a
// Channel.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - provisions the artifact before every spawn
//   - starts the process with stderr merged into stdout
//   - watches it from a wait goroutine
//   - terminates it with SIGTERM, then SIGKILL after a grace period
//
// Channel frames the line protocol: one request line, body lines until a
// blank line, one status line. A reader goroutine feeds lines to Exchange,
// which gives up after a deadline.
//
// Data flow:
//
//   Supervisor          Miner{mu}            Runner            child
//       |                  |                   |                  |
//   event -> Process() --->| EnsureStarted() ->| Ensure+spawn --->|
//       |                  | Exchange() ------------------------->| request line
//       |                  |<------------------------------------ | body, "", status
//       |<---- Outcome ----|                   |                  |
//   upload                 |                   |                  |
//
// Invariants:
//   - At most one request is in flight per Miner.
//   - A process that timed out or broke the framing is never reused.
//   - Process never fails: problems become an Outcome without a net.
//   - Terminate runs once; later events yield empty outcomes.
//
// internal/service/service_test.go is the best source about how to properly
// use the Supervisor and the Miner.
