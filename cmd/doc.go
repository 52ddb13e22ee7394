// Package cmd implements the command-line interface of smtc. It wraps the
// receive and send services of the rpc packages into a single binary.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a receive service that counts incoming messages per type
//     and optionally exposes prometheus metrics
//   - send: Sends messages to a receive service, send perf benchmarks the send path
//   - stat: Queries a running receive service on the same host over its command sockets
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set as environment variable SMTC_<FLAG>, .env and
// .env.local in the working directory are loaded first.
//
// See smtc -help for a list of all commands.
package cmd
