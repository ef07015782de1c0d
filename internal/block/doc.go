// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package block is the connection middleware every obsnet process runs.
//
// A Block owns every Connection of the process: outbound links it dialed,
// inbound links it accepted and worker subprocesses it spawned. All state is
// mutated on a single loop goroutine (Run). Reader and writer goroutines only
// move bytes and post closures to the loop, so handlers never need locks and
// never block on I/O.
//
// Each Connection carries a FIFO of Commands with at most one in flight.
// Replies resolve the in-flight command; closing the connection fails the
// rest exactly once.
package block
