// Package alpha implements a saga coordinator.
//
// Participants run an omega agent (see the omega package) that reports the
// lifecycle of every local transaction of a global transaction: Started,
// Ended, Aborted and Compensated. Events arrive over one duplex gRPC stream
// per client process and the coordinator:
//
//  1. appends each event to an EventLog, which drops re-deliveries and
//     assigns the sequence numbers all ordering is based on;
//  2. records it in the GlobalTxView of its global transaction (Tracker);
//  3. once the global transaction has aborted, plans one compensation
//     Command for every local transaction that started and ended and has
//     not been compensated (Planner), children before parents;
//  4. delivers each command over the connection that reported the local
//     transaction's Started event (Router, Dispatcher). Commands stay
//     outstanding until the client reports the local transaction
//     Compensated, and are redelivered when the client reconnects.
//
// Overview
//
//	events := alpha.NewMemoryEventLog()
//	coord := alpha.NewCoordinator(events, alpha.CoordinatorConfig{}, metrics, logger)
//	srv := alpha.NewGRPCServer(alpha.NewServer(coord, alpha.ServerConfig{}, logger))
//	go coord.RunRedelivery(ctx)
//	srv.Serve(lis)
//
// Durable logs are BoltEventLog and SQLEventLog; BreakerEventLog guards
// either with a circuit breaker. NewQueryHandler serves a read-only HTTP
// view of transactions, outstanding commands and metrics.
//
// For a runnable participant, see examples/omega_participant.
package alpha
