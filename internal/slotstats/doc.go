// Package slotstats attributes per-command resource usage to cluster hash
// slots so that operators can find hot and cold slots before resharding.
//
// # Overview
//
// Every command a node executes targets at most one slot. The execution
// layer resolves that slot, records it on the client's ExecContext, and at
// fixed points of the command lifecycle calls into the Registry. The
// registry never measures anything itself: callers hand it durations and
// byte counts, and it decides whether they may be charged.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                 command loop                 │
//	│  (package server, one goroutine per node)    │
//	└──────┬──────────────┬──────────────┬─────────┘
//	       │ ExecContext  │ Config       │ Query
//	       ▼              ▼              ▼
//	┌──────────────────────────────────────────────┐
//	│                  Registry                    │
//	├──────────────────────────────────────────────┤
//	│  guards        Can* functions, pure          │
//	│  accumulators  Add*, Incr*, Decr*            │
//	│  table         [16384]SlotStat               │
//	│  reports       Report, Samples, Snapshot     │
//	└──────────────────────────────────────────────┘
//	       ▲                             ▲
//	       │ OwnsSlot                    │ CountKeysInSlot
//	┌──────┴─────────────────────────────┴─────────┐
//	│              shard (SlotOwner, KeyCounter)   │
//	└──────────────────────────────────────────────┘
//
// # Command Lifecycle
//
//	parse ──► resolve slot ──► execute ──► frame reply ──► reset
//	              │                │             │
//	              │                ▼             ▼
//	              │          AddCPUDuration  AddNetworkBytesOutForUserClient
//	              ▼
//	   AddNetworkBytesInForUserClient (after execution, once unblocked)
//
// Replication fan-out and sharded pub/sub delivery have their own call
// sites. Each call consults a guard and either adds a delta to the slot's
// counters or does nothing.
//
// # Counters
//
// Three counters are kept per slot:
//   - cpu-usec: time spent executing commands
//   - network-bytes-in: wire size of the commands received
//   - network-bytes-out: wire size of replies, replication stream and
//     sharded pub/sub messages sent
//
// The fourth reported statistic, key-count, is read from the keyspace when
// a report is built and is not stored.
//
// # Eligibility
//
// Nothing is charged unless the feature flag and cluster mode are both on
// and the command targets a slot. On top of that:
//   - CPU time of commands nested inside EXEC or EVAL is skipped, since the
//     container already measured it. A nested command that was resumed
//     after blocking is charged.
//   - Ingress is skipped while the client is blocked (it is charged once
//     the command resumes) and for commands run by EXEC. EXEC itself is
//     charged an extra 15 bytes for the MULTI that opened the transaction.
//   - Scripts flagged allow-cross-slot-keys clear their caller's slot, so
//     nothing is charged for them.
//
// The guards are exported so the execution layer and tests can ask the
// same question the accumulators do:
//
//	Guard                   Enabled  Cluster  Slot  Extra
//	CanAddCPUDuration       yes      yes      yes   not nested, or blocking
//	CanAddNetworkBytesIn    yes      yes      yes   not blocked, not in EXEC
//	CanAddNetworkBytesOut   yes      yes      yes   -
//
// # Replication Egress
//
// A primary feeds each write to its replicas. The bytes of the stream are
// charged to the slot of the user command that produced them, multiplied by
// the number of connected replicas. Protocol framing that belongs to no
// slot, such as the SELECT opening a stream, is retracted with
// DecrNetworkBytesOutForReplication. Writes that no user command caused,
// like keys arriving in a slot migration, pass a nil context and are not
// charged.
//
// # Sharded Pub/Sub
//
// SPUBLISH charges each local delivery to the channel's slot. The slot is
// passed explicitly because the subscriber may be blocked on an unrelated
// command whose context must stay untouched.
//
// # Reports
//
// CLUSTER SLOT-STATS has two forms, parsed by ParseQuery:
//
//	SLOTSRANGE start end               every served slot in the range
//	ORDERBY metric [LIMIT n] [ASC|DESC] top slots by one metric
//
// Only slots the shard serves appear. ORDERBY on an accounted metric
// requires the feature flag; key-count works either way. Ties keep
// ascending slot order and LIMIT defaults to 16.
//
// # Resets
//
// A slot's counters return to zero when the node stops serving it, so a
// slot that comes back starts clean. CLUSTER SLOT-STATS RESET-STATS clears
// one slot or all of them on operator request.
//
// # Contract Violations
//
// Passing a slot outside [0, 16384), retracting more replication bytes
// than were charged, or charging replication on a replica are bugs in the
// caller. The registry logs them at error level and panics with a
// *ViolationError.
//
// # Concurrency
//
// The Registry has no locks. The node mutates it from its single command
// loop and readers take a Snapshot or build a Report from that same loop.
//
// # Usage Example
//
//	reg := slotstats.NewRegistry(logger)
//	reg.SetConfig(slotstats.Config{Enabled: true, ClusterEnabled: true, Primary: true})
//
//	ec := slotstats.NewExecContext()
//	ec.BytesIn = 31 // *3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n
//	ec.Slot = cluster.KeySlot("foo")
//
//	start := time.Now()
//	// ... execute the command ...
//	reg.AddCPUDuration(ec, time.Since(start))
//	reg.AddNetworkBytesInForUserClient(ec)
//
//	ec.BytesOut = 5 // +OK\r\n
//	reg.AddNetworkBytesOutForUserClient(ec)
//	ec.ResetCommand()
//
//	q, _ := slotstats.ParseQuery([]string{"ORDERBY", "cpu-usec", "LIMIT", "10"})
//	entries, err := reg.Report(q, shard, shard)
//
// # Testing
//
// The guards are table-tested against the ExecContext states they read. The
// accumulators are tested one call site at a time, violations through the
// zap observer. End-to-end accounting of real commands lives with the
// execution layer in package server.
//
// # See Also
//
// Related packages:
//   - internal/server: the command loop that drives the registry
//   - internal/shard: slot ownership and key counts
//   - internal/metrics: Prometheus export of Samples
package slotstats
