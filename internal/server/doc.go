// Package server is the node's execution layer. It runs every command on a
// single goroutine, resolves the slot each command targets and reports the
// command's resource usage to the slot statistics registry.
//
// # Overview
//
// A Server owns one shard and everything that changes it: client state,
// transactions, blocked clients, sharded pub/sub channels, the replication
// stream, the script runner and the slot statistics. None of these are
// locked. Instead every exported method hands a closure to the command loop
// started by Run and waits for it, so commands, administrative calls and
// statistics reads are serialized the way a single-threaded server
// serializes them.
//
// # Architecture
//
//	  HTTP handlers (cmd/node)
//	        │ Exec, SlotStats, AssignSlots, MigrateSlots, ...
//	        ▼
//	┌────────────────────────────────────────────────┐
//	│  reqs chan func()          command loop (Run)  │
//	├────────────────────────────────────────────────┤
//	│  clients   map[id]*Client                      │
//	│  blocked   key -> clients waiting in BLPOP     │
//	│  channels  shard channel -> subscribers        │
//	│  master    client applying the primary stream  │
//	├───────────────┬──────────────┬─────────────────┤
//	│ shard.Shard   │ slotstats    │ replication     │
//	│ slots, keys   │ Registry     │ Stream          │
//	└───────────────┴──────────────┴─────────────────┘
//
// # Command Pipeline
//
// A command goes through these steps:
//
//  1. its wire size is added to the client's ingress counter;
//  2. the target slot is resolved from its keys (CROSSSLOT, MOVED and ASK
//     errors are raised here);
//  3. call runs it and charges CPU time, then ingress;
//  4. the reply is framed and its size charged as egress;
//  5. the per-command state is reset.
//
// Commands queued by MULTI, commands run by EXEC or EVAL and blocked
// commands resumed by a push deviate from this sequence in the ways the
// slotstats guards expect.
//
// # Slot Resolution
//
// With cluster mode on, every key of a command must hash to the same slot:
//
//	CROSSSLOT  keys hash to different slots
//	MOVED      the slot is served elsewhere
//	ASK        the slot is migrating and none of the keys is still here
//
// A slot being imported is served even though the shard does not own it
// yet. EXEC checks the transaction's slot again, since it may have moved
// while the commands were queued; a transaction whose slot left is
// discarded with MOVED.
//
// # Clients
//
// Clients are named by the caller and keep their state between requests:
// an open MULTI, subscriptions, a blocked BLPOP, undelivered messages. A
// request without a client ID runs on a one-shot client that is dropped
// once its command has been answered, or once it unblocks. CloseClient
// forgets a named client.
//
// # Transactions
//
// MULTI opens a queue. Each queued command is checked for its slot and for
// writes on a replica as it arrives, and the first keyed command fixes the
// transaction's slot. An error while queueing marks the transaction dirty
// and EXEC aborts it with EXECABORT. EXEC runs the queue as nested calls on
// the client's context, so the commands inside are covered by EXEC's own
// CPU time and ingress.
//
// # Blocking
//
// BLPOP on empty lists parks the client until a push to one of the keys or
// its timeout. Pushes mark keys ready; when the top-level command returns,
// waiting clients are served in the order they blocked, nested inside the
// command that pushed. A request whose context ends gives up its wait.
//
// # Sharded Pub/Sub
//
// SSUBSCRIBE registers the client on a channel, whose slot is that of its
// name. While subscribed, a client may only run SSUBSCRIBE, SUNSUBSCRIBE
// and PING. SPUBLISH delivers to local subscribers and charges each
// delivery to the channel's slot. Delivered messages wait in the client's
// inbox until Messages drains them.
//
// # Replication
//
// A primary feeds writes to its replicas as RESP commands through a
// replication.Stream; the stream's bytes are charged to the slot of the
// command that caused them. A replica applies the stream with the master
// client, which is exempt from slot checks and charges nothing.
//
// # Slot Migration
//
// MigrateSlots moves slots to another node, keys included:
//
//	source                                   target
//	  │ ImportFunc(slots, nil)  ──────────────► mark importing
//	  │ mark migrating
//	  │ loop: KeysInSlot(batch)
//	  │       Dump ──► ImportFunc(records) ───► Restore, feed replicas
//	  │       Delete, feed DEL to replicas
//	  │ DeleteSlot, DelSlots (stats reset)
//	  ▼
//	coordinator assigns the slots to the target
//
// Each batch is dumped, sent and deleted without releasing the loop, so no
// command ever sees a key in both places. Between batches, commands for
// keys already moved get ASK. A failed batch leaves the slot migrating and
// a second MigrateSlots resumes it.
//
// # Usage Example
//
//	sh := shard.NewShard(true)
//	if _, _, err := sh.AssignSlots([]cluster.SlotRange{{Start: 0, End: 16383}}); err != nil {
//	    return err
//	}
//
//	srv := server.New(server.Config{ClusterEnabled: true, SlotStatsEnabled: true}, sh,
//	    server.WithLogger(logger),
//	    server.WithRedirect(routes.lookup))
//	go srv.Run(ctx)
//
//	reply, err := srv.Exec(ctx, "client-1", []string{"SET", "foo", "bar"})
//	if err != nil {
//	    return err // the loop is gone or ctx ended
//	}
//	if e, ok := reply.(resp.Error); ok {
//	    log.Printf("command failed: %s", e.Msg)
//	}
//
//	entries, err := srv.SlotStats(ctx, []string{"ORDERBY", "cpu-usec", "LIMIT", "5"})
//
// # Testing
//
// Tests drive a real Server with a clock that advances one millisecond per
// reading, so CPU time is exact. Accounting tests assert the counters of a
// slot after each command shape: single commands, transactions, blocked
// clients, scripts, sharded pub/sub and replication. goleak checks that no
// loop or timer goroutine outlives its test.
//
// # See Also
//
// Related packages:
//   - internal/slotstats: the statistics registry and its guards
//   - internal/shard: slot ownership and migration states
//   - internal/replication: the stream fed to replicas
//   - internal/script: the Lua runner behind EVAL
package server
